// Package settlement implements the Settlement Engine: it turns one
// matcher-produced Match into a pending Settlement row with its gross/fee/net
// split, then drives that settlement to a confirmed on-chain signature
// through the coordinator.
package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/apperrors"
	"github.com/gridtokenx/apigateway/pkg/config"
	"github.com/gridtokenx/apigateway/pkg/coordinator"
	"github.com/gridtokenx/apigateway/pkg/database"
	"github.com/gridtokenx/apigateway/pkg/fanout"
	"github.com/gridtokenx/apigateway/pkg/instructions"
	"github.com/gridtokenx/apigateway/pkg/ledger"
)

// settlementComputeLimit is a conservative compute unit budget for a single
// token-transfer instruction.
const settlementComputeLimit = 60_000

// settlementRetryBatchSize bounds how many pending/expired settle_match
// operations one retry-loop tick re-attempts, so a backlog cannot
// monopolize a single tick.
const settlementRetryBatchSize = 50

// LedgerClient is the capability the engine needs from pkg/ledger: deriving
// and looking up the token accounts it settles into.
type LedgerClient interface {
	EnsureTokenAccount(ctx context.Context, authority, wallet, mint, tokenProgram string) (string, error)
}

// Submitter is the coordinator capability the engine depends on: submitting
// new settle_match operations, and driving the retry loop for operations
// the coordinator's own monitor cannot originate a fresh attempt for
// itself, since it holds no payload to rebuild from (§4.3).
type Submitter interface {
	Submit(ctx context.Context, req coordinator.SubmitRequest) (*database.BlockchainOperation, error)
	Retry(ctx context.Context, id uuid.UUID, req coordinator.SubmitRequest) (*database.BlockchainOperation, error)
	Backoff(attempt int) time.Duration
	ListRetryable(ctx context.Context, opType database.OperationType, limit int) ([]*database.BlockchainOperation, error)
}

// Publisher is the fanout capability the engine depends on for surfacing
// settlement outcomes to anything watching the gateway.
type Publisher interface {
	Publish(evt fanout.Event)
}

// ChainConfig names the accounts SettleMatch instructions are built against.
type ChainConfig struct {
	ProgramID    string // the mint/token program settling value between parties
	Authority    string // the gateway's own signing authority
	Mint         string // the energy token mint
	TokenProgram string
}

// Engine is the settlement engine.
type Engine struct {
	settlements *database.SettlementRepository
	orders      *database.OrderRepository
	matches     *database.MatchRepository
	users       *database.UserRepository
	audit       *database.AuditRepository
	coord       Submitter
	ledger      LedgerClient
	chain       ChainConfig
	policy      config.MarketPolicy
	coordPolicy config.CoordinatorPolicy
	publisher   Publisher
	logger      *log.Logger

	retryPollInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a settlement Engine.
func New(
	settlements *database.SettlementRepository,
	orders *database.OrderRepository,
	matches *database.MatchRepository,
	users *database.UserRepository,
	audit *database.AuditRepository,
	coord Submitter,
	ledgerClient LedgerClient,
	chain ChainConfig,
	policy config.MarketPolicy,
	coordPolicy config.CoordinatorPolicy,
	publisher Publisher,
) *Engine {
	return &Engine{
		settlements:       settlements,
		orders:            orders,
		matches:           matches,
		users:             users,
		audit:             audit,
		coord:             coord,
		ledger:            ledgerClient,
		chain:             chain,
		policy:            policy,
		coordPolicy:       coordPolicy,
		publisher:         publisher,
		logger:            log.New(log.Writer(), "[Settlement] ", log.LstdFlags),
		retryPollInterval: 5 * time.Second,
	}
}

// CreateForMatch computes gross/fee/net for one matcher-produced match and
// inserts the pending settlement row, inside tx — the same transaction the
// caller uses to persist the match itself (§4.7).
func (e *Engine) CreateForMatch(ctx context.Context, tx *sql.Tx, epochID int64, m *database.Match, buyerID, sellerID uuid.UUID) (*database.Settlement, error) {
	gross := roundHalfEven(m.MatchedKWh * m.MatchPrice)
	fee := roundHalfEven(float64(gross) * float64(e.policy.FeeBps) / 10_000)
	net := gross - fee

	return e.settlements.InsertSettlement(ctx, tx, m.ID, epochID, buyerID, sellerID, m.MatchedKWh, m.MatchPrice, gross, fee, net)
}

// roundHalfEven rounds to the nearest integer, breaking exact ties to the
// even neighbor (banker's rounding), the tie rule InsertSettlement's doc
// states for the fee. No check constraint covers the fee column itself;
// chk_net_eq only ties net to gross - fee.
func roundHalfEven(v float64) int64 {
	floor := math.Floor(v)
	diff := v - floor
	switch {
	case diff < 0.5:
		return int64(floor)
	case diff > 0.5:
		return int64(floor) + 1
	default:
		if int64(floor)%2 == 0 {
			return int64(floor)
		}
		return int64(floor) + 1
	}
}

// buildSubmitRequest assembles the settle_match SubmitRequest for s,
// including its Build closure. Both Enqueue and the retry loop call this:
// the operation store persists only the fingerprint, never the closure
// itself (§4.3), so a retried operation is rebuilt from the same
// settlement row rather than replayed from stored state.
func (e *Engine) buildSubmitRequest(ctx context.Context, s *database.Settlement) (coordinator.SubmitRequest, error) {
	buyer, err := e.users.GetUser(ctx, s.BuyerID)
	if err != nil {
		return coordinator.SubmitRequest{}, fmt.Errorf("settlement %s: load buyer: %w", s.ID, err)
	}
	seller, err := e.users.GetUser(ctx, s.SellerID)
	if err != nil {
		return coordinator.SubmitRequest{}, fmt.Errorf("settlement %s: load seller: %w", s.ID, err)
	}
	if !buyer.WalletAddr.Valid || !seller.WalletAddr.Valid {
		return coordinator.SubmitRequest{}, fmt.Errorf("settlement %s: both parties must have a registered wallet before settling", s.ID)
	}

	buyerWallet, sellerWallet := buyer.WalletAddr.String, seller.WalletAddr.String

	return coordinator.SubmitRequest{
		OpType:  database.OpSettleMatch,
		Payload: coordinator.SettleMatchPayload{SettlementID: s.ID},
		Build: func(ctx context.Context) ([]ledger.Instruction, []string, error) {
			buyerATA, err := e.ledger.EnsureTokenAccount(ctx, e.chain.Authority, buyerWallet, e.chain.Mint, e.chain.TokenProgram)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve buyer token account: %w", err)
			}
			sellerATA, err := e.ledger.EnsureTokenAccount(ctx, e.chain.Authority, sellerWallet, e.chain.Mint, e.chain.TokenProgram)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve seller token account: %w", err)
			}
			ix := instructions.SettleMatch(e.chain.ProgramID, e.chain.Authority, buyerATA, sellerATA, s.KWh, s.PricePerKWh)
			return []ledger.Instruction{ix}, []string{e.chain.Authority}, nil
		},
		FeeCategory:  ledger.FeeHigh,
		ComputeLimit: settlementComputeLimit,
		ExpiresIn:    time.Duration(e.coordPolicy.SubmissionExpirySeconds) * time.Second,
		MaxAttempts:  e.coordPolicy.MaxAttemptsSettlement,
	}, nil
}

// Enqueue submits the settle_match operation for a settlement already
// committed to the store. It must run after the clearing transaction that
// created the settlement has committed, since Submit talks to the chain.
func (e *Engine) Enqueue(ctx context.Context, s *database.Settlement) (*database.BlockchainOperation, error) {
	req, err := e.buildSubmitRequest(ctx, s)
	if err != nil {
		return nil, err
	}

	op, err := e.coord.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := e.settlements.SetOperationID(ctx, s.ID, op.ID); err != nil {
		e.logger.Printf("settlement %s: failed to record operation id %s: %v", s.ID, op.ID, err)
	}

	return op, nil
}

// ConfirmationHook advances a settlement and its two orders on confirmation
// of its settle_match operation. Registered against
// database.OpSettleMatch during wiring. It runs inside the coordinator's
// confirmation transaction, so the settlement, the order fill counters and
// mark_confirmed all commit atomically or none do.
func (e *Engine) ConfirmationHook(ctx context.Context, tx *sql.Tx, op *database.BlockchainOperation) error {
	s, err := e.settlements.FindByOperationID(ctx, tx, op.ID)
	if err != nil {
		return fmt.Errorf("confirmation hook: find settlement for operation %s: %w", op.ID, err)
	}

	// The operation store does not persist a confirmation slot (§4.3), so
	// the settlement's slot column stays unset; signature alone is the
	// authoritative on-chain reference.
	if err := e.settlements.Confirm(ctx, tx, s.ID, op.Signature.String, 0); err != nil {
		return fmt.Errorf("confirmation hook: confirm settlement %s: %w", s.ID, err)
	}

	m, err := e.matches.GetMatch(ctx, s.MatchID)
	if err != nil {
		return fmt.Errorf("confirmation hook: load match %s: %w", s.MatchID, err)
	}

	if err := e.orders.IncrementFilled(ctx, tx, m.BuyOrderID, m.MatchedKWh); err != nil {
		return fmt.Errorf("confirmation hook: increment buy order %s: %w", m.BuyOrderID, err)
	}
	if err := e.orders.IncrementFilled(ctx, tx, m.SellOrderID, m.MatchedKWh); err != nil {
		return fmt.Errorf("confirmation hook: increment sell order %s: %w", m.SellOrderID, err)
	}
	if err := e.matches.SetSettlementRef(ctx, tx, m.ID, s.ID); err != nil {
		return fmt.Errorf("confirmation hook: set settlement ref on match %s: %w", m.ID, err)
	}

	if err := e.audit.RecordTx(ctx, tx, "settlement-engine", "settlement_confirmed", "settlement", s.ID.String(), map[string]interface{}{
		"match_id":  m.ID,
		"signature": op.Signature.String,
	}); err != nil {
		return err
	}

	if e.publisher != nil {
		e.publisher.Publish(fanout.Event{
			Type: fanout.EventSettlementConfirmed,
			SettlementConfirmed: &fanout.SettlementConfirmedData{
				SettlementID: s.ID,
				OperationID:  op.ID,
			},
		})
	}

	return nil
}

// Fail marks a settlement failed and both of its orders expired, per §4.7's
// "practical outcome" when a settle_match operation exhausts its retries
// after the epoch has already closed. It is called by the domain's
// terminal-failure path, not by the coordinator itself, since only the
// caller that owns the settlement's retry loop knows an operation has
// truly given up.
func (e *Engine) Fail(ctx context.Context, settlementID uuid.UUID) error {
	s, err := e.settlements.GetSettlement(ctx, settlementID)
	if err != nil {
		return fmt.Errorf("fail settlement %s: %w", settlementID, err)
	}

	tx, err := e.settlements.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("fail settlement %s: begin tx: %w", settlementID, err)
	}
	defer tx.Rollback()

	if err := e.settlements.Fail(ctx, tx, s.ID); err != nil {
		return err
	}

	m, err := e.matches.GetMatch(ctx, s.MatchID)
	if err != nil {
		return fmt.Errorf("fail settlement %s: load match: %w", settlementID, err)
	}
	if err := e.orders.SetStatus(ctx, tx, m.BuyOrderID, database.OrderExpired); err != nil {
		return err
	}
	if err := e.orders.SetStatus(ctx, tx, m.SellOrderID, database.OrderExpired); err != nil {
		return err
	}
	if err := e.matches.MarkFailed(ctx, tx, m.ID); err != nil {
		return err
	}
	if err := e.audit.RecordTx(ctx, tx, "settlement-engine", "settlement_failed", "settlement", s.ID.String(), nil); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if e.publisher != nil {
		e.publisher.Publish(fanout.Event{
			Type: fanout.EventSettlementConfirmed,
			SettlementConfirmed: &fanout.SettlementConfirmedData{
				SettlementID: s.ID,
				Failed:       true,
				Reason:       "settle_match operation exhausted retries",
			},
		})
	}

	return nil
}

// Start launches the background retry loop: every retryPollInterval it
// lists settle_match operations still pending or expired and, once each
// one's backoff window has elapsed, resubmits it through Retry. Grounded
// on the coordinator's own monitor loop shape (Start/Stop/run/poll) — the
// coordinator cannot originate this itself since it holds no payload to
// rebuild the operation's instructions from (§4.3).
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go e.run(ctx)
}

// Stop cancels the retry loop and waits for the current pass to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	<-e.doneCh
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.retryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pollRetries(ctx)
		}
	}
}

func (e *Engine) pollRetries(ctx context.Context) {
	ops, err := e.coord.ListRetryable(ctx, database.OpSettleMatch, settlementRetryBatchSize)
	if err != nil {
		e.logger.Printf("list_retryable failed: %v", err)
		return
	}
	for _, op := range ops {
		e.retryOne(ctx, op)
	}
}

// retryOne either resubmits op through Retry, once its backoff window has
// elapsed, or — if it has already exhausted its attempt budget — drives it
// to the terminal-failure path via Fail. A settlement whose operation has
// already moved past pending/expired by the time this runs (confirmed or
// failed on a prior tick) is simply skipped on its next ListRetryable
// pass, since that query only ever returns live rows.
func (e *Engine) retryOne(ctx context.Context, op *database.BlockchainOperation) {
	tx, err := e.settlements.BeginTx(ctx)
	if err != nil {
		e.logger.Printf("operation %s: begin tx to find settlement: %v", op.ID, err)
		return
	}
	s, err := e.settlements.FindByOperationID(ctx, tx, op.ID)
	tx.Rollback()
	if err != nil {
		e.logger.Printf("operation %s: find settlement: %v", op.ID, err)
		return
	}

	maxAttempts := e.coordPolicy.MaxAttemptsSettlement
	if maxAttempts == 0 {
		maxAttempts = e.coordPolicy.MaxAttempts
	}
	if op.Attempts >= maxAttempts {
		if err := e.Fail(ctx, s.ID); err != nil {
			e.logger.Printf("settlement %s: fail after exhausted retries: %v", s.ID, err)
		}
		return
	}

	lastAttempt := op.CreatedAt
	if op.LastAttemptAt.Valid {
		lastAttempt = op.LastAttemptAt.Time
	}
	if time.Since(lastAttempt) < e.coord.Backoff(op.Attempts) {
		return
	}

	req, err := e.buildSubmitRequest(ctx, s)
	if err != nil {
		e.logger.Printf("settlement %s: rebuild submit request for retry: %v", s.ID, err)
		return
	}

	if _, err := e.coord.Retry(ctx, op.ID, req); err != nil && !apperrors.Is(err, apperrors.KindPrecondition) {
		e.logger.Printf("settlement %s: retry operation %s: %v", s.ID, op.ID, err)
	}
}
