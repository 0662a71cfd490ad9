package meter

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/apperrors"
	"github.com/gridtokenx/apigateway/pkg/config"
	"github.com/gridtokenx/apigateway/pkg/coordinator"
	"github.com/gridtokenx/apigateway/pkg/database"
	"github.com/gridtokenx/apigateway/pkg/instructions"
	"github.com/gridtokenx/apigateway/pkg/ledger"
)

const mintComputeLimit = 30_000

// mintBatchSize bounds how many unminted readings one poll drains, so a
// backlog cannot monopolize a single tick.
const mintBatchSize = 50

// mintRetryBatchSize bounds how many pending/expired mint_tokens operations
// one retry-loop tick re-attempts.
const mintRetryBatchSize = 50

// MintWorker drives §4.8's minting algorithm against the backlog of
// readings the ingestion path has recorded but not yet processed. It is a
// background poller in the same shape as pkg/coordinator.Coordinator's
// confirmation monitor: a ticker loop, cancellable at shutdown, safe to run
// alongside the coordinator's own loop since both only ever touch rows they
// individually claim.
type MintWorker struct {
	meters   *database.MeterRepository
	readings *database.ReadingRepository
	users    *database.UserRepository
	coord    Submitter
	ledger   LedgerClient
	chain    ChainConfig

	coordPolicy  config.CoordinatorPolicy
	pollInterval time.Duration

	logger *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMintWorker constructs a MintWorker.
func NewMintWorker(
	meters *database.MeterRepository,
	readings *database.ReadingRepository,
	users *database.UserRepository,
	coord Submitter,
	ledgerClient LedgerClient,
	chain ChainConfig,
	coordPolicy config.CoordinatorPolicy,
	pollInterval time.Duration,
) *MintWorker {
	return &MintWorker{
		meters:       meters,
		readings:     readings,
		users:        users,
		coord:        coord,
		ledger:       ledgerClient,
		chain:        chain,
		coordPolicy:  coordPolicy,
		pollInterval: pollInterval,
		logger:       log.New(log.Writer(), "[MintWorker] ", log.LstdFlags),
	}
}

// Start launches the background poll loop.
func (w *MintWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop cancels the poll loop and waits for the current pass to finish.
func (w *MintWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh
}

func (w *MintWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll(ctx)
			w.pollRetries(ctx)
		}
	}
}

func (w *MintWorker) poll(ctx context.Context) {
	pending, err := w.readings.ListUnminted(ctx, mintBatchSize)
	if err != nil {
		w.logger.Printf("list_unminted failed: %v", err)
		return
	}
	for _, reading := range pending {
		w.process(ctx, reading)
	}
}

// process implements one reading's pass through §4.8's minting algorithm.
func (w *MintWorker) process(ctx context.Context, reading *database.MeterReading) {
	m, err := w.meters.GetMeter(ctx, reading.MeterID)
	if err != nil {
		w.logger.Printf("reading %s: load meter %s: %v", reading.ID, reading.MeterID, err)
		return
	}

	unsettled := m.TotalGenerationWh - m.TotalConsumptionWh - m.SettledNetGenerationWh
	if unsettled <= 0 {
		tx, err := w.meters.BeginTx(ctx)
		if err != nil {
			w.logger.Printf("reading %s: begin tx: %v", reading.ID, err)
			return
		}
		defer tx.Rollback()
		if err := w.readings.MarkMinted(ctx, tx, reading.ID, "none"); err != nil {
			w.logger.Printf("reading %s: mark no-op minted: %v", reading.ID, err)
			return
		}
		if err := tx.Commit(); err != nil {
			w.logger.Printf("reading %s: commit no-op mint: %v", reading.ID, err)
		}
		return
	}

	owner, err := w.users.GetUser(ctx, m.OwnerUserID)
	if err != nil {
		w.logger.Printf("reading %s: load owner %s: %v", reading.ID, m.OwnerUserID, err)
		return
	}
	if !owner.WalletAddr.Valid {
		// Left unminted; retried on the next poll once a wallet is set.
		return
	}
	wallet := owner.WalletAddr.String
	before := m.SettledNetGenerationWh

	req := w.buildMintRequest(m.ID, wallet, before, unsettled)

	op, err := w.coord.Submit(ctx, req)
	if err != nil {
		w.logger.Printf("reading %s: submit mint_tokens: %v", reading.ID, err)
		return
	}

	if err := w.readings.SetOperationID(ctx, reading.ID, op.ID); err != nil {
		w.logger.Printf("reading %s: record operation id %s: %v", reading.ID, op.ID, err)
	}
}

// buildMintRequest assembles the mint_tokens SubmitRequest for a recipient
// wallet and amount. Both process and the retry loop call this: the
// operation store persists only the fingerprint, never the Build closure
// (§4.3), so a retried operation is rebuilt from the meter's current state
// rather than replayed from stored state — the same way ConfirmationHook
// already recomputes the ratchet advance independently of whatever amount
// the original instruction carried.
func (w *MintWorker) buildMintRequest(meterID uuid.UUID, wallet string, before int64, unsettled int64) coordinator.SubmitRequest {
	return coordinator.SubmitRequest{
		OpType:  database.OpMintTokens,
		Payload: coordinator.MintPayload{MeterID: meterID, SettledNetGenerationBefore: before},
		Build: func(ctx context.Context) ([]ledger.Instruction, []string, error) {
			ata, err := w.ledger.EnsureTokenAccount(ctx, w.chain.Authority, wallet, w.chain.Mint, w.chain.TokenProgram)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve recipient token account: %w", err)
			}
			ix := instructions.MintTo(w.chain.ProgramMint, w.chain.Authority, ata, unsettled)
			return []ledger.Instruction{ix}, []string{w.chain.Authority}, nil
		},
		FeeCategory:  ledger.FeeMedium,
		ComputeLimit: mintComputeLimit,
		ExpiresIn:    time.Duration(w.coordPolicy.SubmissionExpirySeconds) * time.Second,
		MaxAttempts:  w.coordPolicy.MaxAttempts,
	}
}

// pollRetries lists pending/expired mint_tokens operations and, once each
// one's backoff window has elapsed, resubmits it through Retry. An
// operation that has exhausted its attempt budget is abandoned: its
// readings stay unminted and keep their operation link, and since
// ListUnminted skips readings that carry one, poll does not pick them up
// again. Nothing in this package clears the link.
func (w *MintWorker) pollRetries(ctx context.Context) {
	ops, err := w.coord.ListRetryable(ctx, database.OpMintTokens, mintRetryBatchSize)
	if err != nil {
		w.logger.Printf("list_retryable failed: %v", err)
		return
	}
	for _, op := range ops {
		w.retryOne(ctx, op)
	}
}

func (w *MintWorker) retryOne(ctx context.Context, op *database.BlockchainOperation) {
	tx, err := w.readings.BeginTx(ctx)
	if err != nil {
		w.logger.Printf("operation %s: begin tx to find readings: %v", op.ID, err)
		return
	}
	readings, err := w.readings.ListByOperationID(ctx, tx, op.ID)
	tx.Rollback()
	if err != nil || len(readings) == 0 {
		if err != nil {
			w.logger.Printf("operation %s: list readings: %v", op.ID, err)
		}
		return
	}

	if op.Attempts >= w.coordPolicy.MaxAttempts {
		if err := w.coord.Abandon(ctx, op.ID, "mint_tokens operation exhausted retries"); err != nil {
			w.logger.Printf("operation %s: abandon after exhausted retries: %v", op.ID, err)
		}
		return
	}

	lastAttempt := op.CreatedAt
	if op.LastAttemptAt.Valid {
		lastAttempt = op.LastAttemptAt.Time
	}
	if time.Since(lastAttempt) < w.coord.Backoff(op.Attempts) {
		return
	}

	m, err := w.meters.GetMeter(ctx, readings[0].MeterID)
	if err != nil {
		w.logger.Printf("operation %s: load meter %s: %v", op.ID, readings[0].MeterID, err)
		return
	}
	owner, err := w.users.GetUser(ctx, m.OwnerUserID)
	if err != nil {
		w.logger.Printf("operation %s: load owner %s: %v", op.ID, m.OwnerUserID, err)
		return
	}
	if !owner.WalletAddr.Valid {
		return
	}

	unsettled := m.TotalGenerationWh - m.TotalConsumptionWh - m.SettledNetGenerationWh
	if unsettled < 0 {
		unsettled = 0
	}

	req := w.buildMintRequest(m.ID, owner.WalletAddr.String, m.SettledNetGenerationWh, unsettled)
	if _, err := w.coord.Retry(ctx, op.ID, req); err != nil && !apperrors.Is(err, apperrors.KindPrecondition) {
		w.logger.Printf("operation %s: retry: %v", op.ID, err)
	}
}

// ConfirmationHook advances a meter's settled_net_generation ratchet and
// marks every reading enqueued under the confirmed operation minted.
// Registered against database.OpMintTokens during wiring.
//
// More than one reading can carry the same operation id: two readings on
// the same meter submitted before either confirmed compute the identical
// (meter, settled_net_generation_before) fingerprint, so the coordinator's
// idempotency gate folds the second submission into the first's operation
// row. The ratchet still advances exactly once, by whatever the meter's
// unsettled balance is at confirmation time; every reading sharing the
// operation is marked minted with that single signature.
func (w *MintWorker) ConfirmationHook(ctx context.Context, tx *sql.Tx, op *database.BlockchainOperation) error {
	readings, err := w.readings.ListByOperationID(ctx, tx, op.ID)
	if err != nil {
		return fmt.Errorf("mint confirmation hook: list readings for operation %s: %w", op.ID, err)
	}

	m, err := w.meters.GetMeterForUpdate(ctx, tx, readings[0].MeterID)
	if err != nil {
		return fmt.Errorf("mint confirmation hook: load meter %s: %w", readings[0].MeterID, err)
	}
	unsettled := m.TotalGenerationWh - m.TotalConsumptionWh - m.SettledNetGenerationWh
	if unsettled < 0 {
		unsettled = 0
	}

	if err := w.meters.ApplySettledNetGeneration(ctx, tx, m.ID, unsettled); err != nil {
		return fmt.Errorf("mint confirmation hook: advance ratchet: %w", err)
	}

	for _, reading := range readings {
		if err := w.readings.MarkMinted(ctx, tx, reading.ID, op.Signature.String); err != nil {
			return fmt.Errorf("mint confirmation hook: mark reading %s minted: %w", reading.ID, err)
		}
	}

	return nil
}
