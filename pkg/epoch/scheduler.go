// Package epoch implements the Epoch Scheduler: the wall-clock state
// machine that materializes, activates, expires, clears and settles the
// discrete trading windows the matcher and settlement engine operate
// against (§4.6).
package epoch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/config"
	"github.com/gridtokenx/apigateway/pkg/coordinator"
	"github.com/gridtokenx/apigateway/pkg/database"
	"github.com/gridtokenx/apigateway/pkg/fanout"
	"github.com/gridtokenx/apigateway/pkg/instructions"
	"github.com/gridtokenx/apigateway/pkg/ledger"
	"github.com/gridtokenx/apigateway/pkg/market"
	"github.com/gridtokenx/apigateway/pkg/merkle"
)

// Settler is the subset of pkg/settlement.Engine the scheduler depends on.
type Settler interface {
	CreateForMatch(ctx context.Context, tx *sql.Tx, epochID int64, m *database.Match, buyerID, sellerID uuid.UUID) (*database.Settlement, error)
	Enqueue(ctx context.Context, s *database.Settlement) (*database.BlockchainOperation, error)
}

// Submitter is the coordinator capability the scheduler uses to anchor each
// match against the market program, independent of the settlement engine's
// value transfer.
type Submitter interface {
	Submit(ctx context.Context, req coordinator.SubmitRequest) (*database.BlockchainOperation, error)
}

// Publisher is the fanout capability the scheduler uses to surface clearing
// results and order expiry to anything watching the gateway.
type Publisher interface {
	Publish(evt fanout.Event)
}

// ChainConfig names the market program and gateway authority the scheduler
// anchors matches against.
type ChainConfig struct {
	ProgramMarket string
	Authority     string
}

// Scheduler is the epoch scheduler.
type Scheduler struct {
	epochs  *database.EpochRepository
	orders  *database.OrderRepository
	matches *database.MatchRepository
	audit   *database.AuditRepository
	settler Settler
	coord   Submitter
	pub     Publisher
	chain   ChainConfig
	policy  config.EpochPolicy
	market  config.MarketPolicy
	coordP  config.CoordinatorPolicy
	logger  *log.Logger

	base time.Time // midnight of the deployment day, the epoch numbering origin

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Scheduler. base is pinned at construction time to UTC
// midnight of the day the process started, per §4.6's "base is a system
// constant".
func New(
	epochs *database.EpochRepository,
	orders *database.OrderRepository,
	matches *database.MatchRepository,
	audit *database.AuditRepository,
	settler Settler,
	coord Submitter,
	publisher Publisher,
	chain ChainConfig,
	policy config.EpochPolicy,
	marketPolicy config.MarketPolicy,
	coordPolicy config.CoordinatorPolicy,
) *Scheduler {
	return &Scheduler{
		epochs:  epochs,
		orders:  orders,
		matches: matches,
		audit:   audit,
		settler: settler,
		coord:   coord,
		pub:     publisher,
		chain:   chain,
		policy:  policy,
		market:  marketPolicy,
		coordP:  coordPolicy,
		logger:  log.New(log.Writer(), "[Epoch] ", log.LstdFlags),
		base:    time.Now().UTC().Truncate(24 * time.Hour),
	}
}

func (s *Scheduler) duration() time.Duration {
	return time.Duration(s.policy.DurationMinutes) * time.Minute
}

func (s *Scheduler) epochIndex(t time.Time) int64 {
	return int64(t.Sub(s.base) / s.duration())
}

func (s *Scheduler) epochStart(id int64) time.Time {
	return s.base.Add(time.Duration(id) * s.duration())
}

func (s *Scheduler) epochEnd(id int64) time.Time {
	return s.epochStart(id + 1)
}

// Start launches the tick loop: it runs one reconciliation pass
// synchronously before returning, so crash recovery (§4.6) happens before
// the caller considers the scheduler up, then continues ticking in the
// background every epoch.tick_interval_seconds.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.tick(ctx)

	go s.run(ctx)
}

// Stop cancels the tick loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	interval := time.Duration(s.policy.TickIntervalSecond) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick applies every rule in §4.6 once. Because each step only ever moves
// an epoch forward from its currently persisted status, running it twice in
// a row (or after a crash mid-step) produces the same end state — this is
// the whole of the scheduler's crash recovery story.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.materialize(ctx, now)
	s.activate(ctx, now)
	s.expireDue(ctx, now)
	s.clearExpired(ctx)
	s.settleCleared(ctx)
}

// materialize creates any future epochs up to now+D, at most two per tick.
func (s *Scheduler) materialize(ctx context.Context, now time.Time) {
	latest, err := s.epochs.LatestEpochID(ctx)
	if err != nil {
		s.logger.Printf("materialize: latest_epoch_id failed: %v", err)
		return
	}

	nowID := s.epochIndex(now)
	targetID := s.epochIndex(now.Add(s.duration()))

	next := latest + 1
	if next < nowID {
		next = nowID
	}

	created := 0
	for id := next; id <= targetID && created < 2; id++ {
		if _, err := s.epochs.CreateEpoch(ctx, id, s.epochStart(id), s.epochEnd(id)); err != nil {
			s.logger.Printf("materialize: create_epoch(%d) failed: %v", id, err)
			return
		}
		created++
	}
}

func (s *Scheduler) activate(ctx context.Context, now time.Time) {
	id := s.epochIndex(now)
	ep, err := s.epochs.GetEpoch(ctx, id)
	if err != nil {
		return // not materialized yet; next tick will catch it
	}
	if ep.Status != database.EpochPendingStatus {
		return
	}
	if err := s.epochs.Activate(ctx, id); err != nil {
		s.logger.Printf("activate(%d) failed: %v", id, err)
	}
}

func (s *Scheduler) expireDue(ctx context.Context, now time.Time) {
	active, err := s.epochs.ListByStatus(ctx, database.EpochActiveStatus)
	if err != nil {
		s.logger.Printf("expire_due: list_by_status(active) failed: %v", err)
		return
	}
	for _, ep := range active {
		if !now.Before(ep.EndTime) {
			if err := s.epochs.Expire(ctx, ep.ID); err != nil {
				s.logger.Printf("expire(%d) failed: %v", ep.ID, err)
			}
		}
	}
}

func (s *Scheduler) clearExpired(ctx context.Context) {
	expired, err := s.epochs.ListByStatus(ctx, database.EpochExpiredStatus)
	if err != nil {
		s.logger.Printf("clear_expired: list_by_status(expired) failed: %v", err)
		return
	}
	for _, ep := range expired {
		s.clearEpoch(ctx, ep) //nolint:errcheck // the tick loop only logs; errors are retried next tick
	}
}

// ClearResult is what TriggerMatch reports back to an operator.
type ClearResult struct {
	MatchCount    int
	MatchedKWh    float64
	ClearingPrice *float64

	// MatchReceipts holds one portable Merkle receipt per cleared match,
	// keyed by match ID, so an operator or downstream consumer can
	// independently re-verify a match's inclusion in the epoch's anchored
	// root without trusting this process. Empty if no matches cleared.
	MatchReceipts map[uuid.UUID]*merkle.Receipt
}

// TriggerMatch is the operator-only trigger_match command (§6): it forces
// clearing of one epoch immediately rather than waiting for the scheduler's
// own tick to notice it has expired. The epoch must already be expired or
// active (an active epoch is force-expired first, whether or not its end
// time has passed); a
// pending or already-cleared epoch is rejected since clearing only ever
// applies once.
func (s *Scheduler) TriggerMatch(ctx context.Context, epochID int64) (*ClearResult, error) {
	ep, err := s.epochs.GetEpoch(ctx, epochID)
	if err != nil {
		return nil, fmt.Errorf("trigger_match(%d): %w", epochID, err)
	}

	switch ep.Status {
	case database.EpochActiveStatus:
		if err := s.epochs.Expire(ctx, epochID); err != nil {
			return nil, fmt.Errorf("trigger_match(%d): expire: %w", epochID, err)
		}
		ep.Status = database.EpochExpiredStatus
	case database.EpochExpiredStatus:
	default:
		return nil, fmt.Errorf("trigger_match(%d): epoch is %s, not active or expired", epochID, ep.Status)
	}

	return s.clearEpoch(ctx, ep)
}

func (s *Scheduler) settleCleared(ctx context.Context) {
	cleared, err := s.epochs.ListByStatus(ctx, database.EpochClearedStatus)
	if err != nil {
		s.logger.Printf("settle_cleared: list_by_status(cleared) failed: %v", err)
		return
	}
	for _, ep := range cleared {
		terminal, err := s.epochs.AllSettlementsTerminal(ctx, ep.ID)
		if err != nil {
			s.logger.Printf("all_settlements_terminal(%d) failed: %v", ep.ID, err)
			continue
		}
		if !terminal {
			continue
		}
		if err := s.epochs.SetSettled(ctx, ep.ID); err != nil {
			s.logger.Printf("set_settled(%d) failed: %v", ep.ID, err)
		}
	}
}

// clearEpoch runs the matcher against one expired epoch and persists its
// results. Exactly one invocation per epoch is permitted across every
// process racing to clear it, enforced by a database advisory lock (§4.6);
// a failed acquisition means another process already has it and this
// attempt simply skips, to be retried on the next tick if that process
// crashes before committing.
func (s *Scheduler) clearEpoch(ctx context.Context, ep *database.Epoch) (*ClearResult, error) {
	tx, err := s.epochs.BeginTx(ctx)
	if err != nil {
		s.logger.Printf("clear_epoch(%d): begin_tx failed: %v", ep.ID, err)
		return nil, fmt.Errorf("clear_epoch(%d): begin tx: %w", ep.ID, err)
	}
	defer tx.Rollback()

	acquired, err := s.epochs.TryAdvisoryLock(ctx, tx, ep.ID)
	if err != nil {
		s.logger.Printf("clear_epoch(%d): advisory lock failed: %v", ep.ID, err)
		return nil, fmt.Errorf("clear_epoch(%d): advisory lock: %w", ep.ID, err)
	}
	if !acquired {
		return nil, fmt.Errorf("clear_epoch(%d): already being cleared by another process", ep.ID)
	}

	orders, err := s.orders.ListActiveByEpoch(ctx, ep.ID)
	if err != nil {
		s.logger.Printf("clear_epoch(%d): list_active_by_epoch failed: %v", ep.ID, err)
		return nil, fmt.Errorf("clear_epoch(%d): list active orders: %w", ep.ID, err)
	}

	byID := make(map[uuid.UUID]*database.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}

	book := market.NewBook(orders)
	result := market.Clear(book, s.market.PriceTick)

	var matchedKWh float64
	var leaves [][]byte
	var expiredOrders []uuid.UUID
	type pendingMatch struct {
		matchID     uuid.UUID
		buyOrderID  uuid.UUID
		sellOrderID uuid.UUID
		qty, price  float64
		settlement  *database.Settlement
	}
	var pending []pendingMatch

	for _, mr := range result.Matches {
		buyOrder, sellOrder := byID[mr.BuyOrderID], byID[mr.SellOrderID]
		if buyOrder == nil || sellOrder == nil {
			s.logger.Printf("clear_epoch(%d): matched order missing from snapshot, skipping", ep.ID)
			continue
		}

		m, err := s.matches.InsertMatch(ctx, tx, ep.ID, mr.BuyOrderID, mr.SellOrderID, mr.Qty, mr.Price)
		if err != nil {
			s.logger.Printf("clear_epoch(%d): insert_match failed: %v", ep.ID, err)
			return nil, fmt.Errorf("clear_epoch(%d): insert match: %w", ep.ID, err)
		}

		settlement, err := s.settler.CreateForMatch(ctx, tx, ep.ID, m, buyOrder.UserID, sellOrder.UserID)
		if err != nil {
			s.logger.Printf("clear_epoch(%d): create settlement for match %s failed: %v", ep.ID, m.ID, err)
			return nil, fmt.Errorf("clear_epoch(%d): create settlement for match %s: %w", ep.ID, m.ID, err)
		}

		matchedKWh += mr.Qty
		leaves = append(leaves, matchLeaf(m))
		pending = append(pending, pendingMatch{
			matchID: m.ID, buyOrderID: mr.BuyOrderID, sellOrderID: mr.SellOrderID,
			qty: mr.Qty, price: mr.Price, settlement: settlement,
		})
	}

	for _, r := range result.Residuals {
		if r.Status == market.ResidualFilled {
			continue
		}
		if err := s.orders.SetStatus(ctx, tx, r.OrderID, database.OrderExpired); err != nil {
			s.logger.Printf("clear_epoch(%d): set_status(expired) for order %s failed: %v", ep.ID, r.OrderID, err)
			return nil, fmt.Errorf("clear_epoch(%d): expire residual order %s: %w", ep.ID, r.OrderID, err)
		}
		expiredOrders = append(expiredOrders, r.OrderID)
	}

	var digest string
	receipts := make(map[uuid.UUID]*merkle.Receipt, len(pending))
	if len(leaves) > 0 {
		tree, err := merkle.BuildTree(leaves)
		if err != nil {
			s.logger.Printf("clear_epoch(%d): merkle build_tree failed: %v", ep.ID, err)
		} else {
			digest = tree.RootHex()
			for i, p := range pending {
				proof, err := tree.GenerateProof(i)
				if err != nil {
					s.logger.Printf("clear_epoch(%d): generate_proof for match %s failed: %v", ep.ID, p.matchID, err)
					continue
				}
				receipts[p.matchID] = merkle.ReceiptFromInclusionProof(proof, ep.ID)
			}
		}
	}

	if err := s.epochs.RecordClearing(ctx, tx, ep.ID, result.ClearingPrice, matchedKWh, len(pending)); err != nil {
		s.logger.Printf("clear_epoch(%d): record_clearing failed: %v", ep.ID, err)
		return nil, fmt.Errorf("clear_epoch(%d): record clearing: %w", ep.ID, err)
	}

	if err := s.audit.RecordTx(ctx, tx, "epoch-scheduler", "epoch_cleared", "epoch", strconv.FormatInt(ep.ID, 10), map[string]interface{}{
		"match_count":    len(pending),
		"matched_kwh":    matchedKWh,
		"clearing_price": result.ClearingPrice,
		"batch_digest":   digest,
	}); err != nil {
		s.logger.Printf("clear_epoch(%d): audit record failed: %v", ep.ID, err)
		return nil, fmt.Errorf("clear_epoch(%d): audit record: %w", ep.ID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.Printf("clear_epoch(%d): commit failed: %v", ep.ID, err)
		return nil, fmt.Errorf("clear_epoch(%d): commit: %w", ep.ID, err)
	}

	if s.pub != nil {
		s.pub.Publish(fanout.Event{
			Type: fanout.EventEpochCleared,
			EpochCleared: &fanout.EpochClearedData{
				EpochID:         ep.ID,
				MatchesAnchored: len(pending),
				MerkleRoot:      digest,
			},
		})
		for _, orderID := range expiredOrders {
			s.pub.Publish(fanout.Event{
				Type:               fanout.EventOrderStatusChanged,
				OrderStatusChanged: &fanout.OrderStatusChangedData{OrderID: orderID, Status: string(database.OrderExpired)},
			})
		}
	}

	// Everything past this point talks to the chain, which cannot happen
	// inside the database transaction above; the clearing result is already
	// durable, so a crash here only delays enqueueing, it never loses or
	// duplicates a match.
	for _, p := range pending {
		s.anchorMatch(ctx, p.matchID, p.buyOrderID, p.sellOrderID, p.qty, p.price)
		if _, err := s.settler.Enqueue(ctx, p.settlement); err != nil {
			s.logger.Printf("clear_epoch(%d): enqueue settlement %s failed: %v", ep.ID, p.settlement.ID, err)
		}
	}

	return &ClearResult{
		MatchCount:    len(pending),
		MatchedKWh:    matchedKWh,
		ClearingPrice: result.ClearingPrice,
		MatchReceipts: receipts,
	}, nil
}

// anchorMatch submits the match_orders operation that records a cleared
// match against the market program's own book state. This is distinct from
// settle_match's token movement (pkg/settlement): match_orders exists so the
// market program's on-chain state agrees with what this core just decided,
// independent of whether the subsequent value transfer ever confirms.
func (s *Scheduler) anchorMatch(ctx context.Context, matchID, buyOrderID, sellOrderID uuid.UUID, qty, price float64) {
	buyAccount := ledger.DeriveAssociatedTokenAccount(buyOrderID.String(), "order-account", s.chain.ProgramMarket)
	sellAccount := ledger.DeriveAssociatedTokenAccount(sellOrderID.String(), "order-account", s.chain.ProgramMarket)

	req := coordinator.SubmitRequest{
		OpType: database.OpMatchOrders,
		Payload: coordinator.MatchOrdersPayload{
			MatchID: matchID, BuyOrderID: buyOrderID, SellOrderID: sellOrderID, Qty: qty, Price: price,
		},
		Build: func(ctx context.Context) ([]ledger.Instruction, []string, error) {
			ix := instructions.MatchOrders(s.chain.ProgramMarket, s.chain.Authority, buyAccount, sellAccount, qty, price)
			return []ledger.Instruction{ix}, []string{s.chain.Authority}, nil
		},
		FeeCategory:  ledger.FeeMedium,
		ComputeLimit: 40_000,
		ExpiresIn:    time.Duration(s.coordP.SubmissionExpirySeconds) * time.Second,
		MaxAttempts:  s.coordP.MaxAttempts,
	}

	if _, err := s.coord.Submit(ctx, req); err != nil {
		s.logger.Printf("anchor_match(%s): submit failed: %v", matchID, err)
	}
}

type matchLeafFields struct {
	MatchID     uuid.UUID `json:"match_id"`
	BuyOrderID  uuid.UUID `json:"buy_order_id"`
	SellOrderID uuid.UUID `json:"sell_order_id"`
	MatchedKWh  float64   `json:"matched_kwh"`
	MatchPrice  float64   `json:"match_price"`
}

// matchLeaf hashes one match's canonical fields into a 32-byte Merkle leaf,
// the same keccak256-over-canonical-JSON construction
// pkg/coordinator.Fingerprint uses for operation fingerprints.
func matchLeaf(m *database.Match) []byte {
	raw, err := json.Marshal(matchLeafFields{
		MatchID: m.ID, BuyOrderID: m.BuyOrderID, SellOrderID: m.SellOrderID,
		MatchedKWh: m.MatchedKWh, MatchPrice: m.MatchPrice,
	})
	if err != nil {
		// Fixed struct, always marshals; a failure here would be a bug in
		// this function, not bad input.
		panic("matchLeaf: marshal failed: " + err.Error())
	}
	return crypto.Keccak256(raw)
}

