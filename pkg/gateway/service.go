// Package gateway is the facade the HTTP boundary (outside this core) calls
// into: one method per command named in §6, each wiring together the
// repositories, the coordinator, the epoch scheduler and the fanout bus
// without owning any domain logic of its own — that lives in pkg/epoch,
// pkg/settlement and pkg/meter.
package gateway

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/apperrors"
	"github.com/gridtokenx/apigateway/pkg/config"
	"github.com/gridtokenx/apigateway/pkg/coordinator"
	"github.com/gridtokenx/apigateway/pkg/database"
	"github.com/gridtokenx/apigateway/pkg/epoch"
	"github.com/gridtokenx/apigateway/pkg/fanout"
	"github.com/gridtokenx/apigateway/pkg/instructions"
	"github.com/gridtokenx/apigateway/pkg/ledger"
	"github.com/gridtokenx/apigateway/pkg/merkle"
	"github.com/gridtokenx/apigateway/pkg/meter"
)

// Submitter is the coordinator capability the gateway depends on directly,
// for the four operations (register_user, register_meter, place_order,
// cancel_order) it submits itself rather than delegating to a domain
// package.
type Submitter interface {
	Submit(ctx context.Context, req coordinator.SubmitRequest) (*database.BlockchainOperation, error)
	Status(ctx context.Context, id uuid.UUID) (*database.BlockchainOperation, error)
}

// ChainConfig names the registry and market program accounts this facade's
// own submissions are built against.
type ChainConfig struct {
	ProgramRegistry string
	ProgramMarket   string
	Authority       string
}

// Service implements the command surface of §6 against the repositories,
// coordinator, scheduler and meter service this process wires together.
type Service struct {
	repos     *database.Repositories
	coord     Submitter
	scheduler *epoch.Scheduler
	meters    *meter.Service
	publisher *fanout.Bus
	chain     ChainConfig

	allowImpersonation bool
	coordPolicy        config.CoordinatorPolicy

	logger *log.Logger
}

// New constructs the gateway Service.
func New(
	repos *database.Repositories,
	coord Submitter,
	scheduler *epoch.Scheduler,
	meters *meter.Service,
	publisher *fanout.Bus,
	chain ChainConfig,
	allowImpersonation bool,
	coordPolicy config.CoordinatorPolicy,
) *Service {
	return &Service{
		repos:              repos,
		coord:              coord,
		scheduler:          scheduler,
		meters:             meters,
		publisher:          publisher,
		chain:              chain,
		allowImpersonation: allowImpersonation,
		coordPolicy:        coordPolicy,
		logger:             log.New(log.Writer(), "[Gateway] ", log.LstdFlags),
	}
}

// checkBackpressure enforces §5's backpressure rule: once the operation
// store's pending queue reaches the configured high-water mark, new
// non-essential submissions are refused so settlements and confirmations
// keep draining instead of competing with a growing backlog.
func (s *Service) checkBackpressure(ctx context.Context) error {
	if s.coordPolicy.PendingHighWaterMark <= 0 {
		return nil
	}
	pending, err := s.repos.Operations.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("check backpressure: %w", err)
	}
	if pending >= s.coordPolicy.PendingHighWaterMark {
		return apperrors.Newf(apperrors.KindOverloaded, "pending operation queue at %d, at or above the high-water mark", pending)
	}
	return nil
}

// SubmitReadingRequest is the input to SubmitReading. ImpersonatedBy carries
// the operator-impersonation header's value (§9.1): non-nil means the
// submission bypasses signature verification, gated by AllowImpersonation.
type SubmitReadingRequest struct {
	MeterSerial    string
	ReadingType    database.ReadingType
	KWh            float64
	Timestamp      time.Time
	Signature      []byte
	ImpersonatedBy *string
}

// SubmitReadingResult answers submit_reading.
type SubmitReadingResult struct {
	ReadingID uuid.UUID
	Minted    bool
}

// SubmitReading implements submit_reading. The meter is looked up by serial,
// since that is what the field device presents; ingestion and minting are
// pkg/meter's job from here on.
func (s *Service) SubmitReading(ctx context.Context, in SubmitReadingRequest) (SubmitReadingResult, error) {
	if err := s.checkBackpressure(ctx); err != nil {
		return SubmitReadingResult{}, err
	}

	m, err := s.repos.Meters.GetMeterBySerial(ctx, in.MeterSerial)
	if err != nil {
		return SubmitReadingResult{}, fmt.Errorf("submit reading: lookup meter %s: %w", in.MeterSerial, err)
	}

	impersonatedBy := ""
	if in.ImpersonatedBy != nil {
		impersonatedBy = *in.ImpersonatedBy
	}

	reading, err := s.meters.SubmitReading(ctx, m.ID, in.ReadingType, in.KWh, in.Timestamp, in.Signature, impersonatedBy)
	if err != nil {
		return SubmitReadingResult{}, err
	}

	return SubmitReadingResult{ReadingID: reading.ID, Minted: reading.Minted}, nil
}

// RegisterMeterRequest is the input to RegisterMeter.
type RegisterMeterRequest struct {
	OwnerUserID uuid.UUID
	Serial      string
	Type        database.MeterType
	Location    string
	PublicKey   []byte
}

// RegisterMeterResult answers register_meter.
type RegisterMeterResult struct {
	MeterID uuid.UUID
	Status  database.MeterVerificationStatus
}

// RegisterMeter implements register_meter: the meter row is created in
// status pending (verification is an out-of-band operator action, never
// automatic), and, when the owner already has a wallet, a register_meter
// operation is submitted so the registry program's own account exists
// before any reading can reference it; without a wallet no operation is
// submitted.
func (s *Service) RegisterMeter(ctx context.Context, in RegisterMeterRequest) (RegisterMeterResult, error) {
	if in.Type == "" {
		in.Type = database.MeterOther
	}

	m, err := s.repos.Meters.RegisterMeter(ctx, in.OwnerUserID, in.Serial, in.Type, in.Location, in.PublicKey)
	if err != nil {
		return RegisterMeterResult{}, fmt.Errorf("register meter: %w", err)
	}

	owner, err := s.repos.Users.GetUser(ctx, in.OwnerUserID)
	if err != nil {
		return RegisterMeterResult{}, fmt.Errorf("register meter: load owner: %w", err)
	}
	if owner.WalletAddr.Valid {
		req := coordinator.SubmitRequest{
			OpType:  database.OpRegisterMeter,
			Payload: coordinator.RegisterMeterPayload{Owner: in.OwnerUserID, Serial: in.Serial, Kind: in.Type},
			Build: func(ctx context.Context) ([]ledger.Instruction, []string, error) {
				ix := instructions.RegisterMeter(s.chain.ProgramRegistry, s.chain.Authority, owner.WalletAddr.String, in.Serial, in.Type)
				return []ledger.Instruction{ix}, []string{s.chain.Authority}, nil
			},
			FeeCategory:  ledger.FeeLow,
			ComputeLimit: 15_000,
			ExpiresIn:    time.Duration(s.coordPolicy.SubmissionExpirySeconds) * time.Second,
			MaxAttempts:  s.coordPolicy.MaxAttempts,
		}
		if _, err := s.coord.Submit(ctx, req); err != nil {
			s.logger.Printf("register meter %s: submit register_meter failed: %v", m.ID, err)
		}
	}

	if err := s.repos.Audit.Record(ctx, "gateway", "meter_registered", "meter", m.ID.String(), map[string]interface{}{"serial": in.Serial}); err != nil {
		s.logger.Printf("register meter %s: audit record failed: %v", m.ID, err)
	}

	return RegisterMeterResult{MeterID: m.ID, Status: m.VerificationStatus}, nil
}

// RegisterUserRequest is the input to RegisterUser. The operation enum and
// the Service interface both name register_user even though §6's command
// list omits it from the HTTP surface; a wallet is provisioned once, ahead
// of anything that needs one (meter registration, settlement, minting).
type RegisterUserRequest struct {
	Role   database.UserRole
	Wallet string
}

// RegisterUserResult answers the register_user operation.
type RegisterUserResult struct {
	UserID uuid.UUID
}

// RegisterUser creates a user row and, once a wallet address is supplied,
// submits the register_user operation against the registry program.
func (s *Service) RegisterUser(ctx context.Context, in RegisterUserRequest) (RegisterUserResult, error) {
	u, err := s.repos.Users.CreateUser(ctx, in.Role)
	if err != nil {
		return RegisterUserResult{}, fmt.Errorf("register user: %w", err)
	}

	if in.Wallet != "" {
		if err := s.repos.Users.SetWallet(ctx, u.ID, in.Wallet); err != nil {
			return RegisterUserResult{}, fmt.Errorf("register user: set wallet: %w", err)
		}

		req := coordinator.SubmitRequest{
			OpType:  database.OpRegisterUser,
			Payload: coordinator.RegisterUserPayload{Wallet: in.Wallet},
			Build: func(ctx context.Context) ([]ledger.Instruction, []string, error) {
				ix := instructions.RegisterUser(s.chain.ProgramRegistry, s.chain.Authority, in.Wallet)
				return []ledger.Instruction{ix}, []string{s.chain.Authority}, nil
			},
			FeeCategory:  ledger.FeeLow,
			ComputeLimit: 10_000,
			ExpiresIn:    time.Duration(s.coordPolicy.SubmissionExpirySeconds) * time.Second,
			MaxAttempts:  s.coordPolicy.MaxAttempts,
		}
		if _, err := s.coord.Submit(ctx, req); err != nil {
			s.logger.Printf("register user %s: submit register_user failed: %v", u.ID, err)
		}
	}

	if err := s.repos.Audit.Record(ctx, "gateway", "user_registered", "user", u.ID.String(), nil); err != nil {
		s.logger.Printf("register user %s: audit record failed: %v", u.ID, err)
	}

	return RegisterUserResult{UserID: u.ID}, nil
}

// PlaceOrderRequest is the input to PlaceOrder.
type PlaceOrderRequest struct {
	UserID      uuid.UUID
	Side        database.OrderSide
	KWh         float64
	PricePerKWh float64
}

// PlaceOrderResult answers place_order.
type PlaceOrderResult struct {
	OrderID uuid.UUID
	EpochID int64
}

// PlaceOrder implements place_order against whichever epoch is currently
// active; §4.6's locking note applies (the epoch row is locked for the
// duration of the insert, and placement is rejected if the epoch has
// already advanced past active). The market's pause flag is checked first,
// per §9's resolved governance scope.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderRequest) (PlaceOrderResult, error) {
	if err := s.checkBackpressure(ctx); err != nil {
		return PlaceOrderResult{}, err
	}

	params, err := s.repos.MarketParams.Get(ctx)
	if err != nil {
		return PlaceOrderResult{}, fmt.Errorf("place order: load market parameters: %w", err)
	}
	if params.Paused {
		return PlaceOrderResult{}, apperrors.Newf(apperrors.KindPrecondition, "market is paused")
	}

	ep, err := s.repos.Epochs.GetActiveEpoch(ctx)
	if err != nil {
		return PlaceOrderResult{}, fmt.Errorf("place order: no active epoch: %w", err)
	}

	tx, err := s.repos.Orders.BeginTx(ctx)
	if err != nil {
		return PlaceOrderResult{}, fmt.Errorf("place order: begin tx: %w", err)
	}
	defer tx.Rollback()

	var status database.EpochStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM market_epochs WHERE id = $1 FOR UPDATE`, ep.ID).Scan(&status); err != nil {
		return PlaceOrderResult{}, fmt.Errorf("place order: lock epoch %d: %w", ep.ID, err)
	}
	if status != database.EpochActiveStatus {
		return PlaceOrderResult{}, apperrors.Newf(apperrors.KindPrecondition, "epoch %d is no longer active", ep.ID)
	}

	order, err := s.repos.Orders.PlaceOrder(ctx, tx, in.UserID, ep.ID, in.Side, in.KWh, in.PricePerKWh)
	if err != nil {
		return PlaceOrderResult{}, fmt.Errorf("place order: %w", err)
	}

	if err := s.repos.Audit.RecordTx(ctx, tx, "gateway", "order_placed", "order", order.ID.String(), map[string]interface{}{
		"epoch_id": ep.ID, "side": in.Side, "kwh": in.KWh, "price_per_kwh": in.PricePerKWh,
	}); err != nil {
		return PlaceOrderResult{}, fmt.Errorf("place order: audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PlaceOrderResult{}, fmt.Errorf("place order: commit: %w", err)
	}

	if s.publisher != nil {
		s.publisher.Publish(fanout.Event{
			Type:               fanout.EventOrderStatusChanged,
			OrderStatusChanged: &fanout.OrderStatusChangedData{OrderID: order.ID, Status: string(order.Status)},
		})
	}

	req := coordinator.SubmitRequest{
		OpType:  database.OpCreateOrder,
		Payload: coordinator.CreateOrderPayload{OrderID: order.ID, EpochID: ep.ID, Side: in.Side, KWh: in.KWh, Price: in.PricePerKWh},
		Build: func(ctx context.Context) ([]ledger.Instruction, []string, error) {
			orderAccount := ledger.DeriveAssociatedTokenAccount(order.ID.String(), "order-account", s.chain.ProgramMarket)
			ix := instructions.CreateOrder(s.chain.ProgramMarket, s.chain.Authority, orderAccount, ep.ID, in.Side, in.KWh, in.PricePerKWh)
			return []ledger.Instruction{ix}, []string{s.chain.Authority}, nil
		},
		FeeCategory:  ledger.FeeLow,
		ComputeLimit: 15_000,
		ExpiresIn:    time.Duration(s.coordPolicy.SubmissionExpirySeconds) * time.Second,
		MaxAttempts:  s.coordPolicy.MaxAttempts,
	}
	if _, err := s.coord.Submit(ctx, req); err != nil {
		s.logger.Printf("place order %s: submit create_order failed: %v", order.ID, err)
	}

	return PlaceOrderResult{OrderID: order.ID, EpochID: ep.ID}, nil
}

// CancelOrder implements cancel_order. Only legal from pending or active,
// enforced by OrderRepository.Cancel's conditional update.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	if err := s.repos.Orders.Cancel(ctx, orderID); err != nil {
		return apperrors.New(apperrors.KindPrecondition, err)
	}

	if err := s.repos.Audit.Record(ctx, "gateway", "order_cancelled", "order", orderID.String(), nil); err != nil {
		s.logger.Printf("cancel order %s: audit record failed: %v", orderID, err)
	}

	if s.publisher != nil {
		s.publisher.Publish(fanout.Event{
			Type:               fanout.EventOrderStatusChanged,
			OrderStatusChanged: &fanout.OrderStatusChangedData{OrderID: orderID, Status: string(database.OrderCancelled)},
		})
	}

	req := coordinator.SubmitRequest{
		OpType:  database.OpCancelOrder,
		Payload: coordinator.CancelOrderPayload{OrderID: orderID},
		Build: func(ctx context.Context) ([]ledger.Instruction, []string, error) {
			orderAccount := ledger.DeriveAssociatedTokenAccount(orderID.String(), "order-account", s.chain.ProgramMarket)
			ix := instructions.CancelOrder(s.chain.ProgramMarket, s.chain.Authority, orderAccount, orderID)
			return []ledger.Instruction{ix}, []string{s.chain.Authority}, nil
		},
		FeeCategory:  ledger.FeeLow,
		ComputeLimit: 10_000,
		ExpiresIn:    time.Duration(s.coordPolicy.SubmissionExpirySeconds) * time.Second,
		MaxAttempts:  s.coordPolicy.MaxAttempts,
	}
	if _, err := s.coord.Submit(ctx, req); err != nil {
		s.logger.Printf("cancel order %s: submit cancel_order failed: %v", orderID, err)
	}

	return nil
}

// OperationStatusResult answers operation_status.
type OperationStatusResult struct {
	Status    database.OperationStatus
	Signature *string
	Attempts  int
	LastError *string
}

// OperationStatus implements operation_status.
func (s *Service) OperationStatus(ctx context.Context, operationID uuid.UUID) (OperationStatusResult, error) {
	op, err := s.coord.Status(ctx, operationID)
	if err != nil {
		return OperationStatusResult{}, fmt.Errorf("operation status: %w", err)
	}

	out := OperationStatusResult{Status: op.Status, Attempts: op.Attempts}
	if op.Signature.Valid {
		out.Signature = &op.Signature.String
	}
	if op.LastError.Valid {
		out.LastError = &op.LastError.String
	}
	return out, nil
}

// TriggerMatchResult answers trigger_match.
type TriggerMatchResult struct {
	Matches       int
	Volume        float64
	ClearingPrice *float64

	// MatchReceipts lets a caller independently re-verify any cleared
	// match's inclusion in the epoch's anchored root, keyed by match ID.
	MatchReceipts map[uuid.UUID]*merkle.Receipt
}

// TriggerMatch implements the operator-only trigger_match command by
// delegating to the scheduler's forced-clearing path.
func (s *Service) TriggerMatch(ctx context.Context, epochID int64) (TriggerMatchResult, error) {
	result, err := s.scheduler.TriggerMatch(ctx, epochID)
	if err != nil {
		return TriggerMatchResult{}, apperrors.New(apperrors.KindPrecondition, err)
	}

	if err := s.repos.Audit.Record(ctx, "gateway", "trigger_match", "epoch", fmt.Sprintf("%d", epochID), map[string]interface{}{
		"match_count": result.MatchCount,
	}); err != nil {
		s.logger.Printf("trigger match %d: audit record failed: %v", epochID, err)
	}

	return TriggerMatchResult{
		Matches:       result.MatchCount,
		Volume:        result.MatchedKWh,
		ClearingPrice: result.ClearingPrice,
		MatchReceipts: result.MatchReceipts,
	}, nil
}
