// Package database implements the authoritative relational store: every
// entity named in the data model, and one repository per entity following
// the create/get/list pattern the teacher's request repository establishes.
package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// UserRole enumerates the roles a user may hold.
type UserRole string

const (
	RoleConsumer UserRole = "consumer"
	RoleProsumer UserRole = "prosumer"
	RoleCorporate UserRole = "corporate"
	RoleAdmin    UserRole = "admin"
	RoleOperator UserRole = "operator"
)

// User is a unique identity with an optional on-chain wallet.
type User struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	WalletAddr sql.NullString `db:"wallet_address" json:"wallet_address,omitempty"`
	Role       UserRole       `db:"role" json:"role"`
	Verified   bool           `db:"verified" json:"verified"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// MeterType enumerates the generation/consumption source of a meter.
type MeterType string

const (
	MeterSolar MeterType = "solar"
	MeterWind  MeterType = "wind"
	MeterGrid  MeterType = "grid"
	MeterOther MeterType = "other"
)

// MeterVerificationStatus enumerates a meter's verification lifecycle.
type MeterVerificationStatus string

const (
	MeterPending   MeterVerificationStatus = "pending"
	MeterVerified  MeterVerificationStatus = "verified"
	MeterRejected  MeterVerificationStatus = "rejected"
	MeterSuspended MeterVerificationStatus = "suspended"
)

// Meter carries the two monotonic counters (total_generation,
// total_consumption) and the two ratchets (settled_net_generation,
// claimed_erc_generation) whose invariants the mint and certification
// pipelines enforce.
type Meter struct {
	ID                   uuid.UUID               `db:"id" json:"id"`
	OwnerUserID          uuid.UUID               `db:"owner_user_id" json:"owner_user_id"`
	Serial               string                  `db:"serial" json:"serial"`
	Type                 MeterType               `db:"type" json:"type"`
	Location             sql.NullString          `db:"location" json:"location,omitempty"`
	VerificationStatus   MeterVerificationStatus `db:"verification_status" json:"verification_status"`
	PublicKey            []byte                  `db:"public_key" json:"-"`
	TotalGenerationWh    int64                   `db:"total_generation_wh" json:"total_generation_wh"`
	TotalConsumptionWh   int64                   `db:"total_consumption_wh" json:"total_consumption_wh"`
	SettledNetGenerationWh int64                 `db:"settled_net_generation_wh" json:"settled_net_generation_wh"`
	ClaimedERCGenerationWh int64                 `db:"claimed_erc_generation_wh" json:"claimed_erc_generation_wh"`
	CreatedAt            time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time               `db:"updated_at" json:"updated_at"`
}

// ReadingType enumerates whether a reading reports production or
// consumption.
type ReadingType string

const (
	ReadingProduction  ReadingType = "production"
	ReadingConsumption ReadingType = "consumption"
)

// MeterReading is a single signed sample, unique on (meter, timestamp).
type MeterReading struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	MeterID       uuid.UUID      `db:"meter_id" json:"meter_id"`
	Timestamp     time.Time      `db:"reading_timestamp" json:"timestamp"`
	KWh           float64        `db:"kwh" json:"kwh"`
	Type          ReadingType    `db:"reading_type" json:"type"`
	Signature     []byte         `db:"signature" json:"-"`
	ImpersonatedBy sql.NullString `db:"impersonated_by" json:"impersonated_by,omitempty"`
	Minted        bool           `db:"minted" json:"minted"`
	MintSignature sql.NullString `db:"mint_signature" json:"mint_signature,omitempty"`
	OperationID   sql.NullString `db:"operation_id" json:"operation_id,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// EpochStatus enumerates the monotonic state machine
// pending -> active -> expired -> cleared -> settled.
type EpochStatus string

const (
	EpochPendingStatus EpochStatus = "pending"
	EpochActiveStatus  EpochStatus = "active"
	EpochExpiredStatus EpochStatus = "expired"
	EpochClearedStatus EpochStatus = "cleared"
	EpochSettledStatus EpochStatus = "settled"
)

// Epoch is the half-open trading window [start, end).
type Epoch struct {
	ID              int64          `db:"id" json:"id"`
	StartTime       time.Time      `db:"start_time" json:"start_time"`
	EndTime         time.Time      `db:"end_time" json:"end_time"`
	Status          EpochStatus    `db:"status" json:"status"`
	ClearingPrice   sql.NullFloat64 `db:"clearing_price" json:"clearing_price,omitempty"`
	MatchedKWh      float64        `db:"matched_kwh" json:"matched_kwh"`
	MatchCount      int            `db:"match_count" json:"match_count"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// OrderSide enumerates buy vs sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderStatus enumerates an order's lifecycle. Transitions are monotonic
// except pending -> cancelled.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderActive          OrderStatus = "active"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderSettled         OrderStatus = "settled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderExpired         OrderStatus = "expired"
)

// Order is a resting or filled bid/ask within exactly one epoch.
type Order struct {
	ID         uuid.UUID   `db:"id" json:"id"`
	UserID     uuid.UUID   `db:"user_id" json:"user_id"`
	EpochID    int64       `db:"epoch_id" json:"epoch_id"`
	Side       OrderSide   `db:"side" json:"side"`
	KWh        float64     `db:"kwh" json:"kwh"`
	FilledKWh  float64     `db:"filled_kwh" json:"filled_kwh"`
	PricePerKWh float64    `db:"price_per_kwh" json:"price_per_kwh"`
	Status     OrderStatus `db:"status" json:"status"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time   `db:"updated_at" json:"updated_at"`
}

// MatchStatus enumerates a match's lifecycle.
type MatchStatus string

const (
	MatchPending MatchStatus = "pending"
	MatchSettled MatchStatus = "settled"
	MatchFailed  MatchStatus = "failed"
)

// Match references but does not own two orders.
type Match struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	EpochID       int64          `db:"epoch_id" json:"epoch_id"`
	BuyOrderID    uuid.UUID      `db:"buy_order_id" json:"buy_order_id"`
	SellOrderID   uuid.UUID      `db:"sell_order_id" json:"sell_order_id"`
	MatchedKWh    float64        `db:"matched_kwh" json:"matched_kwh"`
	MatchPrice    float64        `db:"match_price" json:"match_price"`
	Status        MatchStatus    `db:"status" json:"status"`
	SettlementRef sql.NullString `db:"settlement_ref" json:"settlement_ref,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// SettlementStatus enumerates a settlement's lifecycle.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementSubmitted SettlementStatus = "submitted"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// Settlement is exclusively owned by one match.
type Settlement struct {
	ID          uuid.UUID        `db:"id" json:"id"`
	MatchID     uuid.UUID        `db:"match_id" json:"match_id"`
	EpochID     int64            `db:"epoch_id" json:"epoch_id"`
	BuyerID     uuid.UUID        `db:"buyer_id" json:"buyer_id"`
	SellerID    uuid.UUID        `db:"seller_id" json:"seller_id"`
	KWh         float64          `db:"kwh" json:"kwh"`
	PricePerKWh float64          `db:"price_per_kwh" json:"price_per_kwh"`
	Gross       int64            `db:"gross" json:"gross"`
	Fee         int64            `db:"fee" json:"fee"`
	Net         int64            `db:"net" json:"net"`
	Status      SettlementStatus `db:"status" json:"status"`
	OperationID sql.NullString   `db:"operation_id" json:"operation_id,omitempty"`
	Signature   sql.NullString   `db:"signature" json:"signature,omitempty"`
	Slot        sql.NullInt64    `db:"slot" json:"slot,omitempty"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	ConfirmedAt sql.NullTime     `db:"confirmed_at" json:"confirmed_at,omitempty"`
}

// OperationType enumerates every chain-bound action the coordinator can
// submit.
type OperationType string

const (
	OpRegisterUser    OperationType = "register_user"
	OpRegisterMeter   OperationType = "register_meter"
	OpSubmitReading   OperationType = "submit_reading"
	OpMintTokens      OperationType = "mint_tokens"
	OpCreateOrder     OperationType = "create_order"
	OpCancelOrder     OperationType = "cancel_order"
	OpMatchOrders     OperationType = "match_orders"
	OpSettleMatch     OperationType = "settle_match"
	OpIssueCertificate OperationType = "issue_certificate"
)

// OperationStatus enumerates a blockchain operation's lifecycle.
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpSubmitted OperationStatus = "submitted"
	OpConfirmed OperationStatus = "confirmed"
	OpFailed    OperationStatus = "failed"
	OpExpired   OperationStatus = "expired"
)

// BlockchainOperation is the authoritative record of every chain-bound
// action; the store enforces at most one row in status confirmed per
// (op_type, fingerprint).
type BlockchainOperation struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	OperationType OperationType   `db:"operation_type" json:"operation_type"`
	Fingerprint   []byte          `db:"fingerprint" json:"-"`
	Signature     sql.NullString  `db:"signature" json:"signature,omitempty"`
	Status        OperationStatus `db:"status" json:"status"`
	Attempts      int             `db:"attempts" json:"attempts"`
	LastError     sql.NullString  `db:"last_error" json:"last_error,omitempty"`
	SubmittedAt   sql.NullTime    `db:"submitted_at" json:"submitted_at,omitempty"`
	ConfirmedAt   sql.NullTime    `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ExpiresAt     sql.NullTime    `db:"expires_at" json:"expires_at,omitempty"`
	LastAttemptAt sql.NullTime    `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// AuditLog records one state-mutating call into the coordinator, the
// matcher, or the mint pipeline for post-mortem analysis.
type AuditLog struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Actor      string    `db:"actor" json:"actor"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Detail     []byte    `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// MarketParameters is the single-row governance record: the one piece of
// governance state this core keeps, "is the market paused".
type MarketParameters struct {
	ID             int       `db:"id" json:"id"`
	FeeBps         int       `db:"fee_bps" json:"fee_bps"`
	Paused         bool      `db:"paused" json:"paused"`
	EpochDuration  int       `db:"epoch_duration_minutes" json:"epoch_duration_minutes"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
