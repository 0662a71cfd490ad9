package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/database"
)

// Payload types are fixed structs, one per operation type, so that
// Fingerprint's canonical encoding has exactly one shape per kind. Field
// order is the wire order; adding a field changes every future fingerprint
// for that operation type, which is intentional — it is a deployment-time
// decision, not something callers should do casually.

type RegisterUserPayload struct {
	Wallet string `json:"wallet"`
}

type RegisterMeterPayload struct {
	Owner  uuid.UUID         `json:"owner"`
	Serial string            `json:"serial"`
	Kind   database.MeterType `json:"kind"`
}

type SubmitReadingPayload struct {
	MeterID   uuid.UUID `json:"meter_id"`
	Timestamp int64     `json:"timestamp"`
	KWh       float64   `json:"kwh"`
}

// MintPayload's fingerprint-relevant fields are MeterID and
// SettledNetGenerationBefore: the ratchet value at submission time is what
// makes a second mint attempt against the same pre-state a duplicate, per
// §4.8's double-settle guard.
type MintPayload struct {
	MeterID                    uuid.UUID `json:"meter_id"`
	SettledNetGenerationBefore int64     `json:"settled_net_generation_before"`
}

type CreateOrderPayload struct {
	OrderID uuid.UUID         `json:"order_id"`
	EpochID int64             `json:"epoch_id"`
	Side    database.OrderSide `json:"side"`
	KWh     float64           `json:"kwh"`
	Price   float64           `json:"price"`
}

type CancelOrderPayload struct {
	OrderID uuid.UUID `json:"order_id"`
}

type MatchOrdersPayload struct {
	MatchID     uuid.UUID `json:"match_id"`
	BuyOrderID  uuid.UUID `json:"buy_order_id"`
	SellOrderID uuid.UUID `json:"sell_order_id"`
	Qty         float64   `json:"qty"`
	Price       float64   `json:"price"`
}

// SettleMatchPayload's fingerprint is derived from the settlement id alone,
// per §4.7: "guaranteeing at most one on-chain attempt per settlement".
type SettleMatchPayload struct {
	SettlementID uuid.UUID `json:"settlement_id"`
}

type IssueCertificatePayload struct {
	MeterID   uuid.UUID `json:"meter_id"`
	ClaimedWh int64     `json:"claimed_wh"`
}

// readingTimestamp truncates to whole seconds, matching the on-chain
// instruction's i64 unix-seconds encoding (pkg/instructions.SubmitReading),
// so the same reading always fingerprints identically regardless of
// sub-second jitter introduced by repeated marshaling.
func readingTimestamp(t time.Time) int64 {
	return t.Unix()
}
