package coordinator

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/database"
)

func TestFingerprintIsDeterministic(t *testing.T) {
	p := SettleMatchPayload{SettlementID: uuid.New()}
	a, err := Fingerprint(database.OpSettleMatch, p)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, err := Fingerprint(database.OpSettleMatch, p)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("fingerprint not deterministic for identical payload")
	}
}

func TestFingerprintDiffersByOpType(t *testing.T) {
	id := uuid.New()
	a, _ := Fingerprint(database.OpSettleMatch, SettleMatchPayload{SettlementID: id})
	b, _ := Fingerprint(database.OpCancelOrder, CancelOrderPayload{OrderID: id})
	if bytes.Equal(a, b) {
		t.Fatalf("fingerprints for different op types collided")
	}
}

func TestFingerprintDiffersByPayload(t *testing.T) {
	a, _ := Fingerprint(database.OpMintTokens, MintPayload{MeterID: uuid.New(), SettledNetGenerationBefore: 0})
	b, _ := Fingerprint(database.OpMintTokens, MintPayload{MeterID: uuid.New(), SettledNetGenerationBefore: 8000})
	if bytes.Equal(a, b) {
		t.Fatalf("fingerprints for different payloads collided")
	}
}

func TestFingerprintMintRatchetGuardsDoubleSettle(t *testing.T) {
	meter := uuid.New()
	first, _ := Fingerprint(database.OpMintTokens, MintPayload{MeterID: meter, SettledNetGenerationBefore: 0})
	retry, _ := Fingerprint(database.OpMintTokens, MintPayload{MeterID: meter, SettledNetGenerationBefore: 0})
	if !bytes.Equal(first, retry) {
		t.Fatalf("same (meter, settled_net_generation_before) must fingerprint identically")
	}
}
