package meter

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/database"
)

func TestVerifyReadingSignatureAcceptsValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	meterID := uuid.New()
	ts := time.Unix(1_700_000_000, 0)
	sig := ed25519.Sign(priv, readingMessage(meterID, database.ReadingProduction, ts, 12.5))

	if !verifyReadingSignature(pub, meterID, database.ReadingProduction, ts, 12.5, sig) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyReadingSignatureRejectsTamperedQuantity(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	meterID := uuid.New()
	ts := time.Unix(1_700_000_000, 0)
	sig := ed25519.Sign(priv, readingMessage(meterID, database.ReadingProduction, ts, 12.5))

	if verifyReadingSignature(pub, meterID, database.ReadingProduction, ts, 99.0, sig) {
		t.Fatal("expected signature over a different kWh value to fail")
	}
}

func TestVerifyReadingSignatureRejectsWrongMeter(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	ts := time.Unix(1_700_000_000, 0)
	sig := ed25519.Sign(priv, readingMessage(uuid.New(), database.ReadingProduction, ts, 12.5))

	if verifyReadingSignature(pub, uuid.New(), database.ReadingProduction, ts, 12.5, sig) {
		t.Fatal("expected signature bound to a different meter id to fail")
	}
}

func TestVerifyReadingSignatureRejectsMalformedKey(t *testing.T) {
	if verifyReadingSignature([]byte("too-short"), uuid.New(), database.ReadingProduction, time.Now(), 1.0, make([]byte, ed25519.SignatureSize)) {
		t.Fatal("expected a malformed public key to fail verification, not error out")
	}
}

func TestWattHoursRoundsToNearestWh(t *testing.T) {
	if got := wattHours(1.0005); got != 1001 {
		t.Fatalf("wattHours(1.0005) = %d, want 1001", got)
	}
	if got := wattHours(0); got != 0 {
		t.Fatalf("wattHours(0) = %d, want 0", got)
	}
}
