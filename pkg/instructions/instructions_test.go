package instructions

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/database"
)

func TestRegisterUserAccountsAndTag(t *testing.T) {
	ix := RegisterUser("registryProgram", "authorityKey", "walletKey")
	if ix.ProgramID != "registryProgram" {
		t.Fatalf("program id = %q", ix.ProgramID)
	}
	if len(ix.Accounts) != 2 || !ix.Accounts[0].IsSigner || ix.Accounts[1].IsSigner {
		t.Fatalf("unexpected accounts: %+v", ix.Accounts)
	}
	if ix.Data[0] != tagRegisterUser {
		t.Fatalf("tag = %d, want %d", ix.Data[0], tagRegisterUser)
	}
}

func TestSubmitReadingIsDeterministic(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0).UTC()
	a := SubmitReading("registryProgram", "authority", "meterAccount", 12.5, ts, []byte{1, 2, 3})
	b := SubmitReading("registryProgram", "authority", "meterAccount", 12.5, ts, []byte{1, 2, 3})
	if string(a.Data) != string(b.Data) {
		t.Fatalf("expected identical encoding for identical inputs")
	}
}

func TestCreateOrderEncodesSide(t *testing.T) {
	buy := CreateOrder("marketProgram", "authority", "orderAccount", 42, database.SideBuy, 10, 0.15)
	sell := CreateOrder("marketProgram", "authority", "orderAccount", 42, database.SideSell, 10, 0.15)
	if buy.Data[9] != 0 {
		t.Fatalf("buy side byte = %d, want 0", buy.Data[9])
	}
	if sell.Data[9] != 1 {
		t.Fatalf("sell side byte = %d, want 1", sell.Data[9])
	}
}

func TestCancelOrderCarriesOrderID(t *testing.T) {
	id := uuid.New()
	ix := CancelOrder("marketProgram", "authority", "orderAccount", id)
	if ix.Data[0] != tagCancelOrder {
		t.Fatalf("unexpected tag %d", ix.Data[0])
	}
	if got := string(ix.Data[3:]); got != id.String() {
		t.Fatalf("encoded order id = %q, want %q", got, id.String())
	}
}

func TestMintToZeroAmountStillEncodes(t *testing.T) {
	ix := MintTo("mintProgram", "mintAuthority", "recipientATA", 0)
	if len(ix.Data) != 9 { // tag + uint64
		t.Fatalf("data length = %d, want 9", len(ix.Data))
	}
}
