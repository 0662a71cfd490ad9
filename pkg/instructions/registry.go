package instructions

import (
	"time"

	"github.com/gridtokenx/apigateway/pkg/database"
	"github.com/gridtokenx/apigateway/pkg/ledger"
)

// RegisterUser instructs the registry program to create a user account for
// the given wallet.
func RegisterUser(programID, authority, wallet string) ledger.Instruction {
	data := newEncoder(tagRegisterUser).string(wallet).bytes()
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			account(authority, true, false),
			account(wallet, false, true),
		},
		Data: data,
	}
}

// RegisterMeter instructs the registry program to create a meter account
// owned by the given wallet.
func RegisterMeter(programID, authority, owner, serial string, kind database.MeterType) ledger.Instruction {
	data := newEncoder(tagRegisterMeter).string(serial).byte(meterKindByte(kind)).bytes()
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			account(authority, true, false),
			account(owner, false, true),
		},
		Data: data,
	}
}

// SubmitReading instructs the registry program to record an attested meter
// reading. The signature accompanies the instruction for on-chain
// verification by the program itself, independent of the gateway's own
// Ed25519 check at ingestion (pkg/meter).
func SubmitReading(programID, authority, meterAccount string, kWh float64, timestamp time.Time, signature []byte) ledger.Instruction {
	e := newEncoder(tagSubmitReading).i64(milliWh(kWh)).i64(timestamp.Unix())
	binaryAppendSignature(e, signature)
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			account(authority, true, false),
			account(meterAccount, false, true),
		},
		Data: e.bytes(),
	}
}

// milliWh converts a fractional kWh value into a fixed-point integer in
// thousandths of a kWh (watt-hours), rounding half up, the unit the
// on-chain program actually stores.
func milliWh(kWh float64) int64 {
	return int64(kWh*1000 + 0.5)
}

func binaryAppendSignature(e *encoder, signature []byte) {
	e.u64(uint64(len(signature)))
	e.buf.Write(signature)
}

func meterKindByte(kind database.MeterType) byte {
	switch kind {
	case database.MeterSolar:
		return 1
	case database.MeterWind:
		return 2
	case database.MeterGrid:
		return 3
	default:
		return 0
	}
}
