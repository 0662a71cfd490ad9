package instructions

import "github.com/gridtokenx/apigateway/pkg/ledger"

// MintTo instructs the mint program to credit amountWh (whole watt-hours)
// of energy token to the recipient's associated token account. The
// coordinator computes amountWh as the meter's unsettled generation before
// calling this builder; the builder itself performs no arithmetic.
func MintTo(programID, mintAuthority, recipientATA string, amountWh int64) ledger.Instruction {
	data := newEncoder(tagMintTo).u64(uint64(amountWh)).bytes()
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			account(mintAuthority, true, false),
			account(recipientATA, false, true),
		},
		Data: data,
	}
}
