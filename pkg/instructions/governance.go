package instructions

import "github.com/gridtokenx/apigateway/pkg/ledger"

// IssueCertificate instructs the governance program to record claimedWh of
// renewable generation against a meter's certificate ratchet
// (claimed_erc_generation). The coordinator only calls this after the
// gateway's own ratchet check against total_generation has already passed.
func IssueCertificate(programID, authority, meterAccount string, claimedWh int64) ledger.Instruction {
	data := newEncoder(tagIssueCertificate).u64(uint64(claimedWh)).bytes()
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			account(authority, true, false),
			account(meterAccount, false, true),
		},
		Data: data,
	}
}
