package instructions

import "github.com/gridtokenx/apigateway/pkg/ledger"

// SettleMatch instructs the mint program to move net proceeds from one
// match's clearing between the buyer's and seller's associated token
// accounts. It is the token-transfer counterpart to MatchOrders: MatchOrders
// records the match against the market program's own book state, SettleMatch
// is the value movement the settlement engine (§4.7) drives to a confirmed
// signature before either order is allowed to reach a terminal fill status.
func SettleMatch(programID, authority, buyerATA, sellerATA string, kWh, price float64) ledger.Instruction {
	data := newEncoder(tagSettleMatch).u64(uint64(milliWh(kWh))).u64(uint64(milliWh(price))).bytes()
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			account(authority, true, false),
			account(buyerATA, false, true),
			account(sellerATA, false, true),
		},
		Data: data,
	}
}
