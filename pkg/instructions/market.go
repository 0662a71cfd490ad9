package instructions

import (
	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/database"
	"github.com/gridtokenx/apigateway/pkg/ledger"
)

// CreateOrder instructs the market program to open a resting order for the
// given side, quantity and limit price within one epoch.
func CreateOrder(programID, authority, orderAccount string, epochID int64, side database.OrderSide, kWh, pricePerKWh float64) ledger.Instruction {
	e := newEncoder(tagCreateOrder).i64(epochID).byte(sideByte(side)).u64(uint64(milliWh(kWh))).u64(uint64(milliWh(pricePerKWh)))
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			account(authority, true, false),
			account(orderAccount, false, true),
		},
		Data: e.bytes(),
	}
}

// CancelOrder instructs the market program to close a resting order.
func CancelOrder(programID, authority, orderAccount string, orderID uuid.UUID) ledger.Instruction {
	e := newEncoder(tagCancelOrder).string(orderID.String())
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			account(authority, true, false),
			account(orderAccount, false, true),
		},
		Data: e.bytes(),
	}
}

// MatchOrders instructs the market program to record the result of one
// off-chain match at the clearing price: it settles buy and sell accounts
// against the matched quantity and price the gateway's matcher already
// computed. The program trusts this core as the sole source of matches,
// the same way the rest of this ABI trusts the core rather than
// recomputing domain logic on-chain.
func MatchOrders(programID, authority, buyAccount, sellAccount string, qty, price float64) ledger.Instruction {
	e := newEncoder(tagMatchOrders).u64(uint64(milliWh(qty))).u64(uint64(milliWh(price)))
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			account(authority, true, false),
			account(buyAccount, false, true),
			account(sellAccount, false, true),
		},
		Data: e.bytes(),
	}
}

func sideByte(side database.OrderSide) byte {
	if side == database.SideBuy {
		return 0
	}
	return 1
}
