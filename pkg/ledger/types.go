// Package ledger implements the Ledger Client: a thin, blockchain-agnostic
// contract over a Solana-family JSON-RPC endpoint. No component outside
// this package knows that "the chain" is a Solana-family cluster.
package ledger

import "time"

// FeeCategory picks a priority-fee policy tier. Settlement gets the high
// tier, mint the medium tier, order placement the low tier.
type FeeCategory string

const (
	FeeLow    FeeCategory = "low"
	FeeMedium FeeCategory = "medium"
	FeeHigh   FeeCategory = "high"
)

// Blockhash is a cached recent blockhash with its expiry slot.
type Blockhash struct {
	Hash        string
	Slot        uint64
	ExpirySlot  uint64
	FetchedAt   time.Time
}

// Instruction is a pure, unsigned program instruction: a target program
// id, the ordered account list it touches, and its serialized data blob.
// Instruction Builders (pkg/instructions) produce these with no I/O.
type Instruction struct {
	ProgramID string
	Accounts  []AccountMeta
	Data      []byte
}

// AccountMeta names one account referenced by an instruction and whether
// the program may write to or must co-sign with it.
type AccountMeta struct {
	Pubkey     string
	IsSigner   bool
	IsWritable bool
}

// SignedTransaction is an instruction set plus signer identities bound to
// a specific recent blockhash and compute budget, ready for submission.
type SignedTransaction struct {
	Instructions []Instruction
	Signers      []string
	Blockhash    string
	PriorityFee  int64 // micro-units per compute unit
	ComputeLimit uint32
	rawSignature string // filled in by Submit, opaque to callers
}

// TxStatusKind enumerates the possible results of status(signature).
type TxStatusKind string

const (
	StatusNotFound  TxStatusKind = "not_found"
	StatusPending   TxStatusKind = "pending"
	StatusConfirmed TxStatusKind = "confirmed"
	StatusFinalized TxStatusKind = "finalized"
	StatusFailed    TxStatusKind = "failed"
)

// TxStatus is the result of polling a submitted transaction's signature.
type TxStatus struct {
	Kind   TxStatusKind
	Slot   uint64
	Reason string // populated when Kind == StatusFailed
}

// SimulationFailure carries the program error code and log lines returned
// by a failed simulateTransaction call, the input to failure
// classification in the coordinator.
type SimulationFailure struct {
	Code int
	Logs []string
}

func (s *SimulationFailure) Error() string {
	return "simulation failed"
}
