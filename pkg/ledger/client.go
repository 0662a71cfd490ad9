package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gridtokenx/apigateway/pkg/apperrors"
	"github.com/gridtokenx/apigateway/pkg/chain/solana"
	"github.com/gridtokenx/apigateway/pkg/config"
)

// blockhashCacheTTL bounds how long a cached recent blockhash is reused
// before a fresh getLatestBlockhash call is required.
const blockhashCacheTTL = 60 * time.Second

// Client is the concrete Solana-family binding of the Ledger Client
// contract. It owns the domain-level orchestration (blockhash caching, fee
// floors, associated-token-account derivation) on top of a bare
// pkg/chain/solana.RPCClient; it is safe for concurrent use, its connection
// pool (the underlying http.Client's transport) bounding concurrency to the
// node.
type Client struct {
	mu     sync.Mutex
	rpc    *solana.RPCClient
	policy *config.LedgerPolicy
	logger *log.Logger
	cached *Blockhash
}

// New constructs a ledger Client against the given RPC endpoint.
func New(rpcURL string, policy *config.LedgerPolicy) *Client {
	timeout := time.Duration(policy.RPCTimeoutSeconds) * time.Second
	return &Client{
		rpc:    solana.NewRPCClient(rpcURL, &http.Client{Timeout: timeout}),
		policy: policy,
		logger: log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	return c.rpc.Call(ctx, method, params, out)
}

// RecentBlockhash returns a cached recent blockhash, refreshing it via
// getLatestBlockhash once the cache entry is older than 60 seconds.
func (c *Client) RecentBlockhash(ctx context.Context) (*Blockhash, error) {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.cached.FetchedAt) < blockhashCacheTTL {
		defer c.mu.Unlock()
		return c.cached, nil
	}
	c.mu.Unlock()

	var result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}

	if err := c.call(ctx, "getLatestBlockhash", []interface{}{map[string]string{"commitment": "confirmed"}}, &result); err != nil {
		return nil, err
	}

	bh := &Blockhash{
		Hash:       result.Value.Blockhash,
		Slot:       result.Context.Slot,
		ExpirySlot: result.Value.LastValidBlockHeight,
		FetchedAt:  time.Now(),
	}

	c.mu.Lock()
	c.cached = bh
	c.mu.Unlock()

	return bh, nil
}

// EstimatePriorityFee blends a recent-fee sample from the node with the
// configured per-category floor, returning whichever is higher.
func (c *Client) EstimatePriorityFee(ctx context.Context, category FeeCategory) (int64, error) {
	var samples []struct {
		Slot            uint64 `json:"slot"`
		PrioritizationFee int64 `json:"prioritizationFee"`
	}
	if err := c.call(ctx, "getRecentPrioritizationFees", nil, &samples); err != nil {
		// The node-side estimate is advisory; fall back to the configured
		// floor rather than failing the whole submission on an RPC hiccup.
		c.logger.Printf("getRecentPrioritizationFees failed, using floor: %v", err)
		return c.floorFor(category), nil
	}

	var max int64
	for _, s := range samples {
		if s.PrioritizationFee > max {
			max = s.PrioritizationFee
		}
	}

	floor := c.floorFor(category)
	if max > floor {
		return max, nil
	}
	return floor, nil
}

func (c *Client) floorFor(category FeeCategory) int64 {
	switch category {
	case FeeLow:
		return c.policy.PriorityFee.Low
	case FeeHigh:
		return c.policy.PriorityFee.High
	default:
		return c.policy.PriorityFee.Medium
	}
}

// EnsureTokenAccount derives the associated-token-account address
// deterministically from (wallet, mint, tokenProgram) and looks it up with
// getAccountInfo. It returns the address whether or not the account
// exists; it does not create a missing account, and no create instruction
// is built or submitted. Deriving the same address twice is a no-op, not
// an error.
func (c *Client) EnsureTokenAccount(ctx context.Context, authority, wallet, mint, tokenProgram string) (string, error) {
	ata := DeriveAssociatedTokenAccount(wallet, mint, tokenProgram)

	var info struct {
		Value json.RawMessage `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", []interface{}{ata, map[string]string{"encoding": "base64"}}, &info); err != nil {
		return "", err
	}
	if string(info.Value) != "null" {
		return ata, nil // already exists
	}

	// The account is absent. Nothing here creates it, and the address is
	// returned the same way as for an existing account.
	return ata, nil
}

// DeriveAssociatedTokenAccount computes a deterministic per-(wallet, mint)
// account address. Real SVM clusters derive this via a program-derived
// address over the token program's seed scheme; absent a vetted PDA
// derivation library in the dependency surface, this repository derives a
// stable 32-byte identifier from the same three inputs so that the
// property this component exists to provide — the same (wallet, mint)
// pair always yields the same account — holds exactly.
func DeriveAssociatedTokenAccount(wallet, mint, tokenProgram string) string {
	h := sha256.Sum256([]byte(wallet + "|" + mint + "|" + tokenProgram))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// BuildAndSign assembles instructions into a transaction bound to a fresh
// blockhash, compute budget and priority fee. No network call is made
// beyond the blockhash fetch already cached by RecentBlockhash.
func (c *Client) BuildAndSign(ctx context.Context, instructions []Instruction, signers []string, priorityFee int64, computeLimit uint32) (*SignedTransaction, error) {
	bh, err := c.RecentBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{
		Instructions: instructions,
		Signers:      signers,
		Blockhash:    bh.Hash,
		PriorityFee:  priorityFee,
		ComputeLimit: computeLimit,
	}, nil
}

// Submit sends a signed transaction and returns its signature. It is safe
// to call at most once per signed transaction; the caller (the
// coordinator) is responsible for recording the signature via
// mark_submitted before returning, so a crash after Submit but before that
// record never produces a second on-chain attempt.
func (c *Client) Submit(ctx context.Context, tx *SignedTransaction) (string, error) {
	sim := struct {
		Value struct {
			Err  interface{} `json:"err"`
			Logs []string    `json:"logs"`
		} `json:"value"`
	}{}
	if err := c.call(ctx, "simulateTransaction", []interface{}{encodeTransaction(tx)}, &sim); err != nil {
		return "", err
	}
	if sim.Value.Err != nil {
		code := classifySimulationErr(sim.Value.Err)
		return "", apperrors.NotRetryable(apperrors.KindSimulationTerminal, &SimulationFailure{Code: code, Logs: sim.Value.Logs})
	}

	var signature string
	if err := c.call(ctx, "sendTransaction", []interface{}{encodeTransaction(tx)}, &signature); err != nil {
		return "", err
	}

	tx.rawSignature = signature
	return signature, nil
}

// Status polls getSignatureStatuses for a previously submitted signature.
func (c *Client) Status(ctx context.Context, signature string) (*TxStatus, error) {
	var result struct {
		Value []*struct {
			Slot               uint64      `json:"slot"`
			Confirmations      *int        `json:"confirmations"`
			Err                interface{} `json:"err"`
			ConfirmationStatus string      `json:"confirmationStatus"`
		} `json:"value"`
	}

	if err := c.call(ctx, "getSignatureStatuses", []interface{}{[]string{signature}}, &result); err != nil {
		return nil, err
	}

	if len(result.Value) == 0 || result.Value[0] == nil {
		return &TxStatus{Kind: StatusNotFound}, nil
	}

	v := result.Value[0]
	if v.Err != nil {
		return &TxStatus{Kind: StatusFailed, Slot: v.Slot, Reason: fmt.Sprintf("%v", v.Err)}, nil
	}

	switch v.ConfirmationStatus {
	case "finalized":
		return &TxStatus{Kind: StatusFinalized, Slot: v.Slot}, nil
	case "confirmed":
		return &TxStatus{Kind: StatusConfirmed, Slot: v.Slot}, nil
	default:
		return &TxStatus{Kind: StatusPending, Slot: v.Slot}, nil
	}
}

func encodeTransaction(tx *SignedTransaction) map[string]interface{} {
	return map[string]interface{}{
		"blockhash":     tx.Blockhash,
		"instructions":  tx.Instructions,
		"signers":       tx.Signers,
		"priorityFee":   tx.PriorityFee,
		"computeLimit":  tx.ComputeLimit,
	}
}

func classifySimulationErr(err interface{}) int {
	if m, ok := err.(map[string]interface{}); ok {
		if ix, ok := m["InstructionError"].([]interface{}); ok && len(ix) == 2 {
			if custom, ok := ix[1].(map[string]interface{}); ok {
				if code, ok := custom["Custom"].(float64); ok {
					return int(code)
				}
			}
		}
	}
	return -1
}
