// Package coordinator implements the Transaction Coordinator: the single
// entry point between domain intents and the chain. It owns the
// idempotency gate (fingerprint + the operation store's unique index),
// the retry policy, and the background monitor that reconciles submitted
// operations against their on-chain status.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/apperrors"
	"github.com/gridtokenx/apigateway/pkg/config"
	"github.com/gridtokenx/apigateway/pkg/database"
	"github.com/gridtokenx/apigateway/pkg/ledger"
)

// LedgerClient is the subset of pkg/ledger.Client the coordinator depends
// on, narrowed to a capability surface per the teacher's pass-explicit-
// dependencies convention rather than a process-wide singleton.
type LedgerClient interface {
	EstimatePriorityFee(ctx context.Context, category ledger.FeeCategory) (int64, error)
	BuildAndSign(ctx context.Context, instructions []ledger.Instruction, signers []string, priorityFee int64, computeLimit uint32) (*ledger.SignedTransaction, error)
	Submit(ctx context.Context, tx *ledger.SignedTransaction) (string, error)
	Status(ctx context.Context, signature string) (*ledger.TxStatus, error)
}

// BuildFunc constructs the instructions and signer set for one submission
// attempt. It is called only after the idempotency check passes, so a
// duplicate submission never pays the cost of building instructions it
// will discard. Callers may be invoked more than once across retries and
// must be safe to call repeatedly with the same result.
type BuildFunc func(ctx context.Context) (instructions []ledger.Instruction, signers []string, err error)

// ConfirmationHook advances domain state for a newly confirmed operation.
// It runs inside the same store transaction as mark_confirmed, so either
// both the confirmation and the domain-state advance commit, or neither
// does and the operation is reconciled again on the next poll.
type ConfirmationHook func(ctx context.Context, tx *sql.Tx, op *database.BlockchainOperation) error

// SubmitRequest describes one coordinator submission.
type SubmitRequest struct {
	OpType       database.OperationType
	Payload      interface{}
	Build        BuildFunc
	FeeCategory  ledger.FeeCategory
	ComputeLimit uint32
	ExpiresIn    time.Duration
	MaxAttempts  int
}

// Coordinator is the transaction coordinator.
type Coordinator struct {
	ops    *database.OperationRepository
	ledger LedgerClient
	policy config.CoordinatorPolicy
	logger *log.Logger

	mu    sync.RWMutex
	hooks map[database.OperationType]ConfirmationHook

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Coordinator.
func New(ops *database.OperationRepository, client LedgerClient, policy config.CoordinatorPolicy) *Coordinator {
	return &Coordinator{
		ops:    ops,
		ledger: client,
		policy: policy,
		logger: log.New(log.Writer(), "[Coordinator] ", log.LstdFlags),
		hooks:  make(map[database.OperationType]ConfirmationHook),
	}
}

// RegisterHook installs the confirmation hook for an operation type.
// Settlement and minting register theirs during wiring in cmd/gateway.
func (c *Coordinator) RegisterHook(opType database.OperationType, hook ConfirmationHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[opType] = hook
}

func (c *Coordinator) hookFor(opType database.OperationType) ConfirmationHook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hooks[opType]
}

// Submit computes the payload fingerprint, creates (or finds) the
// operation row, and attempts one build-sign-submit cycle. Transient
// failures leave the operation pending for a later retry; terminal
// failures mark it failed. Either way Submit returns the operation id
// without error, matching the spec's "submit never leaves the caller
// without an id" contract; only a fingerprinting failure or a failure to
// create the operation row returns an error. An instruction-building
// failure is recorded on the operation like any other failed attempt.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*database.BlockchainOperation, error) {
	fingerprint, err := Fingerprint(req.OpType, req.Payload)
	if err != nil {
		return nil, apperrors.New(apperrors.KindValidation, err)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = c.policy.MaxAttempts
	}

	op, err := c.ops.Create(ctx, req.OpType, fingerprint, req.ExpiresIn)
	if errors.Is(err, database.ErrOperationDuplicate) {
		return op, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, err)
	}

	c.attempt(ctx, op, req, maxAttempts, 0)
	return op, nil
}

// Retry resubmits a pending or expired operation with a fresh blockhash
// and, if it has already failed once on this attempt count, a bumped
// priority fee. The caller supplies the same build function it used for
// the original submission — the operation row itself stores only the
// fingerprint, not the payload, by design (§4.3).
func (c *Coordinator) Retry(ctx context.Context, id uuid.UUID, req SubmitRequest) (*database.BlockchainOperation, error) {
	op, err := c.ops.Get(ctx, id)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, err)
	}

	if op.Status != database.OpPending && op.Status != database.OpExpired {
		return nil, apperrors.Newf(apperrors.KindPrecondition, "operation %s is %s, not retryable", id, op.Status)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = c.policy.MaxAttempts
	}
	if op.Attempts >= maxAttempts {
		return nil, apperrors.Newf(apperrors.KindPrecondition, "operation %s exhausted %d attempts", id, op.Attempts)
	}

	// Bump the fee by 50% per prior attempt: a stuck operation is most
	// often stuck because its priority fee lost a bidding war, so escalate
	// rather than resubmit identically and expect a different result.
	bumpPct := 50 * op.Attempts
	c.attempt(ctx, op, req, maxAttempts, bumpPct)
	return c.ops.Get(ctx, id)
}

func (c *Coordinator) attempt(ctx context.Context, op *database.BlockchainOperation, req SubmitRequest, maxAttempts, feeBumpPct int) {
	instructions, signers, err := req.Build(ctx)
	if err != nil {
		c.recordFailure(ctx, op.ID, err, maxAttempts)
		return
	}

	fee, err := c.ledger.EstimatePriorityFee(ctx, req.FeeCategory)
	if err != nil {
		c.recordFailure(ctx, op.ID, err, maxAttempts)
		return
	}
	if feeBumpPct > 0 {
		fee = fee + (fee*int64(feeBumpPct))/100
	}

	signedTx, err := c.ledger.BuildAndSign(ctx, instructions, signers, fee, req.ComputeLimit)
	if err != nil {
		c.recordFailure(ctx, op.ID, err, maxAttempts)
		return
	}

	signature, err := c.ledger.Submit(ctx, signedTx)
	if err != nil {
		c.recordFailure(ctx, op.ID, err, maxAttempts)
		return
	}

	expiresAt := time.Now().Add(req.ExpiresIn)
	if err := c.ops.MarkSubmitted(ctx, op.ID, signature, expiresAt); err != nil {
		c.logger.Printf("operation %s submitted signature %s but mark_submitted failed: %v", op.ID, signature, err)
	}
}

func (c *Coordinator) recordFailure(ctx context.Context, id uuid.UUID, err error, maxAttempts int) {
	classified := classify(err)
	if recErr := c.ops.RecordFailure(ctx, id, classified.Error(), classified.Retryable, maxAttempts); recErr != nil {
		c.logger.Printf("failed to record failure for operation %s: %v", id, recErr)
	}
}

// Status reads the operation store.
func (c *Coordinator) Status(ctx context.Context, id uuid.UUID) (*database.BlockchainOperation, error) {
	op, err := c.ops.Get(ctx, id)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, err)
	}
	return op, nil
}

// Abandon forces a pending or expired operation straight to failed without
// another attempt, for a domain service whose own retry loop has decided
// an operation will never succeed (e.g. it has exhausted its attempt
// budget) but that has no further domain-state rollback of its own to
// perform, unlike settlement's Fail.
func (c *Coordinator) Abandon(ctx context.Context, id uuid.UUID, reason string) error {
	if err := c.ops.RecordFailure(ctx, id, reason, false, 0); err != nil {
		return apperrors.New(apperrors.KindInternal, err)
	}
	return nil
}

// ListRetryable returns opType's next batch of pending or expired
// operations for a domain service's own retry loop to drive through Retry,
// per Backoff's doc comment: the coordinator holds the store but the
// domain service that originally submitted the operation owns the loop.
func (c *Coordinator) ListRetryable(ctx context.Context, opType database.OperationType, limit int) ([]*database.BlockchainOperation, error) {
	ops, err := c.ops.ListRetryable(ctx, opType, limit)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, err)
	}
	return ops, nil
}

// Start launches the background monitor: every 5 seconds it polls the
// status of submitted operations and expires those past their deadline.
// Grounded on the teacher's batch.ConfirmationTracker run-loop shape.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop cancels the background monitor and waits for the current poll to
// finish; in-flight store writes complete but no new RPC calls start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	<-c.doneCh
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Coordinator) poll(ctx context.Context) {
	if _, err := c.ops.ExpireDue(ctx, time.Now()); err != nil {
		c.logger.Printf("expire_due failed: %v", err)
	}

	ops, err := c.ops.ListPendingSubmitted(ctx, 100)
	if err != nil {
		c.logger.Printf("list_pending_submitted failed: %v", err)
		return
	}

	for _, op := range ops {
		c.reconcile(ctx, op)
	}
}

func (c *Coordinator) reconcile(ctx context.Context, op *database.BlockchainOperation) {
	if !op.Signature.Valid {
		return
	}

	status, err := c.ledger.Status(ctx, op.Signature.String)
	if err != nil {
		c.logger.Printf("status(%s) failed: %v", op.Signature.String, err)
		return
	}

	switch status.Kind {
	case ledger.StatusConfirmed, ledger.StatusFinalized:
		c.confirm(ctx, op)
	case ledger.StatusFailed:
		if recErr := c.ops.RecordFailure(ctx, op.ID, status.Reason, false, c.policy.MaxAttempts); recErr != nil {
			c.logger.Printf("record_failure for %s failed: %v", op.ID, recErr)
		}
	case ledger.StatusNotFound, ledger.StatusPending:
		// Nothing to do; expire_due already handles the deadline case.
	}
}

func (c *Coordinator) confirm(ctx context.Context, op *database.BlockchainOperation) {
	tx, err := c.ops.BeginTx(ctx)
	if err != nil {
		c.logger.Printf("begin_tx for confirmation of %s failed: %v", op.ID, err)
		return
	}

	if err := c.ops.MarkConfirmed(ctx, tx, op.ID, op.Signature.String); err != nil {
		tx.Rollback()
		c.logger.Printf("mark_confirmed for %s failed: %v", op.ID, err)
		return
	}

	if hook := c.hookFor(op.OperationType); hook != nil {
		if err := hook(ctx, tx, op); err != nil {
			tx.Rollback()
			c.logger.Printf("confirmation hook for %s (%s) failed, will retry next poll: %v", op.ID, op.OperationType, err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		c.logger.Printf("commit confirmation of %s failed: %v", op.ID, err)
	}
}

// Backoff returns the exponential-backoff-with-jitter delay before the
// given attempt count should be retried, base 1s cap 30s per §4.4's retry
// policy. The operation store does not persist a payload to rebuild from
// (only its fingerprint), so the coordinator cannot auto-retry an arbitrary
// pending operation itself; the domain service that originally submitted
// it (pkg/settlement, pkg/meter) owns the retry loop and uses Backoff to
// space its own calls to Retry.
func (c *Coordinator) Backoff(attempt int) time.Duration {
	base := time.Duration(c.policy.RetryBaseMS) * time.Millisecond
	capDelay := time.Duration(c.policy.RetryCapMS) * time.Millisecond

	delay := base << uint(attempt)
	if delay <= 0 || delay > capDelay {
		delay = capDelay
	}

	return time.Duration(rand.Int63n(int64(delay) + 1))
}
