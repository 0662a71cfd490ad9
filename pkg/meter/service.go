// Package meter implements reading ingestion and the mint/certificate
// ratchets of §4.8: validate a signed reading, advance the meter's
// generation/consumption counters, and drive the settled_net_generation and
// claimed_erc_generation ratchets forward through the coordinator.
package meter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/gridtokenx/apigateway/pkg/apperrors"
	"github.com/gridtokenx/apigateway/pkg/config"
	"github.com/gridtokenx/apigateway/pkg/coordinator"
	"github.com/gridtokenx/apigateway/pkg/database"
	"github.com/gridtokenx/apigateway/pkg/instructions"
	"github.com/gridtokenx/apigateway/pkg/ledger"
)

// Submitter is the coordinator capability this package depends on:
// submitting new operations, and driving the mint worker's retry loop for
// operations the coordinator's own monitor cannot originate a fresh
// attempt for itself, since it holds no payload to rebuild from (§4.3).
type Submitter interface {
	Submit(ctx context.Context, req coordinator.SubmitRequest) (*database.BlockchainOperation, error)
	Retry(ctx context.Context, id uuid.UUID, req coordinator.SubmitRequest) (*database.BlockchainOperation, error)
	Backoff(attempt int) time.Duration
	ListRetryable(ctx context.Context, opType database.OperationType, limit int) ([]*database.BlockchainOperation, error)
	Abandon(ctx context.Context, id uuid.UUID, reason string) error
}

// LedgerClient is the capability this package needs from pkg/ledger:
// resolving the recipient's associated token account before a mint.
type LedgerClient interface {
	EnsureTokenAccount(ctx context.Context, authority, wallet, mint, tokenProgram string) (string, error)
}

// ChainConfig names the accounts mint_tokens and issue_certificate
// instructions are built against.
type ChainConfig struct {
	ProgramMint       string
	ProgramGovernance string
	Authority         string
	Mint              string
	TokenProgram      string
}

// Service is the meter ingestion and mint/certificate service.
type Service struct {
	meters   *database.MeterRepository
	readings *database.ReadingRepository
	users    *database.UserRepository
	audit    *database.AuditRepository
	coord    Submitter
	ledger   LedgerClient
	chain    ChainConfig

	allowImpersonation bool
	coordPolicy        config.CoordinatorPolicy

	logger *log.Logger
}

// New constructs a meter Service.
func New(
	meters *database.MeterRepository,
	readings *database.ReadingRepository,
	users *database.UserRepository,
	audit *database.AuditRepository,
	coord Submitter,
	ledgerClient LedgerClient,
	chain ChainConfig,
	allowImpersonation bool,
	coordPolicy config.CoordinatorPolicy,
) *Service {
	return &Service{
		meters:             meters,
		readings:           readings,
		users:              users,
		audit:              audit,
		coord:              coord,
		ledger:             ledgerClient,
		chain:              chain,
		allowImpersonation: allowImpersonation,
		coordPolicy:        coordPolicy,
		logger:             log.New(log.Writer(), "[Meter] ", log.LstdFlags),
	}
}

// SubmitReading validates and records one meter reading, per §4.8's
// ingestion algorithm: meter must be verified, the signature must check out
// (unless this is an enabled operator-impersonated submission), and the
// (meter, timestamp) pair must be unique. The reading itself is enqueued
// for minting by the mint worker's next poll, not inline here — minting
// talks to the chain and must not block ingestion.
func (s *Service) SubmitReading(ctx context.Context, meterID uuid.UUID, readingType database.ReadingType, kWh float64, ts time.Time, signature []byte, impersonatedBy string) (*database.MeterReading, error) {
	m, err := s.meters.GetMeter(ctx, meterID)
	if err != nil {
		return nil, err
	}
	if m.VerificationStatus != database.MeterVerified {
		return nil, apperrors.Newf(apperrors.KindPrecondition, "meter %s is not verified", meterID)
	}

	if impersonatedBy != "" {
		if !s.allowImpersonation {
			return nil, apperrors.Newf(apperrors.KindForbidden, "operator impersonation is disabled for this deployment")
		}
	} else if !verifyReadingSignature(m.PublicKey, meterID, readingType, ts, kWh, signature) {
		return nil, apperrors.Newf(apperrors.KindPrecondition, "reading signature does not verify against meter %s", meterID)
	}

	tx, err := s.meters.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("submit reading: begin tx: %w", err)
	}
	defer tx.Rollback()

	reading, err := s.readings.InsertReading(ctx, tx, meterID, ts, kWh, readingType, signature, impersonatedBy)
	if errors.Is(err, database.ErrReadingDuplicate) {
		return nil, apperrors.New(apperrors.KindDuplicate, err)
	}
	if err != nil {
		return nil, fmt.Errorf("submit reading: insert: %w", err)
	}

	if err := s.meters.IncrementCounters(ctx, tx, meterID, readingType, wattHours(kWh)); err != nil {
		return nil, fmt.Errorf("submit reading: increment counters: %w", err)
	}

	detail := map[string]interface{}{"reading_type": readingType, "kwh": kWh, "impersonated": impersonatedBy != ""}
	if err := s.audit.RecordTx(ctx, tx, "meter-service", "reading_submitted", "meter", meterID.String(), detail); err != nil {
		return nil, fmt.Errorf("submit reading: audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("submit reading: commit: %w", err)
	}

	return reading, nil
}

// IssueCertificate advances a meter's claimed_erc_generation ratchet by
// claimedWh and submits the issue_certificate operation, per §4.8's "same
// ratchet" rule applied against claimed_erc_generation instead of
// settled_net_generation. The precondition (claimed + delta <=
// total_generation) is checked against a row-locked read so two concurrent
// claims against the same meter cannot both pass. The ratchet advance
// commits before the coordinator is ever called, so a slow or unavailable
// RPC endpoint never holds the meter's row lock open.
func (s *Service) IssueCertificate(ctx context.Context, meterID uuid.UUID, claimedWh int64) (*database.BlockchainOperation, error) {
	tx, err := s.meters.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("issue certificate: begin tx: %w", err)
	}

	m, err := s.meters.GetMeterForUpdate(ctx, tx, meterID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("issue certificate: load meter: %w", err)
	}

	if m.ClaimedERCGenerationWh+claimedWh > m.TotalGenerationWh {
		tx.Rollback()
		return nil, apperrors.Newf(apperrors.KindPrecondition, "meter %s: claimed %d + %d exceeds total generation %d", meterID, m.ClaimedERCGenerationWh, claimedWh, m.TotalGenerationWh)
	}

	if err := s.meters.ApplyClaimedERCGeneration(ctx, tx, meterID, claimedWh); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("issue certificate: advance ratchet: %w", err)
	}

	owner, err := s.users.GetUser(ctx, m.OwnerUserID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("issue certificate: load owner: %w", err)
	}
	if !owner.WalletAddr.Valid {
		tx.Rollback()
		return nil, apperrors.Newf(apperrors.KindPrecondition, "meter %s owner has no registered wallet", meterID)
	}
	meterAccount := owner.WalletAddr.String

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("issue certificate: commit: %w", err)
	}

	req := coordinator.SubmitRequest{
		OpType:  database.OpIssueCertificate,
		Payload: coordinator.IssueCertificatePayload{MeterID: meterID, ClaimedWh: claimedWh},
		Build: func(ctx context.Context) ([]ledger.Instruction, []string, error) {
			ix := instructions.IssueCertificate(s.chain.ProgramGovernance, s.chain.Authority, meterAccount, claimedWh)
			return []ledger.Instruction{ix}, []string{s.chain.Authority}, nil
		},
		FeeCategory:  ledger.FeeLow,
		ComputeLimit: 20_000,
		ExpiresIn:    time.Duration(s.coordPolicy.SubmissionExpirySeconds) * time.Second,
		MaxAttempts:  s.coordPolicy.MaxAttempts,
	}

	op, err := s.coord.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("issue certificate: submit: %w", err)
	}

	if err := s.audit.Record(ctx, "meter-service", "certificate_issued", "meter", meterID.String(), map[string]interface{}{
		"claimed_wh":   claimedWh,
		"operation_id": op.ID,
	}); err != nil {
		s.logger.Printf("issue certificate: audit record failed for meter %s: %v", meterID, err)
	}

	return op, nil
}
