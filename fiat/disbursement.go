// Package fiat owns the disbursement and repayment transfer state machines.
// Fiat movements settle through the mobile money provider; every confirmed
// leg is hashed and committed on-chain through the action pipeline.
package fiat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loanbridge/action"
	"loanbridge/models"
	"loanbridge/pipeline"
)

// isDuplicateAction reports an enqueue that lost the action key race, which
// the fiat flows treat as success.
func isDuplicateAction(err error) bool {
	return errors.Is(err, pipeline.ErrDuplicateActionKey)
}

// ErrDuplicateTransfer reports an initiation that lost the idempotency key
// race; the original transfer proceeds.
var ErrDuplicateTransfer = errors.New("fiat: duplicate transfer")

// ErrTransferNotFound reports a confirmation for an unknown transfer.
var ErrTransferNotFound = errors.New("fiat: transfer not found")

// Action key prefixes. The suffix is always the transfer id so mined events
// route back to their transfer.
const (
	KeyRecordDisbursement = "record-disb"
	KeyActivateLoan       = "activate"
	KeyRepay              = "repay"
	KeyRecordRepayment    = "record-repay"
)

// MakeActionKey builds the pipeline idempotency key for a transfer action.
func MakeActionKey(prefix string, transferID uuid.UUID) string {
	return prefix + ":" + transferID.String()
}

// ParseActionKey splits an action key into its prefix and transfer id.
func ParseActionKey(key string) (string, uuid.UUID, error) {
	prefix, raw, ok := strings.Cut(key, ":")
	if !ok {
		return "", uuid.Nil, fmt.Errorf("fiat: malformed action key %q", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("fiat: action key %q: %w", key, err)
	}
	return prefix, id, nil
}

// Enqueuer is the slice of the pipeline the fiat service drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, loanID uuid.UUID, payload action.Payload, actionKey string) (*models.ChainAction, error)
}

// PayoutRequest asks the provider to move KES to a borrower.
type PayoutRequest struct {
	LoanID      uuid.UUID
	AmountKes   models.BigInt
	PhoneNumber string
	Reference   string
}

// PayoutClient initiates outbound transfers with the provider.
type PayoutClient interface {
	InitiatePayout(ctx context.Context, req PayoutRequest) (providerRef string, err error)
}

// Confirmation is the normalised provider notification for either direction.
type Confirmation struct {
	IdempotencyKey string
	ProviderRef    string
	AmountKes      models.BigInt
	// AmountUsdc is the converted amount the provider settled against the
	// pool, when present. Zero means no conversion was reported.
	AmountUsdc  models.BigInt
	PhoneNumber string
	LoanID      uuid.UUID
	Timestamp   time.Time
	RawPayload  string
}

// Service drives the fiat transfer state machines.
type Service struct {
	db      *gorm.DB
	enqueue Enqueuer
	payouts PayoutClient
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs the fiat service. payouts may be nil when the
// deployment only ingests provider-initiated notifications.
func NewService(db *gorm.DB, enqueue Enqueuer, payouts PayoutClient, logger *slog.Logger, now func() time.Time) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, enqueue: enqueue, payouts: payouts, logger: logger.With("component", "fiat"), now: now}
}

// RefHash derives the immutable reference hash binding a provider reference
// to one loan leg.
func RefHash(providerRef string, loanID uuid.UUID, direction models.TransferDirection) string {
	sum := sha256.Sum256([]byte(providerRef + ":" + loanID.String() + ":" + string(direction)))
	return hex.EncodeToString(sum[:])
}

// ProofHash hashes the verbatim provider payload.
func ProofHash(rawPayload string) string {
	sum := sha256.Sum256([]byte(rawPayload))
	return hex.EncodeToString(sum[:])
}

// InitiateDisbursement creates the outbound transfer record and asks the
// provider to pay the borrower. One disbursement exists per loan; repeated
// calls return ErrDuplicateTransfer and leave the original untouched.
func (s *Service) InitiateDisbursement(ctx context.Context, loan *models.Loan, amountKes models.BigInt, phone string) (*models.FiatTransfer, error) {
	if s.payouts == nil {
		return nil, fmt.Errorf("fiat: payout client not configured")
	}
	transfer := models.FiatTransfer{
		ID:             uuid.New(),
		LoanID:         loan.ID,
		Direction:      models.DirectionOutbound,
		Status:         models.TransferPending,
		IdempotencyKey: "disb:" + loan.ID.String(),
		AmountKes:      amountKes,
		PhoneNumber:    phone,
	}
	if err := s.db.WithContext(ctx).Create(&transfer).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: disbursement for loan %s", ErrDuplicateTransfer, loan.ID)
		}
		return nil, fmt.Errorf("fiat: create disbursement: %w", err)
	}

	providerRef, err := s.payouts.InitiatePayout(ctx, PayoutRequest{
		LoanID:      loan.ID,
		AmountKes:   amountKes,
		PhoneNumber: phone,
		Reference:   transfer.ID.String(),
	})
	if err != nil {
		now := s.now().UTC()
		if dbErr := s.db.WithContext(ctx).Model(&models.FiatTransfer{}).
			Where("id = ?", transfer.ID).
			Updates(map[string]interface{}{
				"status":         models.TransferFailed,
				"failed_at":      now,
				"failure_reason": err.Error(),
			}).Error; dbErr != nil {
			s.logger.Error("mark payout failed", "transfer_id", transfer.ID, "error", dbErr)
		}
		return nil, fmt.Errorf("fiat: initiate payout: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&models.FiatTransfer{}).
		Where("id = ?", transfer.ID).
		Updates(map[string]interface{}{
			"status":       models.TransferPayoutInitiated,
			"provider_ref": providerRef,
		}).Error; err != nil {
		return nil, fmt.Errorf("fiat: record payout initiation: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Loan{}).
		Where("id = ?", loan.ID).
		Update("state", models.LoanDisbursing).Error; err != nil {
		return nil, fmt.Errorf("fiat: mark loan disbursing: %w", err)
	}
	transfer.Status = models.TransferPayoutInitiated
	transfer.ProviderRef = providerRef
	s.logger.Info("disbursement initiated", "loan_id", loan.ID, "transfer_id", transfer.ID, "provider_ref", providerRef)
	return &transfer, nil
}

// terminalPastConfirmation reports statuses that already absorbed a provider
// confirmation, including the legacy aliases from the v0 gateway.
func terminalPastConfirmation(status models.TransferStatus) bool {
	switch status {
	case models.TransferPayoutConfirmed,
		models.TransferChainRecordPending,
		models.TransferChainRecorded,
		models.TransferActivated,
		models.TransferLegacyConfirmed,
		models.TransferLegacyAppliedOnchain:
		return true
	}
	return false
}

// HandleDisbursementConfirmed applies the provider's success notification to
// the outbound transfer. Duplicate deliveries are acknowledged and dropped;
// an amount mismatch fails the transfer for operator review. On first
// confirmation the ref and proof hashes are fixed and the on-chain record and
// activation actions are enqueued.
func (s *Service) HandleDisbursementConfirmed(ctx context.Context, conf Confirmation) error {
	var transfer models.FiatTransfer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&transfer, "idempotency_key = ?", conf.IdempotencyKey).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrTransferNotFound, conf.IdempotencyKey)
		}
		if err != nil {
			return fmt.Errorf("fiat: load transfer: %w", err)
		}
		if terminalPastConfirmation(transfer.Status) {
			s.logger.Info("duplicate disbursement confirmation dropped", "transfer_id", transfer.ID, "status", transfer.Status)
			return nil
		}
		if transfer.Status == models.TransferFailed {
			s.logger.Warn("confirmation for failed transfer dropped", "transfer_id", transfer.ID)
			return nil
		}

		now := s.now().UTC()
		if transfer.AmountKes.Int.Cmp(&conf.AmountKes.Int) != 0 {
			transfer.Status = models.TransferFailed
			return tx.Model(&models.FiatTransfer{}).
				Where("id = ?", transfer.ID).
				Updates(map[string]interface{}{
					"status":         models.TransferFailed,
					"failed_at":      now,
					"failure_reason": fmt.Sprintf("amount mismatch: expected %s got %s", transfer.AmountKes.Int.String(), conf.AmountKes.Int.String()),
					"raw_payload":    conf.RawPayload,
				}).Error
		}

		transfer.RefHash = RefHash(conf.ProviderRef, transfer.LoanID, models.DirectionOutbound)
		transfer.ProofHash = ProofHash(conf.RawPayload)
		transfer.Status = models.TransferPayoutConfirmed
		return tx.Model(&models.FiatTransfer{}).
			Where("id = ?", transfer.ID).
			Updates(map[string]interface{}{
				"status":            models.TransferPayoutConfirmed,
				"provider_ref":      conf.ProviderRef,
				"ref_hash":          transfer.RefHash,
				"proof_hash":        transfer.ProofHash,
				"amount_usdc":       conf.AmountUsdc,
				"raw_payload":       conf.RawPayload,
				"webhook_timestamp": conf.Timestamp.UTC(),
				"confirmed_at":      now,
			}).Error
	})
	if err != nil {
		return err
	}
	if transfer.Status != models.TransferPayoutConfirmed {
		return nil
	}

	// Enqueue outside the row lock. The action keys make re-runs after a
	// crash between the two enqueues harmless.
	if _, err := s.enqueue.Enqueue(ctx, transfer.LoanID, action.RecordDisbursement{
		RefHash:   transfer.RefHash,
		ProofHash: transfer.ProofHash,
	}, MakeActionKey(KeyRecordDisbursement, transfer.ID)); err != nil && !isDuplicateAction(err) {
		return fmt.Errorf("fiat: enqueue disbursement record: %w", err)
	}
	if _, err := s.enqueue.Enqueue(ctx, transfer.LoanID, action.ActivateLoan{
		FiatDisbursementRef: transfer.ID.String(),
		ProofHash:           transfer.ProofHash,
	}, MakeActionKey(KeyActivateLoan, transfer.ID)); err != nil && !isDuplicateAction(err) {
		return fmt.Errorf("fiat: enqueue activation: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&models.FiatTransfer{}).
		Where("id = ? AND status = ?", transfer.ID, models.TransferPayoutConfirmed).
		Update("status", models.TransferChainRecordPending).Error; err != nil {
		return fmt.Errorf("fiat: advance to chain record pending: %w", err)
	}
	s.logger.Info("disbursement confirmed", "transfer_id", transfer.ID, "loan_id", transfer.LoanID, "ref_hash", transfer.RefHash)
	return nil
}

// OnRecordDisbursementConfirmed advances the transfer once the on-chain
// record mines.
func (s *Service) OnRecordDisbursementConfirmed(ctx context.Context, transferID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.FiatTransfer{}).
		Where("id = ? AND status = ?", transferID, models.TransferChainRecordPending).
		Update("status", models.TransferChainRecorded)
	if res.Error != nil {
		return fmt.Errorf("fiat: mark chain recorded: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Warn("chain record confirmation out of order", "transfer_id", transferID)
	}
	return nil
}

// OnActivateLoanConfirmed finalises activation. ACTIVATED is reachable only
// from CHAIN_RECORDED; an out-of-order confirmation is logged and dropped so
// the settlement job can flag the gap.
func (s *Service) OnActivateLoanConfirmed(ctx context.Context, transferID uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.FiatTransfer{}).
		Where("id = ? AND status = ?", transferID, models.TransferChainRecorded).
		Update("status", models.TransferActivated)
	if res.Error != nil {
		return false, fmt.Errorf("fiat: mark activated: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Warn("activation refused outside CHAIN_RECORDED", "transfer_id", transferID)
		return false, nil
	}
	return true, nil
}
