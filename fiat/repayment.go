package fiat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loanbridge/action"
	"loanbridge/models"
)

// HandleRepayment records an inbound provider payment and enqueues the
// on-chain repayment legs. The transfer's idempotency key comes from the
// webhook, so redelivered notifications collapse to one transfer.
func (s *Service) HandleRepayment(ctx context.Context, conf Confirmation) (*models.FiatTransfer, error) {
	now := s.now().UTC()
	ts := conf.Timestamp.UTC()
	transfer := models.FiatTransfer{
		ID:               uuid.New(),
		LoanID:           conf.LoanID,
		Direction:        models.DirectionInbound,
		Status:           models.TransferRepaymentReceived,
		ProviderRef:      conf.ProviderRef,
		IdempotencyKey:   conf.IdempotencyKey,
		AmountKes:        conf.AmountKes,
		AmountUsdc:       conf.AmountUsdc,
		PhoneNumber:      conf.PhoneNumber,
		RefHash:          RefHash(conf.ProviderRef, conf.LoanID, models.DirectionInbound),
		ProofHash:        ProofHash(conf.RawPayload),
		RawPayload:       conf.RawPayload,
		WebhookTimestamp: &ts,
		ConfirmedAt:      &now,
	}
	if err := s.db.WithContext(ctx).Create(&transfer).Error; err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("fiat: create repayment: %w", err)
		}
		// A redelivery, or a retry after a crash between the insert and the
		// enqueues below. Pick up the existing transfer and run the rest of
		// the flow anyway: every step from here down is idempotent, so this
		// is what heals a transfer stranded at REPAYMENT_RECEIVED.
		s.logger.Info("duplicate repayment notification, resuming existing transfer", "idempotency_key", conf.IdempotencyKey)
		var existing models.FiatTransfer
		if loadErr := s.db.WithContext(ctx).First(&existing, "idempotency_key = ?", conf.IdempotencyKey).Error; loadErr != nil {
			return nil, fmt.Errorf("fiat: load existing repayment: %w", loadErr)
		}
		transfer = existing
	}

	if _, err := s.enqueue.Enqueue(ctx, transfer.LoanID, action.Repay{
		AmountKes: transfer.AmountKes,
		RefHash:   transfer.RefHash,
	}, MakeActionKey(KeyRepay, transfer.ID)); err != nil && !isDuplicateAction(err) {
		return nil, fmt.Errorf("fiat: enqueue repay: %w", err)
	}
	if _, err := s.enqueue.Enqueue(ctx, transfer.LoanID, action.RecordRepayment{
		AmountKes: transfer.AmountKes,
		ProofHash: transfer.ProofHash,
	}, MakeActionKey(KeyRecordRepayment, transfer.ID)); err != nil && !isDuplicateAction(err) {
		return nil, fmt.Errorf("fiat: enqueue repayment record: %w", err)
	}

	advanced := s.db.WithContext(ctx).Model(&models.FiatTransfer{}).
		Where("id = ? AND status = ?", transfer.ID, models.TransferRepaymentReceived).
		Update("status", models.TransferChainRepayPending)
	if advanced.Error != nil {
		return nil, fmt.Errorf("fiat: advance to chain repay pending: %w", advanced.Error)
	}
	if advanced.RowsAffected > 0 {
		transfer.Status = models.TransferChainRepayPending
	}
	s.logger.Info("repayment received", "transfer_id", transfer.ID, "loan_id", transfer.LoanID, "amount_kes", transfer.AmountKes.Int.String())
	return &transfer, nil
}

// OnRepayConfirmed finalises the inbound transfer once both on-chain legs
// have mined. The repay and record actions share the transfer, so the first
// mined event moves the status and the second is a no-op.
func (s *Service) OnRepayConfirmed(ctx context.Context, transferID uuid.UUID) (*models.FiatTransfer, error) {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.FiatTransfer{}).
		Where("id = ? AND status = ?", transferID, models.TransferChainRepayPending).
		Updates(map[string]interface{}{
			"status":             models.TransferChainRepayConfirmed,
			"applied_onchain_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("fiat: mark repay confirmed: %w", res.Error)
	}
	var transfer models.FiatTransfer
	if err := s.db.WithContext(ctx).First(&transfer, "id = ?", transferID).Error; err != nil {
		return nil, fmt.Errorf("fiat: load transfer %s: %w", transferID, err)
	}
	return &transfer, nil
}

// PendingDisbursement returns the outbound transfer for a loan, if any.
func (s *Service) PendingDisbursement(ctx context.Context, loanID uuid.UUID) (*models.FiatTransfer, error) {
	var transfer models.FiatTransfer
	err := s.db.WithContext(ctx).
		First(&transfer, "loan_id = ? AND direction = ?", loanID, models.DirectionOutbound).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fiat: load disbursement: %w", err)
	}
	return &transfer, nil
}
