// Package loan coordinates origination, disbursement, and repayment across
// the breaker gate, the schedule engine, the fiat flows, and the action
// pipeline.
package loan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loanbridge/action"
	"loanbridge/chain"
	"loanbridge/fiat"
	"loanbridge/models"
	"loanbridge/pipeline"
	"loanbridge/schedule"
)

// ErrPartnerNotActive reports origination against a partner outside ACTIVE.
var ErrPartnerNotActive = errors.New("loan: partner not active")

// ErrInvalidState reports an operation against a loan in the wrong state.
var ErrInvalidState = errors.New("loan: invalid state for operation")

// Action key prefixes for origination-side actions. The suffix is the loan id.
const (
	KeyCreateLoan = "create"
	KeyFundLoan   = "fund"
)

// Gate is the origination circuit breaker check.
type Gate interface {
	AssertOriginationAllowed(ctx context.Context, partnerID uuid.UUID) error
}

// Enqueuer is the slice of the pipeline the loan service drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, loanID uuid.UUID, payload action.Payload, actionKey string) (*models.ChainAction, error)
}

// Service owns the loan lifecycle.
type Service struct {
	db        *gorm.DB
	gate      Gate
	enqueue   Enqueuer
	fiat      *fiat.Service
	schedules *schedule.Store
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the loan service.
func NewService(db *gorm.DB, gate Gate, enqueue Enqueuer, fiatSvc *fiat.Service, schedules *schedule.Store, logger *slog.Logger, now func() time.Time) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:        db,
		gate:      gate,
		enqueue:   enqueue,
		fiat:      fiatSvc,
		schedules: schedules,
		logger:    logger.With("component", "loan"),
		now:       now,
	}
}

// CreateLoanInput describes one origination request.
type CreateLoanInput struct {
	PartnerID          uuid.UUID
	BorrowerPhone      string
	PrincipalUsdc      *big.Int
	InterestRateBps    int64
	StartTimestamp     int64
	IntervalSeconds    int64
	InstallmentCount   int
	GracePeriodSeconds int64
	PenaltyAprBps      int64
}

// CreateLoan originates a loan. The breaker gate runs before any state is
// written; a refusal leaves nothing behind. On success the loan is PENDING
// with its contract deployment queued and its schedule committed.
func (s *Service) CreateLoan(ctx context.Context, in CreateLoanInput) (*models.Loan, error) {
	if err := s.gate.AssertOriginationAllowed(ctx, in.PartnerID); err != nil {
		return nil, err
	}

	var partner models.Partner
	err := s.db.WithContext(ctx).First(&partner, "id = ?", in.PartnerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("loan: partner %s not found", in.PartnerID)
	}
	if err != nil {
		return nil, fmt.Errorf("loan: load partner: %w", err)
	}
	if partner.Status != models.PartnerActive {
		return nil, fmt.Errorf("%w: partner %s is %s", ErrPartnerNotActive, partner.ID, partner.Status)
	}

	loan := models.Loan{
		ID:              uuid.New(),
		PartnerID:       partner.ID,
		PoolID:          partner.PoolID,
		BorrowerPhone:   in.BorrowerPhone,
		PrincipalUsdc:   models.NewBigInt(in.PrincipalUsdc),
		InterestRateBps: in.InterestRateBps,
		State:           models.LoanPending,
	}
	if err := s.db.WithContext(ctx).Create(&loan).Error; err != nil {
		return nil, fmt.Errorf("loan: create loan: %w", err)
	}

	if _, err := s.enqueue.Enqueue(ctx, loan.ID, action.CreateLoan{
		PartnerID:       partner.ID.String(),
		PrincipalUsdc:   loan.PrincipalUsdc,
		InterestRateBps: loan.InterestRateBps,
	}, KeyCreateLoan+":"+loan.ID.String()); err != nil && !errors.Is(err, pipeline.ErrDuplicateActionKey) {
		return nil, fmt.Errorf("loan: enqueue contract deployment: %w", err)
	}

	result, err := schedule.Generate(schedule.Params{
		LoanID:             loan.ID.String(),
		PrincipalUsdc:      in.PrincipalUsdc,
		InterestRateBps:    in.InterestRateBps,
		StartTimestamp:     in.StartTimestamp,
		IntervalSeconds:    in.IntervalSeconds,
		InstallmentCount:   in.InstallmentCount,
		GracePeriodSeconds: in.GracePeriodSeconds,
		PenaltyAprBps:      in.PenaltyAprBps,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.schedules.Save(ctx, loan.ID, result); err != nil && !errors.Is(err, schedule.ErrScheduleExists) {
		return nil, err
	}

	s.logger.Info("loan originated", "loan_id", loan.ID, "partner_id", partner.ID, "principal_usdc", loan.PrincipalUsdc.Int.String())
	return &loan, nil
}

// Disburse pays out the principal to the borrower over the fiat rail. Only
// deployed loans can disburse.
func (s *Service) Disburse(ctx context.Context, loanID uuid.UUID, amountKes models.BigInt) (*models.FiatTransfer, error) {
	loan, err := s.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.State != models.LoanDeployed {
		return nil, fmt.Errorf("%w: disburse requires DEPLOYED, loan %s is %s", ErrInvalidState, loan.ID, loan.State)
	}
	return s.fiat.InitiateDisbursement(ctx, loan, amountKes, loan.BorrowerPhone)
}

// Get loads one loan.
func (s *Service) Get(ctx context.Context, loanID uuid.UUID) (*models.Loan, error) {
	var loan models.Loan
	err := s.db.WithContext(ctx).First(&loan, "id = ?", loanID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("loan: loan %s not found", loanID)
	}
	if err != nil {
		return nil, fmt.Errorf("loan: load loan: %w", err)
	}
	return &loan, nil
}

// HandleMined is the pipeline's mined-action router. Every terminal
// confirmation flows through here exactly once per action.
func (s *Service) HandleMined(ctx context.Context, act models.ChainAction, rcpt chain.Receipt) {
	var err error
	switch act.Type {
	case models.ActionCreateLoan:
		err = s.onContractDeployed(ctx, &act, rcpt)
	case models.ActionFundLoan, models.ActionConfigureSchedule:
		s.logger.Info("chain action mined", "type", act.Type, "loan_id", act.LoanID, "tx_hash", act.TxHash)
	case models.ActionRecordDisbursement:
		err = s.onDisbursementRecorded(ctx, &act)
	case models.ActionActivateLoan:
		err = s.onLoanActivated(ctx, &act)
	case models.ActionRepay, models.ActionRecordRepayment:
		err = s.onRepaymentMined(ctx, &act)
	default:
		s.logger.Warn("mined action with unknown type", "type", act.Type, "action_id", act.ID)
	}
	if err != nil {
		s.logger.Error("mined action handling failed", "type", act.Type, "action_id", act.ID, "error", err)
	}
}

func (s *Service) onContractDeployed(ctx context.Context, act *models.ChainAction, rcpt chain.Receipt) error {
	if rcpt.LoanContract == "" {
		return fmt.Errorf("loan: deployment receipt for %s carries no contract address", act.LoanID)
	}
	res := s.db.WithContext(ctx).Model(&models.Loan{}).
		Where("id = ? AND state = ?", act.LoanID, models.LoanPending).
		Updates(map[string]interface{}{
			"contract_address": rcpt.LoanContract,
			"state":            models.LoanDeployed,
		})
	if res.Error != nil {
		return fmt.Errorf("loan: mark deployed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Warn("deployment confirmation out of order", "loan_id", act.LoanID)
		return nil
	}

	loan, err := s.Get(ctx, act.LoanID)
	if err != nil {
		return err
	}
	if _, err := s.enqueue.Enqueue(ctx, loan.ID, action.FundLoan{
		AmountUsdc: loan.PrincipalUsdc,
	}, KeyFundLoan+":"+loan.ID.String()); err != nil && !errors.Is(err, pipeline.ErrDuplicateActionKey) {
		return fmt.Errorf("loan: enqueue funding: %w", err)
	}
	s.logger.Info("loan contract deployed", "loan_id", loan.ID, "contract", rcpt.LoanContract)
	return nil
}

func (s *Service) onDisbursementRecorded(ctx context.Context, act *models.ChainAction) error {
	transferID, err := transferIDFromKey(act)
	if err != nil {
		return err
	}
	if err := s.fiat.OnRecordDisbursementConfirmed(ctx, transferID); err != nil {
		return err
	}
	// The recorded disbursement is what the balance reconciliation compares
	// against, so the on-chain principal proxy snaps to the full principal.
	return s.db.WithContext(ctx).Model(&models.Loan{}).
		Where("id = ?", act.LoanID).
		Update("onchain_principal", gorm.Expr("principal_usdc")).Error
}

func (s *Service) onLoanActivated(ctx context.Context, act *models.ChainAction) error {
	transferID, err := transferIDFromKey(act)
	if err != nil {
		return err
	}
	activated, err := s.fiat.OnActivateLoanConfirmed(ctx, transferID)
	if err != nil {
		return err
	}
	if !activated {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&models.Loan{}).
		Where("id = ? AND state = ?", act.LoanID, models.LoanDisbursing).
		Updates(map[string]interface{}{
			"state":                 models.LoanActive,
			"fiat_disbursement_ref": transferID.String(),
		})
	if res.Error != nil {
		return fmt.Errorf("loan: mark active: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Warn("activation out of order", "loan_id", act.LoanID)
		return nil
	}
	s.logger.Info("loan activated", "loan_id", act.LoanID, "transfer_id", transferID)
	return nil
}

func (s *Service) onRepaymentMined(ctx context.Context, act *models.ChainAction) error {
	transferID, err := transferIDFromKey(act)
	if err != nil {
		return err
	}
	transfer, err := s.fiat.OnRepayConfirmed(ctx, transferID)
	if err != nil {
		return err
	}
	// Both on-chain legs share the transfer; the waterfall runs only when the
	// status actually advanced, so the second mined event applies nothing.
	if transfer.Status != models.TransferChainRepayConfirmed || act.Type != models.ActionRepay {
		return nil
	}
	return s.ApplyRepayment(ctx, act.LoanID, transfer.AmountUsdc.Big())
}

func transferIDFromKey(act *models.ChainAction) (uuid.UUID, error) {
	if act.ActionKey == nil {
		return uuid.Nil, fmt.Errorf("loan: mined %s action %s has no action key", act.Type, act.ID)
	}
	_, transferID, err := fiat.ParseActionKey(*act.ActionKey)
	return transferID, err
}

// ApplyRepayment runs the waterfall: penalty, then interest, then principal,
// oldest entry first. Whatever remains after the last entry is ignored; the
// reconciliation run will surface genuine overpayments.
func (s *Service) ApplyRepayment(ctx context.Context, loanID uuid.UUID, amountUsdc *big.Int) error {
	if amountUsdc == nil || amountUsdc.Sign() <= 0 {
		return nil
	}
	remaining := new(big.Int).Set(amountUsdc)
	principalApplied := new(big.Int)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []models.InstallmentEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("loan_id = ? AND status NOT IN ?", loanID, []models.EntryStatus{models.EntryPaid, models.EntryWaived}).
			Order("due_timestamp asc").
			Find(&entries).Error
		if err != nil {
			return fmt.Errorf("loan: load entries: %w", err)
		}

		for i := range entries {
			if remaining.Sign() <= 0 {
				break
			}
			entry := &entries[i]

			penalty := entry.PenaltyAccrued.Big()
			paidPenalty := drain(remaining, penalty)
			interestOwed := new(big.Int).Sub(entry.InterestDue.Big(), entry.InterestPaid.Big())
			paidInterest := drain(remaining, interestOwed)
			principalOwed := new(big.Int).Sub(entry.PrincipalDue.Big(), entry.PrincipalPaid.Big())
			paidPrincipal := drain(remaining, principalOwed)
			principalApplied.Add(principalApplied, paidPrincipal)

			newPenalty := new(big.Int).Sub(penalty, paidPenalty)
			newInterestPaid := new(big.Int).Add(entry.InterestPaid.Big(), paidInterest)
			newPrincipalPaid := new(big.Int).Add(entry.PrincipalPaid.Big(), paidPrincipal)

			updates := map[string]interface{}{
				"penalty_accrued": models.NewBigInt(newPenalty),
				"interest_paid":   models.NewBigInt(newInterestPaid),
				"principal_paid":  models.NewBigInt(newPrincipalPaid),
			}
			settled := newPenalty.Sign() == 0 &&
				newInterestPaid.Cmp(entry.InterestDue.Big()) >= 0 &&
				newPrincipalPaid.Cmp(entry.PrincipalDue.Big()) >= 0
			if settled {
				updates["status"] = models.EntryPaid
				updates["accrual_status"] = models.AccrualCurrent
				updates["days_past_due"] = 0
				updates["delinquent_since"] = nil
			}
			if err := tx.Model(&models.InstallmentEntry{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("loan: apply to entry %s: %w", entry.ID, err)
			}
		}

		if principalApplied.Sign() > 0 {
			var loan models.Loan
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&loan, "id = ?", loanID).Error; err != nil {
				return fmt.Errorf("loan: load loan: %w", err)
			}
			onchain := new(big.Int).Sub(loan.OnchainPrincipal.Big(), principalApplied)
			if onchain.Sign() < 0 {
				onchain.SetInt64(0)
			}
			if err := tx.Model(&models.Loan{}).Where("id = ?", loanID).
				Update("onchain_principal", models.NewBigInt(onchain)).Error; err != nil {
				return fmt.Errorf("loan: update onchain principal: %w", err)
			}
		}

		var open int64
		err = tx.Model(&models.InstallmentEntry{}).
			Where("loan_id = ? AND status NOT IN ?", loanID, []models.EntryStatus{models.EntryPaid, models.EntryWaived}).
			Count(&open).Error
		if err != nil {
			return fmt.Errorf("loan: count open entries: %w", err)
		}
		if open == 0 {
			if err := tx.Model(&models.Loan{}).
				Where("id = ? AND state = ?", loanID, models.LoanActive).
				Update("state", models.LoanClosed).Error; err != nil {
				return fmt.Errorf("loan: close loan: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("repayment applied", "loan_id", loanID, "amount_usdc", amountUsdc.String(), "principal_applied", principalApplied.String())
	return nil
}

// drain moves min(remaining, owed) out of remaining and returns it.
func drain(remaining, owed *big.Int) *big.Int {
	if owed.Sign() <= 0 || remaining.Sign() <= 0 {
		return new(big.Int)
	}
	paid := new(big.Int).Set(owed)
	if remaining.Cmp(owed) < 0 {
		paid.Set(remaining)
	}
	remaining.Sub(remaining, paid)
	return paid
}
