package accrual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loanbridge/models"
	"loanbridge/observability"
)

// Job evaluates every unsettled installment entry once per hour.
type Job struct {
	db      *gorm.DB
	metrics *observability.AccrualMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewJob constructs the accrual job.
func NewJob(db *gorm.DB, metrics *observability.AccrualMetrics, logger *slog.Logger, now func() time.Time) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Job{db: db, metrics: metrics, logger: logger.With("component", "accrual"), now: now}
}

// RunStats summarise one accrual pass.
type RunStats struct {
	Evaluated int
	Skipped   int
	Charged   int
}

type dueEntry struct {
	models.InstallmentEntry
	GracePeriodSeconds int64
	PenaltyAprBps      int64
}

// Run evaluates past-due unsettled entries of ACTIVE loans against the
// current hour bucket. Loans that never disbursed or already defaulted stop
// accruing. The per-entry snapshot insert doubles as the idempotency claim: an
// entry whose snapshot already exists for this hour was handled by an earlier
// (possibly crashed) run and is skipped untouched.
func (j *Job) Run(ctx context.Context) (RunStats, error) {
	now := j.now().UTC()
	hourBucket := now.Truncate(time.Hour).Unix()

	var entries []dueEntry
	err := j.db.WithContext(ctx).
		Model(&models.InstallmentEntry{}).
		Select("installment_entries.*, installment_schedules.grace_period_seconds, installment_schedules.penalty_apr_bps").
		Joins("JOIN installment_schedules ON installment_schedules.id = installment_entries.schedule_id").
		Joins("JOIN loans ON loans.id = installment_entries.loan_id").
		Where("loans.state = ?", models.LoanActive).
		Where("installment_entries.status NOT IN ?", []models.EntryStatus{models.EntryPaid, models.EntryWaived}).
		Where("installment_entries.due_timestamp <= ?", now.Unix()).
		Find(&entries).Error
	if err != nil {
		return RunStats{}, fmt.Errorf("accrual: load due entries: %w", err)
	}

	var stats RunStats
	for i := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		charged, skipped, err := j.accrueOne(ctx, &entries[i], now, hourBucket)
		if err != nil {
			j.logger.Error("accrue entry", "entry_id", entries[i].ID, "error", err)
			continue
		}
		stats.Evaluated += 1
		if skipped {
			stats.Skipped += 1
		}
		if charged {
			stats.Charged += 1
		}
	}
	j.metrics.RecordRun(stats.Evaluated, stats.Skipped, stats.Charged)
	j.logger.Info("accrual run complete", "hour_bucket", hourBucket, "evaluated", stats.Evaluated, "skipped", stats.Skipped, "charged", stats.Charged)
	return stats, nil
}

func (j *Job) accrueOne(ctx context.Context, entry *dueEntry, now time.Time, hourBucket int64) (charged, skipped bool, err error) {
	status := Classify(now.Unix(), entry.DueTimestamp, entry.GracePeriodSeconds, false)
	dpd := DaysPastDue(now.Unix(), entry.DueTimestamp)

	delta := new(big.Int)
	if severityRank[status] >= severityRank[models.AccrualDelinquent] {
		unpaid := new(big.Int).Sub(entry.PrincipalDue.Big(), entry.PrincipalPaid.Big())
		delta = PenaltyDelta(unpaid, entry.PenaltyAprBps)
	}

	err = j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snapshot := models.AccrualSnapshot{
			ID:            uuid.New(),
			EntryID:       entry.ID,
			HourBucket:    hourBucket,
			PenaltyDelta:  models.NewBigInt(delta),
			DaysPastDue:   dpd,
			AccrualStatus: status,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				skipped = true
				return nil
			}
			return fmt.Errorf("claim hour bucket: %w", err)
		}

		updates := map[string]interface{}{
			"accrual_status": status,
			"days_past_due":  dpd,
			"status":         entryStatusFor(entry.Status, status),
		}
		if delta.Sign() > 0 {
			accrued := new(big.Int).Add(entry.PenaltyAccrued.Big(), delta)
			updates["penalty_accrued"] = models.NewBigInt(accrued)
			charged = true
		}
		if severityRank[status] >= severityRank[models.AccrualDelinquent] {
			if entry.DelinquentSince == nil {
				updates["delinquent_since"] = now
			}
		} else if entry.DelinquentSince != nil {
			updates["delinquent_since"] = nil
		}
		return tx.Model(&models.InstallmentEntry{}).Where("id = ?", entry.ID).Updates(updates).Error
	})
	return charged, skipped, err
}

// RunDailyEvaluation promotes newly-due entries and defaults loans whose
// ladder reached DEFAULTED.
func (j *Job) RunDailyEvaluation(ctx context.Context) error {
	now := j.now().UTC()

	activeLoans := j.db.Model(&models.Loan{}).Select("id").Where("state = ?", models.LoanActive)
	res := j.db.WithContext(ctx).Model(&models.InstallmentEntry{}).
		Where("status = ? AND due_timestamp <= ?", models.EntryPending, now.Unix()).
		Where("loan_id IN (?)", activeLoans).
		Update("status", models.EntryDue)
	if res.Error != nil {
		return fmt.Errorf("accrual: promote due entries: %w", res.Error)
	}

	var defaultedLoanIDs []uuid.UUID
	err := j.db.WithContext(ctx).Model(&models.InstallmentEntry{}).
		Distinct("loan_id").
		Where("accrual_status = ?", models.AccrualDefaulted).
		Pluck("loan_id", &defaultedLoanIDs).Error
	if err != nil {
		return fmt.Errorf("accrual: find defaulted loans: %w", err)
	}
	if len(defaultedLoanIDs) > 0 {
		move := j.db.WithContext(ctx).Model(&models.Loan{}).
			Where("id IN ? AND state = ?", defaultedLoanIDs, models.LoanActive).
			Update("state", models.LoanDefaulted)
		if move.Error != nil {
			return fmt.Errorf("accrual: default loans: %w", move.Error)
		}
		if move.RowsAffected > 0 {
			j.logger.Warn("loans defaulted", "count", move.RowsAffected)
		}
	}
	j.logger.Info("daily evaluation complete", "entries_promoted", res.RowsAffected, "defaulted_loans", len(defaultedLoanIDs))
	return nil
}

// LoanAccrualStatus returns the worst accrual status across a loan's entries.
func (j *Job) LoanAccrualStatus(ctx context.Context, loanID uuid.UUID) (models.AccrualStatus, error) {
	var statuses []models.AccrualStatus
	err := j.db.WithContext(ctx).Model(&models.InstallmentEntry{}).
		Where("loan_id = ?", loanID).
		Pluck("accrual_status", &statuses).Error
	if err != nil {
		return models.AccrualCurrent, fmt.Errorf("accrual: load statuses for loan %s: %w", loanID, err)
	}
	return Worst(statuses), nil
}
