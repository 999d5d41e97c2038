package breaker

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"loanbridge/models"
)

// Metric windows.
const (
	delinquencyWindow = 14 * 24 * time.Hour
	defaultWindow     = 30 * 24 * time.Hour
)

// PartnerMetrics is one partner's daily risk snapshot.
type PartnerMetrics struct {
	PartnerID           uuid.UUID
	ActiveLoans         int64
	DelinquentLoans14d  int64
	DefaultedLoans30d   int64
	DelinquencyRateBps  int64
	DefaultRateBps      int64
	OutstandingExposure *big.Int
}

// RunFeed computes per-partner delinquency and default rates and pushes them
// through the evaluators. Runs daily after the accrual evaluation so the
// entry ladder is fresh.
func (s *Service) RunFeed(ctx context.Context) ([]PartnerMetrics, error) {
	var partnerIDs []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Loan{}).
		Distinct("partner_id").
		Where("state IN ?", []models.LoanState{models.LoanActive, models.LoanDefaulted}).
		Pluck("partner_id", &partnerIDs).Error
	if err != nil {
		return nil, fmt.Errorf("breaker: list partners with loans: %w", err)
	}

	now := s.now().UTC()
	out := make([]PartnerMetrics, 0, len(partnerIDs))
	for _, partnerID := range partnerIDs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		metrics, err := s.partnerMetrics(ctx, partnerID, now)
		if err != nil {
			s.logger.Error("partner metrics failed", "partner_id", partnerID, "error", err)
			continue
		}
		if _, err := s.EvaluateDelinquencySpike(ctx, partnerID, metrics.DelinquencyRateBps); err != nil {
			s.logger.Error("delinquency evaluation failed", "partner_id", partnerID, "error", err)
		}
		if _, err := s.EvaluatePartnerDefaultSpike(ctx, partnerID, metrics.DefaultRateBps); err != nil {
			s.logger.Error("default evaluation failed", "partner_id", partnerID, "error", err)
		}
		out = append(out, *metrics)
	}
	s.logger.Info("breaker feed complete", "partners", len(out))
	return out, nil
}

func (s *Service) partnerMetrics(ctx context.Context, partnerID uuid.UUID, now time.Time) (*PartnerMetrics, error) {
	metrics := &PartnerMetrics{PartnerID: partnerID, OutstandingExposure: new(big.Int)}

	err := s.db.WithContext(ctx).Model(&models.Loan{}).
		Where("partner_id = ? AND state IN ?", partnerID, []models.LoanState{models.LoanActive, models.LoanDefaulted}).
		Count(&metrics.ActiveLoans).Error
	if err != nil {
		return nil, fmt.Errorf("count loans: %w", err)
	}
	if metrics.ActiveLoans == 0 {
		return metrics, nil
	}

	err = s.db.WithContext(ctx).Model(&models.InstallmentEntry{}).
		Distinct("installment_entries.loan_id").
		Joins("JOIN loans ON loans.id = installment_entries.loan_id").
		Where("loans.partner_id = ?", partnerID).
		Where("installment_entries.delinquent_since >= ?", now.Add(-delinquencyWindow)).
		Count(&metrics.DelinquentLoans14d).Error
	if err != nil {
		return nil, fmt.Errorf("count delinquent loans: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&models.Loan{}).
		Where("partner_id = ? AND state = ? AND updated_at >= ?", partnerID, models.LoanDefaulted, now.Add(-defaultWindow)).
		Count(&metrics.DefaultedLoans30d).Error
	if err != nil {
		return nil, fmt.Errorf("count defaulted loans: %w", err)
	}

	var principals []models.BigInt
	err = s.db.WithContext(ctx).Model(&models.Loan{}).
		Where("partner_id = ? AND state IN ?", partnerID, []models.LoanState{models.LoanActive, models.LoanDefaulted}).
		Pluck("principal_usdc", &principals).Error
	if err != nil {
		return nil, fmt.Errorf("sum exposure: %w", err)
	}
	for i := range principals {
		metrics.OutstandingExposure.Add(metrics.OutstandingExposure, &principals[i].Int)
	}

	metrics.DelinquencyRateBps = metrics.DelinquentLoans14d * 10_000 / metrics.ActiveLoans
	metrics.DefaultRateBps = metrics.DefaultedLoans30d * 10_000 / metrics.ActiveLoans
	return metrics, nil
}
