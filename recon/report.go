package recon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loanbridge/models"
)

// GlobalPoolID keys the cross-pool rollup row in the daily report table.
const GlobalPoolID = "global"

// PoolReport is one pool's daily rollup. Amounts are USDC minor units encoded
// as decimal strings.
type PoolReport struct {
	PoolID               string             `json:"poolId"`
	ReportDate           string             `json:"reportDate"`
	ActiveLoans          int64              `json:"activeLoans"`
	OutstandingPrincipal string             `json:"outstandingPrincipal"`
	OutstandingInterest  string             `json:"outstandingInterest"`
	PenaltyAccrued       string             `json:"penaltyAccrued"`
	FiatRepayments       string             `json:"fiatRepaymentsKes"`
	ChainRepayments      string             `json:"chainRepaymentsUsdc"`
	DelinquencyBuckets   DelinquencyBuckets `json:"delinquencyBuckets"`
	DefaultedLoans       []string           `json:"defaultedLoans"`
}

// DelinquencyBuckets counts loans by worst days past due.
type DelinquencyBuckets struct {
	Dpd0To5   int64 `json:"0_5"`
	Dpd6To15  int64 `json:"6_15"`
	Dpd16To30 int64 `json:"16_30"`
	Dpd31Plus int64 `json:"31_plus"`
}

// ReportBuilder produces the archived daily rollups.
type ReportBuilder struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewReportBuilder constructs the report builder.
func NewReportBuilder(db *gorm.DB, logger *slog.Logger, now func() time.Time) *ReportBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &ReportBuilder{db: db, logger: logger.With("component", "report"), now: now}
}

// RunDaily builds and persists one report per pool plus the global rollup.
// Re-running for the same date replaces the previous rows.
func (b *ReportBuilder) RunDaily(ctx context.Context) ([]PoolReport, error) {
	reportDate := b.now().UTC().Format("2006-01-02")

	var poolIDs []string
	err := b.db.WithContext(ctx).Model(&models.Loan{}).
		Distinct("pool_id").
		Pluck("pool_id", &poolIDs).Error
	if err != nil {
		return nil, fmt.Errorf("recon: list pools: %w", err)
	}

	reports := make([]PoolReport, 0, len(poolIDs)+1)
	for _, poolID := range poolIDs {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		report, err := b.buildPool(ctx, poolID, reportDate)
		if err != nil {
			b.logger.Error("pool report failed", "pool_id", poolID, "error", err)
			continue
		}
		reports = append(reports, *report)
	}
	reports = append(reports, rollup(reports, reportDate))

	for i := range reports {
		if err := b.persist(ctx, &reports[i]); err != nil {
			return nil, err
		}
	}
	b.logger.Info("daily report complete", "date", reportDate, "pools", len(reports)-1)
	return reports, nil
}

func (b *ReportBuilder) buildPool(ctx context.Context, poolID, reportDate string) (*PoolReport, error) {
	report := &PoolReport{PoolID: poolID, ReportDate: reportDate, DefaultedLoans: []string{}}

	var loans []models.Loan
	err := b.db.WithContext(ctx).
		Where("pool_id = ? AND state IN ?", poolID, []models.LoanState{models.LoanActive, models.LoanDefaulted}).
		Find(&loans).Error
	if err != nil {
		return nil, fmt.Errorf("load loans: %w", err)
	}

	principal := new(big.Int)
	interest := new(big.Int)
	penalty := new(big.Int)
	loanIDs := make([]uuid.UUID, 0, len(loans))
	for i := range loans {
		loan := &loans[i]
		loanIDs = append(loanIDs, loan.ID)
		if loan.State == models.LoanActive {
			report.ActiveLoans += 1
		} else {
			report.DefaultedLoans = append(report.DefaultedLoans, loan.ID.String())
		}
	}

	if len(loanIDs) > 0 {
		var entries []models.InstallmentEntry
		err = b.db.WithContext(ctx).
			Where("loan_id IN ? AND status NOT IN ?", loanIDs, []models.EntryStatus{models.EntryPaid, models.EntryWaived}).
			Find(&entries).Error
		if err != nil {
			return nil, fmt.Errorf("load entries: %w", err)
		}
		worstDpd := map[uuid.UUID]int{}
		for i := range entries {
			entry := &entries[i]
			principal.Add(principal, new(big.Int).Sub(entry.PrincipalDue.Big(), entry.PrincipalPaid.Big()))
			interest.Add(interest, new(big.Int).Sub(entry.InterestDue.Big(), entry.InterestPaid.Big()))
			penalty.Add(penalty, entry.PenaltyAccrued.Big())
			if entry.DaysPastDue > worstDpd[entry.LoanID] {
				worstDpd[entry.LoanID] = entry.DaysPastDue
			}
		}
		for _, loanID := range loanIDs {
			report.DelinquencyBuckets.add(worstDpd[loanID])
		}
	}
	report.OutstandingPrincipal = principal.String()
	report.OutstandingInterest = interest.String()
	report.PenaltyAccrued = penalty.String()

	fiat, chain, err := b.repaymentTotals(ctx, loanIDs)
	if err != nil {
		return nil, err
	}
	report.FiatRepayments = fiat.String()
	report.ChainRepayments = chain.String()
	return report, nil
}

func (b *ReportBuilder) repaymentTotals(ctx context.Context, loanIDs []uuid.UUID) (fiat, chain *big.Int, err error) {
	fiat = new(big.Int)
	chain = new(big.Int)
	if len(loanIDs) == 0 {
		return fiat, chain, nil
	}
	var transfers []models.FiatTransfer
	err = b.db.WithContext(ctx).
		Where("loan_id IN ? AND direction = ? AND confirmed_at IS NOT NULL", loanIDs, models.DirectionInbound).
		Find(&transfers).Error
	if err != nil {
		return nil, nil, fmt.Errorf("load repayments: %w", err)
	}
	for i := range transfers {
		fiat.Add(fiat, transfers[i].AmountKes.Big())
		chain.Add(chain, transfers[i].AmountUsdc.Big())
	}
	return fiat, chain, nil
}

func (buckets *DelinquencyBuckets) add(dpd int) {
	switch {
	case dpd <= 5:
		buckets.Dpd0To5 += 1
	case dpd <= 15:
		buckets.Dpd6To15 += 1
	case dpd <= 30:
		buckets.Dpd16To30 += 1
	default:
		buckets.Dpd31Plus += 1
	}
}

func rollup(pools []PoolReport, reportDate string) PoolReport {
	global := PoolReport{PoolID: GlobalPoolID, ReportDate: reportDate, DefaultedLoans: []string{}}
	principal := new(big.Int)
	interest := new(big.Int)
	penalty := new(big.Int)
	fiat := new(big.Int)
	chain := new(big.Int)
	for i := range pools {
		pool := &pools[i]
		global.ActiveLoans += pool.ActiveLoans
		addDecimal(principal, pool.OutstandingPrincipal)
		addDecimal(interest, pool.OutstandingInterest)
		addDecimal(penalty, pool.PenaltyAccrued)
		addDecimal(fiat, pool.FiatRepayments)
		addDecimal(chain, pool.ChainRepayments)
		global.DelinquencyBuckets.Dpd0To5 += pool.DelinquencyBuckets.Dpd0To5
		global.DelinquencyBuckets.Dpd6To15 += pool.DelinquencyBuckets.Dpd6To15
		global.DelinquencyBuckets.Dpd16To30 += pool.DelinquencyBuckets.Dpd16To30
		global.DelinquencyBuckets.Dpd31Plus += pool.DelinquencyBuckets.Dpd31Plus
		global.DefaultedLoans = append(global.DefaultedLoans, pool.DefaultedLoans...)
	}
	global.OutstandingPrincipal = principal.String()
	global.OutstandingInterest = interest.String()
	global.PenaltyAccrued = penalty.String()
	global.FiatRepayments = fiat.String()
	global.ChainRepayments = chain.String()
	return global
}

func addDecimal(total *big.Int, value string) {
	parsed, ok := new(big.Int).SetString(value, 10)
	if ok {
		total.Add(total, parsed)
	}
}

func (b *ReportBuilder) persist(ctx context.Context, report *PoolReport) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("recon: encode report for pool %s: %w", report.PoolID, err)
	}
	sum := sha256.Sum256(encoded)
	row := models.DailyReport{
		ID:         uuid.New(),
		PoolID:     report.PoolID,
		ReportDate: report.ReportDate,
		ReportJSON: string(encoded),
		Checksum:   hex.EncodeToString(sum[:]),
	}
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("pool_id = ? AND report_date = ?", report.PoolID, report.ReportDate).
			Delete(&models.DailyReport{}).Error
		if err != nil {
			return fmt.Errorf("recon: replace report for pool %s: %w", report.PoolID, err)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("recon: persist report for pool %s: %w", report.PoolID, err)
		}
		return nil
	})
}

// VerifyArchive recomputes each stored report checksum. Mismatches mean the
// archive was altered after the fact.
func (b *ReportBuilder) VerifyArchive(ctx context.Context) ([]uuid.UUID, error) {
	var rows []models.DailyReport
	if err := b.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recon: load daily reports: %w", err)
	}
	var tampered []uuid.UUID
	for i := range rows {
		sum := sha256.Sum256([]byte(rows[i].ReportJSON))
		if hex.EncodeToString(sum[:]) != rows[i].Checksum {
			tampered = append(tampered, rows[i].ID)
		}
	}
	return tampered, nil
}
