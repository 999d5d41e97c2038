// Package recon runs the nightly balance, integrity, and settlement jobs.
// Each run persists a ReconReport row; breaches open incidents through the
// breaker so origination halts until an operator resolves them.
package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loanbridge/breaker"
	"loanbridge/models"
	"loanbridge/observability"
	"loanbridge/schedule"
)

// Tolerances. Amounts are USDC minor units (10^-6).
const (
	BalanceToleranceUsdc  = 1_000_000
	RoundingToleranceUsdc = 1_000_000
	TimingToleranceSecs   = 3_600
)

// Report kinds persisted per run.
const (
	KindBalance    = "BALANCE"
	KindIntegrity  = "INTEGRITY"
	KindSettlement = "SETTLEMENT"
)

// Reconciler drives the scheduled integrity jobs.
type Reconciler struct {
	db      *gorm.DB
	breaker *breaker.Service
	metrics *observability.ReconMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewReconciler constructs the reconciler.
func NewReconciler(db *gorm.DB, brk *breaker.Service, metrics *observability.ReconMetrics, logger *slog.Logger, now func() time.Time) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{db: db, breaker: brk, metrics: metrics, logger: logger.With("component", "recon"), now: now}
}

// Mismatch is one loan whose backend and on-chain balances diverge.
type Mismatch struct {
	LoanID       uuid.UUID `json:"loanId"`
	BackendTotal string    `json:"backendTotal"`
	OnchainValue string    `json:"onchainValue"`
	Delta        string    `json:"delta"`
}

type balanceSummary struct {
	LoansChecked int        `json:"loansChecked"`
	Mismatches   []Mismatch `json:"mismatches"`
}

// RunBalance compares each active loan's backend outstanding total against
// the on-chain principal proxy. A divergence above one USDC opens a CRITICAL
// incident carrying the delta.
func (r *Reconciler) RunBalance(ctx context.Context) (*models.ReconReport, error) {
	var loans []models.Loan
	err := r.db.WithContext(ctx).
		Where("state = ?", models.LoanActive).
		Find(&loans).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load active loans: %w", err)
	}

	summary := balanceSummary{Mismatches: []Mismatch{}}
	tolerance := big.NewInt(BalanceToleranceUsdc)
	for i := range loans {
		loan := &loans[i]
		backendTotal, hasSchedule, err := r.backendTotal(ctx, loan.ID)
		if err != nil {
			r.logger.Error("backend total failed", "loan_id", loan.ID, "error", err)
			continue
		}
		if !hasSchedule {
			continue
		}
		summary.LoansChecked += 1

		onchain := loan.OnchainPrincipal.Big()
		delta := new(big.Int).Sub(backendTotal, onchain)
		if new(big.Int).Abs(delta).Cmp(tolerance) <= 0 {
			continue
		}
		loanID := loan.ID
		summary.Mismatches = append(summary.Mismatches, Mismatch{
			LoanID:       loanID,
			BackendTotal: backendTotal.String(),
			OnchainValue: onchain.String(),
			Delta:        delta.String(),
		})
		_, created, err := r.breaker.RaiseAlert(ctx, models.IncidentBalanceMismatch, models.SeverityCritical, nil, &loanID,
			fmt.Sprintf("loan %s: backend %s vs onchain %s", loanID, backendTotal, onchain), delta)
		if err != nil {
			r.logger.Error("raise balance incident", "loan_id", loanID, "error", err)
		} else if created {
			r.metrics.RecordIncident(string(models.IncidentBalanceMismatch))
		}
	}

	report, err := r.persistReport(ctx, KindBalance, summary, len(summary.Mismatches))
	if err != nil {
		return nil, err
	}
	r.metrics.RecordRun(KindBalance, outcome(len(summary.Mismatches)))
	r.logger.Info("balance reconciliation complete", "loans", summary.LoansChecked, "mismatches", len(summary.Mismatches))
	return report, nil
}

// backendTotal sums remaining principal, remaining interest, and accrued
// penalty over a loan's unpaid entries.
func (r *Reconciler) backendTotal(ctx context.Context, loanID uuid.UUID) (*big.Int, bool, error) {
	var entries []models.InstallmentEntry
	err := r.db.WithContext(ctx).
		Where("loan_id = ? AND status NOT IN ?", loanID, []models.EntryStatus{models.EntryPaid, models.EntryWaived}).
		Find(&entries).Error
	if err != nil {
		return nil, false, err
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.InstallmentSchedule{}).
		Where("loan_id = ?", loanID).Count(&count).Error; err != nil {
		return nil, false, err
	}
	if count == 0 {
		return nil, false, nil
	}

	total := new(big.Int)
	for i := range entries {
		entry := &entries[i]
		total.Add(total, new(big.Int).Sub(entry.PrincipalDue.Big(), entry.PrincipalPaid.Big()))
		total.Add(total, new(big.Int).Sub(entry.InterestDue.Big(), entry.InterestPaid.Big()))
		total.Add(total, entry.PenaltyAccrued.Big())
	}
	return total, true, nil
}

type integritySummary struct {
	SchedulesChecked int      `json:"schedulesChecked"`
	HashMismatches   []string `json:"hashMismatches"`
	DoubleCharges    []string `json:"doubleCharges"`
	RoundingDrift    []string `json:"roundingDrift"`
	TimingDrift      []string `json:"timingDrift"`
}

// RunIntegrity verifies schedule hashes, accrual idempotency, and schedule
// arithmetic drift.
func (r *Reconciler) RunIntegrity(ctx context.Context) (*models.ReconReport, error) {
	summary := integritySummary{
		HashMismatches: []string{},
		DoubleCharges:  []string{},
		RoundingDrift:  []string{},
		TimingDrift:    []string{},
	}

	var schedules []models.InstallmentSchedule
	if err := r.db.WithContext(ctx).Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("recon: load schedules: %w", err)
	}
	for i := range schedules {
		sched := &schedules[i]
		summary.SchedulesChecked += 1
		r.checkHash(ctx, sched, &summary)
		r.checkDrift(ctx, sched, &summary)
	}
	r.checkDoubleCharges(ctx, &summary)

	critical := len(summary.HashMismatches) + len(summary.DoubleCharges)
	report, err := r.persistReport(ctx, KindIntegrity, summary, critical)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordRun(KindIntegrity, outcome(critical+len(summary.RoundingDrift)+len(summary.TimingDrift)))
	r.logger.Info("integrity run complete",
		"schedules", summary.SchedulesChecked,
		"hash_mismatches", len(summary.HashMismatches),
		"double_charges", len(summary.DoubleCharges),
		"rounding_drift", len(summary.RoundingDrift),
		"timing_drift", len(summary.TimingDrift))
	return report, nil
}

func (r *Reconciler) checkHash(ctx context.Context, sched *models.InstallmentSchedule, summary *integritySummary) {
	if schedule.HashJSON(sched.ScheduleJSON) == sched.ScheduleHash {
		return
	}
	loanID := sched.LoanID
	summary.HashMismatches = append(summary.HashMismatches, loanID.String())
	_, created, err := r.breaker.RaiseAlert(ctx, models.IncidentScheduleHash, models.SeverityCritical, nil, &loanID,
		fmt.Sprintf("loan %s: stored schedule hash does not match document", loanID), nil)
	if err != nil {
		r.logger.Error("raise hash incident", "loan_id", loanID, "error", err)
	} else if created {
		r.metrics.RecordIncident(string(models.IncidentScheduleHash))
	}
}

// checkDrift validates that entry rows still agree with their schedule:
// principal sums within one USDC (rounding drift, HIGH) and due timestamps
// within one hour of the configured lattice (timing drift, MEDIUM).
func (r *Reconciler) checkDrift(ctx context.Context, sched *models.InstallmentSchedule, summary *integritySummary) {
	var entries []models.InstallmentEntry
	err := r.db.WithContext(ctx).
		Order("installment_index asc").
		Find(&entries, "schedule_id = ?", sched.ID).Error
	if err != nil {
		r.logger.Error("load entries for drift check", "schedule_id", sched.ID, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	loanID := sched.LoanID

	principalSum := new(big.Int)
	for i := range entries {
		principalSum.Add(principalSum, entries[i].PrincipalDue.Big())
	}
	drift := new(big.Int).Sub(principalSum, sched.PrincipalUsdc.Big())
	if new(big.Int).Abs(drift).Cmp(big.NewInt(RoundingToleranceUsdc)) > 0 {
		summary.RoundingDrift = append(summary.RoundingDrift, loanID.String())
		_, created, err := r.breaker.RaiseAlert(ctx, models.IncidentRoundingDrift, models.SeverityHigh, nil, &loanID,
			fmt.Sprintf("loan %s: entry principal sum %s vs schedule principal %s", loanID, principalSum, sched.PrincipalUsdc.Int.String()), drift)
		if err != nil {
			r.logger.Error("raise rounding incident", "loan_id", loanID, "error", err)
		} else if created {
			r.metrics.RecordIncident(string(models.IncidentRoundingDrift))
		}
	}

	for i := range entries {
		expected := sched.StartTimestamp + int64(entries[i].InstallmentIndex+1)*sched.IntervalSeconds
		diff := entries[i].DueTimestamp - expected
		if diff < 0 {
			diff = -diff
		}
		if diff <= TimingToleranceSecs {
			continue
		}
		summary.TimingDrift = append(summary.TimingDrift, loanID.String())
		// Timing drift is advisory: MEDIUM, no breaker trip.
		incident := models.Incident{
			ID:       uuid.New(),
			Type:     models.IncidentTimingDrift,
			Severity: models.SeverityMedium,
			Status:   models.IncidentOpen,
			LoanID:   &loanID,
			Details:  fmt.Sprintf("entry %d due %d, expected %d", entries[i].InstallmentIndex, entries[i].DueTimestamp, expected),
		}
		var existing int64
		r.db.WithContext(ctx).Model(&models.Incident{}).
			Where("type = ? AND status = ? AND loan_id = ?", models.IncidentTimingDrift, models.IncidentOpen, loanID).
			Count(&existing)
		if existing > 0 {
			break
		}
		if err := r.db.WithContext(ctx).Create(&incident).Error; err != nil {
			r.logger.Error("raise timing incident", "loan_id", loanID, "error", err)
		} else {
			r.metrics.RecordIncident(string(models.IncidentTimingDrift))
		}
		break
	}
}

func (r *Reconciler) checkDoubleCharges(ctx context.Context, summary *integritySummary) {
	type dup struct {
		EntryID    uuid.UUID
		HourBucket int64
		N          int64
	}
	var dups []dup
	err := r.db.WithContext(ctx).Model(&models.AccrualSnapshot{}).
		Select("entry_id, hour_bucket, COUNT(*) as n").
		Group("entry_id, hour_bucket").
		Having("COUNT(*) > 1").
		Scan(&dups).Error
	if err != nil {
		r.logger.Error("scan accrual snapshots", "error", err)
		return
	}
	for _, d := range dups {
		summary.DoubleCharges = append(summary.DoubleCharges, d.EntryID.String())
		_, created, err := r.breaker.RaiseAlert(ctx, models.IncidentAccrualDoubleCharge, models.SeverityCritical, nil, nil,
			fmt.Sprintf("entry %s charged %d times in hour bucket %d", d.EntryID, d.N, d.HourBucket), nil)
		if err != nil {
			r.logger.Error("raise double charge incident", "entry_id", d.EntryID, "error", err)
		} else if created {
			r.metrics.RecordIncident(string(models.IncidentAccrualDoubleCharge))
		}
	}
}

func (r *Reconciler) persistReport(ctx context.Context, kind string, summary interface{}, criticalCount int) (*models.ReconReport, error) {
	encoded, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("recon: encode %s summary: %w", kind, err)
	}
	report := models.ReconReport{
		ID:            uuid.New(),
		Kind:          kind,
		RunAt:         r.now().UTC(),
		Summary:       string(encoded),
		CriticalCount: criticalCount,
	}
	if err := r.db.WithContext(ctx).Create(&report).Error; err != nil {
		return nil, fmt.Errorf("recon: persist %s report: %w", kind, err)
	}
	return &report, nil
}

func outcome(problems int) string {
	if problems > 0 {
		return "mismatch"
	}
	return "clean"
}

// OpsSummary is the admin reconciliation view.
type OpsSummary struct {
	CriticalMismatches []models.Incident          `json:"criticalMismatches"`
	Summary            map[string]json.RawMessage `json:"summary"`
}

// Summary returns the open critical incidents and the latest report of each
// kind for the admin surface.
func (r *Reconciler) Summary(ctx context.Context) (*OpsSummary, error) {
	out := &OpsSummary{Summary: map[string]json.RawMessage{}}
	err := r.db.WithContext(ctx).
		Where("status = ? AND severity = ?", models.IncidentOpen, models.SeverityCritical).
		Order("created_at desc").
		Find(&out.CriticalMismatches).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load critical incidents: %w", err)
	}
	for _, kind := range []string{KindBalance, KindIntegrity, KindSettlement} {
		var report models.ReconReport
		err := r.db.WithContext(ctx).
			Where("kind = ?", kind).
			Order("run_at desc").
			First(&report).Error
		if err != nil {
			continue
		}
		out.Summary[kind] = json.RawMessage(report.Summary)
	}
	return out, nil
}
