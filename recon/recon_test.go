package recon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"loanbridge/breaker"
	"loanbridge/models"
	"loanbridge/schedule"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestReconciler(t *testing.T, db *gorm.DB) *Reconciler {
	t.Helper()
	brk := breaker.NewService(db, nil, nil, breaker.Config{})
	return NewReconciler(db, brk, nil, nil, nil)
}

func seedActiveLoan(t *testing.T, db *gorm.DB, onchainPrincipal int64) *models.Loan {
	t.Helper()
	loan := models.Loan{
		ID:               uuid.New(),
		PartnerID:        uuid.New(),
		PoolID:           "pool-a",
		PrincipalUsdc:    models.BigIntFromInt64(onchainPrincipal),
		State:            models.LoanActive,
		OnchainPrincipal: models.BigIntFromInt64(onchainPrincipal),
	}
	if err := db.Create(&loan).Error; err != nil {
		t.Fatalf("seed loan: %v", err)
	}
	return &loan
}

func seedSchedule(t *testing.T, db *gorm.DB, loanID uuid.UUID, principal int64, start, interval int64) *models.InstallmentSchedule {
	t.Helper()
	doc := fmt.Sprintf(`{"loan_id":"%s"}`, loanID)
	sched := models.InstallmentSchedule{
		ID:                loanID, // one schedule per loan; reuse keeps fixtures short
		LoanID:            loanID,
		ScheduleHash:      schedule.HashJSON(doc),
		ScheduleJSON:      doc,
		TotalInstallments: 1,
		PrincipalUsdc:     models.BigIntFromInt64(principal),
		StartTimestamp:    start,
		IntervalSeconds:   interval,
	}
	if err := db.Create(&sched).Error; err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return &sched
}

func seedEntry(t *testing.T, db *gorm.DB, sched *models.InstallmentSchedule, index int, due int64, principalDue, interestDue, penalty int64) *models.InstallmentEntry {
	t.Helper()
	entry := models.InstallmentEntry{
		ID:               uuid.New(),
		ScheduleID:       sched.ID,
		LoanID:           sched.LoanID,
		InstallmentIndex: index,
		DueTimestamp:     due,
		PrincipalDue:     models.BigIntFromInt64(principalDue),
		InterestDue:      models.BigIntFromInt64(interestDue),
		TotalDue:         models.BigIntFromInt64(principalDue + interestDue),
		PenaltyAccrued:   models.BigIntFromInt64(penalty),
		AccrualStatus:    models.AccrualCurrent,
		Status:           models.EntryDue,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return &entry
}

func TestRunBalanceDetectsMismatch(t *testing.T) {
	db := openTestDB(t)
	rec := newTestReconciler(t, db)
	ctx := context.Background()

	// Backend total 12 USDC vs on-chain 10 USDC: 2 USDC over tolerance.
	loan := seedActiveLoan(t, db, 10_000_000)
	sched := seedSchedule(t, db, loan.ID, 10_000_000, 1_700_000_000, 86_400)
	seedEntry(t, db, sched, 0, 1_700_086_400, 10_000_000, 1_500_000, 500_000)

	report, err := rec.RunBalance(ctx)
	if err != nil {
		t.Fatalf("run balance: %v", err)
	}
	if report.CriticalCount != 1 {
		t.Fatalf("critical count = %d, want 1", report.CriticalCount)
	}

	var incident models.Incident
	if err := db.First(&incident, "type = ?", models.IncidentBalanceMismatch).Error; err != nil {
		t.Fatalf("incident missing: %v", err)
	}
	if incident.Severity != models.SeverityCritical {
		t.Fatalf("severity = %s, want CRITICAL", incident.Severity)
	}
	if incident.DeltaUsdc.Int64() != 2_000_000 {
		t.Fatalf("delta = %s, want 2000000", incident.DeltaUsdc.Int.String())
	}
}

func TestRunBalanceWithinTolerance(t *testing.T) {
	db := openTestDB(t)
	rec := newTestReconciler(t, db)
	ctx := context.Background()

	// Exactly one USDC apart: inside tolerance.
	loan := seedActiveLoan(t, db, 10_000_000)
	sched := seedSchedule(t, db, loan.ID, 10_000_000, 1_700_000_000, 86_400)
	seedEntry(t, db, sched, 0, 1_700_086_400, 11_000_000, 0, 0)

	report, err := rec.RunBalance(ctx)
	if err != nil {
		t.Fatalf("run balance: %v", err)
	}
	if report.CriticalCount != 0 {
		t.Fatalf("critical count = %d, want 0", report.CriticalCount)
	}
	var count int64
	db.Model(&models.Incident{}).Count(&count)
	if count != 0 {
		t.Fatalf("incidents = %d, want 0", count)
	}
}

func TestRunBalanceSkipsLoansWithoutSchedule(t *testing.T) {
	db := openTestDB(t)
	rec := newTestReconciler(t, db)

	seedActiveLoan(t, db, 10_000_000)

	report, err := rec.RunBalance(context.Background())
	if err != nil {
		t.Fatalf("run balance: %v", err)
	}
	var summary balanceSummary
	if err := json.Unmarshal([]byte(report.Summary), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.LoansChecked != 0 {
		t.Fatalf("loans checked = %d, want 0", summary.LoansChecked)
	}
}

func TestRunIntegrityHashMismatch(t *testing.T) {
	db := openTestDB(t)
	rec := newTestReconciler(t, db)
	ctx := context.Background()

	loan := seedActiveLoan(t, db, 10_000_000)
	sched := seedSchedule(t, db, loan.ID, 10_000_000, 1_700_000_000, 86_400)
	seedEntry(t, db, sched, 0, 1_700_086_400, 10_000_000, 0, 0)
	if err := db.Model(sched).Update("schedule_json", `{"loan_id":"tampered"}`).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := rec.RunIntegrity(ctx)
	if err != nil {
		t.Fatalf("run integrity: %v", err)
	}
	if report.CriticalCount != 1 {
		t.Fatalf("critical count = %d, want 1", report.CriticalCount)
	}
	var incident models.Incident
	if err := db.First(&incident, "type = ?", models.IncidentScheduleHash).Error; err != nil {
		t.Fatalf("hash incident missing: %v", err)
	}
	if incident.Severity != models.SeverityCritical {
		t.Fatalf("severity = %s, want CRITICAL", incident.Severity)
	}
}

func TestRunIntegrityCleanSchedule(t *testing.T) {
	db := openTestDB(t)
	rec := newTestReconciler(t, db)

	loan := seedActiveLoan(t, db, 10_000_000)
	sched := seedSchedule(t, db, loan.ID, 10_000_000, 1_700_000_000, 86_400)
	seedEntry(t, db, sched, 0, 1_700_086_400, 10_000_000, 0, 0)

	report, err := rec.RunIntegrity(context.Background())
	if err != nil {
		t.Fatalf("run integrity: %v", err)
	}
	if report.CriticalCount != 0 {
		t.Fatalf("critical count = %d, want 0", report.CriticalCount)
	}
	var count int64
	db.Model(&models.Incident{}).Count(&count)
	if count != 0 {
		t.Fatalf("incidents = %d, want 0", count)
	}
}

func TestRunIntegrityRoundingDrift(t *testing.T) {
	db := openTestDB(t)
	rec := newTestReconciler(t, db)
	ctx := context.Background()

	// Entry principal exceeds the schedule principal by 2 USDC.
	loan := seedActiveLoan(t, db, 10_000_000)
	sched := seedSchedule(t, db, loan.ID, 10_000_000, 1_700_000_000, 86_400)
	seedEntry(t, db, sched, 0, 1_700_086_400, 12_000_000, 0, 0)

	if _, err := rec.RunIntegrity(ctx); err != nil {
		t.Fatalf("run integrity: %v", err)
	}
	var incident models.Incident
	if err := db.First(&incident, "type = ?", models.IncidentRoundingDrift).Error; err != nil {
		t.Fatalf("rounding incident missing: %v", err)
	}
	if incident.Severity != models.SeverityHigh {
		t.Fatalf("severity = %s, want HIGH", incident.Severity)
	}
}

func TestRunIntegrityTimingDrift(t *testing.T) {
	db := openTestDB(t)
	rec := newTestReconciler(t, db)
	ctx := context.Background()

	// Due timestamp two hours off the lattice: MEDIUM, no duplicate on re-run.
	loan := seedActiveLoan(t, db, 10_000_000)
	sched := seedSchedule(t, db, loan.ID, 10_000_000, 1_700_000_000, 86_400)
	seedEntry(t, db, sched, 0, 1_700_086_400+7_200, 10_000_000, 0, 0)

	if _, err := rec.RunIntegrity(ctx); err != nil {
		t.Fatalf("run integrity: %v", err)
	}
	var incident models.Incident
	if err := db.First(&incident, "type = ?", models.IncidentTimingDrift).Error; err != nil {
		t.Fatalf("timing incident missing: %v", err)
	}
	if incident.Severity != models.SeverityMedium {
		t.Fatalf("severity = %s, want MEDIUM", incident.Severity)
	}

	if _, err := rec.RunIntegrity(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var count int64
	db.Model(&models.Incident{}).Where("type = ?", models.IncidentTimingDrift).Count(&count)
	if count != 1 {
		t.Fatalf("timing incidents = %d, want 1", count)
	}
}

func TestRunSettlementPersistsAllThreeChecks(t *testing.T) {
	db := openTestDB(t)
	rec := newTestReconciler(t, db)
	ctx := context.Background()

	// Disbursement confirmed but never recorded on chain.
	loan := seedActiveLoan(t, db, 10_000_000)
	confirmed := time.Now().UTC()
	transfer := models.FiatTransfer{
		ID:             uuid.New(),
		LoanID:         loan.ID,
		Direction:      models.DirectionOutbound,
		Status:         models.TransferPayoutConfirmed,
		IdempotencyKey: uuid.NewString(),
		ConfirmedAt:    &confirmed,
	}
	if err := db.Create(&transfer).Error; err != nil {
		t.Fatalf("seed transfer: %v", err)
	}

	report, err := rec.RunSettlement(ctx)
	if err != nil {
		t.Fatalf("run settlement: %v", err)
	}
	if report.CriticalCount != 1 {
		t.Fatalf("critical count = %d, want 1", report.CriticalCount)
	}

	checks, err := rec.LatestChecks(ctx, loan.ID)
	if err != nil {
		t.Fatalf("latest checks: %v", err)
	}
	if len(checks) != 3 {
		t.Fatalf("checks = %d, want 3", len(checks))
	}
	byType := map[models.SettlementCheckType]bool{}
	for _, check := range checks {
		byType[check.CheckType] = check.Passed
	}
	if byType[models.CheckFiatConfirmedNoChain] {
		t.Fatal("FIAT_CONFIRMED_NO_CHAIN passed, want failure")
	}
	if !byType[models.CheckChainRecordNoFiat] {
		t.Fatal("CHAIN_RECORD_NO_FIAT failed, want pass")
	}
	if byType[models.CheckActiveMissingDisbursement] {
		t.Fatal("ACTIVE_MISSING_DISBURSEMENT passed without mined activation")
	}
}

func TestRunSettlementHealthyLoan(t *testing.T) {
	db := openTestDB(t)
	rec := newTestReconciler(t, db)
	ctx := context.Background()

	loan := seedActiveLoan(t, db, 10_000_000)
	confirmed := time.Now().UTC()
	transfer := models.FiatTransfer{
		ID:             uuid.New(),
		LoanID:         loan.ID,
		Direction:      models.DirectionOutbound,
		Status:         models.TransferActivated,
		IdempotencyKey: uuid.NewString(),
		ConfirmedAt:    &confirmed,
	}
	if err := db.Create(&transfer).Error; err != nil {
		t.Fatalf("seed transfer: %v", err)
	}
	for _, actionType := range []models.ActionType{models.ActionRecordDisbursement, models.ActionActivateLoan} {
		action := models.ChainAction{
			ID:     uuid.New(),
			LoanID: loan.ID,
			Type:   actionType,
			State:  models.ActionMined,
		}
		if err := db.Create(&action).Error; err != nil {
			t.Fatalf("seed action: %v", err)
		}
	}

	report, err := rec.RunSettlement(ctx)
	if err != nil {
		t.Fatalf("run settlement: %v", err)
	}
	if report.CriticalCount != 0 {
		t.Fatalf("critical count = %d, want 0", report.CriticalCount)
	}
}

func TestSummaryReturnsLatestReports(t *testing.T) {
	db := openTestDB(t)
	rec := newTestReconciler(t, db)
	ctx := context.Background()

	if _, err := rec.RunBalance(ctx); err != nil {
		t.Fatalf("run balance: %v", err)
	}
	if _, err := rec.RunSettlement(ctx); err != nil {
		t.Fatalf("run settlement: %v", err)
	}

	summary, err := rec.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if _, ok := summary.Summary[KindBalance]; !ok {
		t.Fatal("balance summary missing")
	}
	if _, ok := summary.Summary[KindSettlement]; !ok {
		t.Fatal("settlement summary missing")
	}
	if len(summary.CriticalMismatches) != 0 {
		t.Fatalf("critical mismatches = %d, want 0", len(summary.CriticalMismatches))
	}
}

func TestDailyReportRollup(t *testing.T) {
	db := openTestDB(t)
	builder := NewReportBuilder(db, nil, nil)
	ctx := context.Background()

	loan := seedActiveLoan(t, db, 10_000_000)
	sched := seedSchedule(t, db, loan.ID, 10_000_000, 1_700_000_000, 86_400)
	entry := seedEntry(t, db, sched, 0, 1_700_086_400, 10_000_000, 1_000_000, 250_000)
	if err := db.Model(entry).Update("days_past_due", 20).Error; err != nil {
		t.Fatalf("set dpd: %v", err)
	}

	defaulted := models.Loan{
		ID:            uuid.New(),
		PartnerID:     loan.PartnerID,
		PoolID:        "pool-a",
		PrincipalUsdc: models.BigIntFromInt64(5_000_000),
		State:         models.LoanDefaulted,
	}
	if err := db.Create(&defaulted).Error; err != nil {
		t.Fatalf("seed defaulted loan: %v", err)
	}

	confirmed := time.Now().UTC()
	repayment := models.FiatTransfer{
		ID:             uuid.New(),
		LoanID:         loan.ID,
		Direction:      models.DirectionInbound,
		Status:         models.TransferChainRepayConfirmed,
		IdempotencyKey: uuid.NewString(),
		AmountKes:      models.BigIntFromInt64(129_000),
		AmountUsdc:     models.BigIntFromInt64(1_000_000),
		ConfirmedAt:    &confirmed,
	}
	if err := db.Create(&repayment).Error; err != nil {
		t.Fatalf("seed repayment: %v", err)
	}

	reports, err := builder.RunDaily(ctx)
	if err != nil {
		t.Fatalf("run daily: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want pool + global", len(reports))
	}

	var pool, global *PoolReport
	for i := range reports {
		switch reports[i].PoolID {
		case "pool-a":
			pool = &reports[i]
		case GlobalPoolID:
			global = &reports[i]
		}
	}
	if pool == nil || global == nil {
		t.Fatal("missing pool or global report")
	}
	if pool.ActiveLoans != 1 {
		t.Fatalf("active loans = %d, want 1", pool.ActiveLoans)
	}
	if pool.OutstandingPrincipal != "10000000" || pool.OutstandingInterest != "1000000" || pool.PenaltyAccrued != "250000" {
		t.Fatalf("outstanding = %s/%s/%s", pool.OutstandingPrincipal, pool.OutstandingInterest, pool.PenaltyAccrued)
	}
	if pool.FiatRepayments != "129000" || pool.ChainRepayments != "1000000" {
		t.Fatalf("repayments = %s/%s", pool.FiatRepayments, pool.ChainRepayments)
	}
	if pool.DelinquencyBuckets.Dpd16To30 != 1 {
		t.Fatalf("buckets = %+v, want one loan in 16_30", pool.DelinquencyBuckets)
	}
	if len(pool.DefaultedLoans) != 1 || pool.DefaultedLoans[0] != defaulted.ID.String() {
		t.Fatalf("defaulted loans = %v", pool.DefaultedLoans)
	}
	if global.OutstandingPrincipal != pool.OutstandingPrincipal {
		t.Fatalf("global principal = %s, want %s", global.OutstandingPrincipal, pool.OutstandingPrincipal)
	}
}

func TestDailyReportChecksumAndReplace(t *testing.T) {
	db := openTestDB(t)
	builder := NewReportBuilder(db, nil, nil)
	ctx := context.Background()

	seedActiveLoan(t, db, 10_000_000)

	if _, err := builder.RunDaily(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := builder.RunDaily(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var rows []models.DailyReport
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("load reports: %v", err)
	}
	// One per pool plus global; the re-run replaced, not appended.
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for _, row := range rows {
		sum := sha256.Sum256([]byte(row.ReportJSON))
		if hex.EncodeToString(sum[:]) != row.Checksum {
			t.Fatalf("checksum mismatch for pool %s", row.PoolID)
		}
	}

	tampered, err := builder.VerifyArchive(ctx)
	if err != nil {
		t.Fatalf("verify archive: %v", err)
	}
	if len(tampered) != 0 {
		t.Fatalf("tampered = %v, want none", tampered)
	}
}
