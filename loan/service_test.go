package loan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"loanbridge/action"
	"loanbridge/chain"
	"loanbridge/fiat"
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

type stubGate struct {
	err error
}

func (g *stubGate) AssertOriginationAllowed(context.Context, uuid.UUID) error { return g.err }

type stubEnqueuer struct {
	keys  []string
	types []models.ActionType
}

func (e *stubEnqueuer) Enqueue(_ context.Context, loanID uuid.UUID, payload action.Payload, actionKey string) (*models.ChainAction, error) {
	e.keys = append(e.keys, actionKey)
	e.types = append(e.types, payload.ActionType())
	return &models.ChainAction{ID: uuid.New(), LoanID: loanID, Type: payload.ActionType()}, nil
}

func (e *stubEnqueuer) hasType(t models.ActionType) bool {
	for _, got := range e.types {
		if got == t {
			return true
		}
	}
	return false
}

type stubPayouts struct{}

func (stubPayouts) InitiatePayout(context.Context, fiat.PayoutRequest) (string, error) {
	return "MPESA-REF-1", nil
}

func newTestService(t *testing.T, db *gorm.DB, gate *stubGate) (*Service, *stubEnqueuer) {
	t.Helper()
	enq := &stubEnqueuer{}
	fiatSvc := fiat.NewService(db, enq, stubPayouts{}, nil, nil)
	schedules := schedule.NewStore(db, enq, nil, nil)
	return NewService(db, gate, enq, fiatSvc, schedules, nil, nil), enq
}

func seedPartner(t *testing.T, db *gorm.DB, status models.PartnerStatus) *models.Partner {
	t.Helper()
	partner := models.Partner{
		ID:     uuid.New(),
		Name:   "partner-" + uuid.NewString(),
		Status: status,
		PoolID: "pool-a",
	}
	if err := db.Create(&partner).Error; err != nil {
		t.Fatalf("seed partner: %v", err)
	}
	return &partner
}

func originationInput(partnerID uuid.UUID) CreateLoanInput {
	return CreateLoanInput{
		PartnerID:          partnerID,
		BorrowerPhone:      "254700000001",
		PrincipalUsdc:      big.NewInt(100_000_000),
		InterestRateBps:    1_200,
		StartTimestamp:     1_738_281_600,
		IntervalSeconds:    2_592_000,
		InstallmentCount:   3,
		GracePeriodSeconds: 259_200,
		PenaltyAprBps:      2_400,
	}
}

func TestCreateLoanBlockedByGate(t *testing.T) {
	db := openTestDB(t)
	blocked := errors.New("breaker: origination blocked")
	svc, _ := newTestService(t, db, &stubGate{err: blocked})

	_, err := svc.CreateLoan(context.Background(), originationInput(uuid.New()))
	if !errors.Is(err, blocked) {
		t.Fatalf("err = %v, want gate refusal", err)
	}
	var count int64
	db.Model(&models.Loan{}).Count(&count)
	if count != 0 {
		t.Fatalf("loans = %d, want 0 after refusal", count)
	}
}

func TestCreateLoanRequiresActivePartner(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db, &stubGate{})
	partner := seedPartner(t, db, models.PartnerSuspended)

	_, err := svc.CreateLoan(context.Background(), originationInput(partner.ID))
	if !errors.Is(err, ErrPartnerNotActive) {
		t.Fatalf("err = %v, want ErrPartnerNotActive", err)
	}
}

func TestCreateLoanQueuesDeploymentAndSchedule(t *testing.T) {
	db := openTestDB(t)
	svc, enq := newTestService(t, db, &stubGate{})
	partner := seedPartner(t, db, models.PartnerActive)

	loan, err := svc.CreateLoan(context.Background(), originationInput(partner.ID))
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if loan.State != models.LoanPending {
		t.Fatalf("state = %s, want PENDING", loan.State)
	}
	if loan.PoolID != partner.PoolID {
		t.Fatalf("pool = %s, want %s", loan.PoolID, partner.PoolID)
	}
	if !enq.hasType(models.ActionCreateLoan) || !enq.hasType(models.ActionConfigureSchedule) {
		t.Fatalf("enqueued types = %v", enq.types)
	}

	var entries int64
	db.Model(&models.InstallmentEntry{}).Where("loan_id = ?", loan.ID).Count(&entries)
	if entries != 3 {
		t.Fatalf("entries = %d, want 3", entries)
	}
}

func TestContractDeploymentQueuesFunding(t *testing.T) {
	db := openTestDB(t)
	svc, enq := newTestService(t, db, &stubGate{})
	partner := seedPartner(t, db, models.PartnerActive)
	loan, err := svc.CreateLoan(context.Background(), originationInput(partner.ID))
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}

	key := KeyCreateLoan + ":" + loan.ID.String()
	svc.HandleMined(context.Background(), models.ChainAction{
		ID:        uuid.New(),
		ActionKey: &key,
		LoanID:    loan.ID,
		Type:      models.ActionCreateLoan,
		State:     models.ActionMined,
	}, chain.Receipt{Status: chain.ReceiptSuccess, LoanContract: "0x00000000000000000000000000000000DeaDBeef"})

	updated, err := svc.Get(context.Background(), loan.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.State != models.LoanDeployed {
		t.Fatalf("state = %s, want DEPLOYED", updated.State)
	}
	if updated.ContractAddress == "" {
		t.Fatal("contract address not recorded")
	}
	if !enq.hasType(models.ActionFundLoan) {
		t.Fatalf("funding not enqueued, types = %v", enq.types)
	}

	// Replayed confirmation is dropped without re-queueing.
	before := len(enq.types)
	svc.HandleMined(context.Background(), models.ChainAction{
		ID:        uuid.New(),
		ActionKey: &key,
		LoanID:    loan.ID,
		Type:      models.ActionCreateLoan,
		State:     models.ActionMined,
	}, chain.Receipt{Status: chain.ReceiptSuccess, LoanContract: "0x00000000000000000000000000000000DeaDBeef"})
	if len(enq.types) != before {
		t.Fatal("replayed deployment enqueued again")
	}
}

func TestDisburseRequiresDeployedState(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db, &stubGate{})
	partner := seedPartner(t, db, models.PartnerActive)
	loan, err := svc.CreateLoan(context.Background(), originationInput(partner.ID))
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}

	if _, err := svc.Disburse(context.Background(), loan.ID, models.BigIntFromInt64(12_900_000)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState for PENDING loan", err)
	}

	if err := db.Model(&models.Loan{}).Where("id = ?", loan.ID).Update("state", models.LoanDeployed).Error; err != nil {
		t.Fatalf("force deployed: %v", err)
	}
	transfer, err := svc.Disburse(context.Background(), loan.ID, models.BigIntFromInt64(12_900_000))
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if transfer.Status != models.TransferPayoutInitiated {
		t.Fatalf("transfer status = %s, want PAYOUT_INITIATED", transfer.Status)
	}
	updated, _ := svc.Get(context.Background(), loan.ID)
	if updated.State != models.LoanDisbursing {
		t.Fatalf("state = %s, want DISBURSING", updated.State)
	}
}

func TestActivationRequiresChainRecorded(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db, &stubGate{})
	partner := seedPartner(t, db, models.PartnerActive)
	loan, err := svc.CreateLoan(context.Background(), originationInput(partner.ID))
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if err := db.Model(&models.Loan{}).Where("id = ?", loan.ID).Update("state", models.LoanDisbursing).Error; err != nil {
		t.Fatalf("force disbursing: %v", err)
	}
	transfer := models.FiatTransfer{
		ID:             uuid.New(),
		LoanID:         loan.ID,
		Direction:      models.DirectionOutbound,
		Status:         models.TransferChainRecordPending,
		IdempotencyKey: "disb:" + loan.ID.String(),
	}
	if err := db.Create(&transfer).Error; err != nil {
		t.Fatalf("seed transfer: %v", err)
	}

	activateKey := fiat.MakeActionKey(fiat.KeyActivateLoan, transfer.ID)
	mined := models.ChainAction{
		ID:        uuid.New(),
		ActionKey: &activateKey,
		LoanID:    loan.ID,
		Type:      models.ActionActivateLoan,
		State:     models.ActionMined,
	}

	// Activation before the disbursement record mines is refused.
	svc.HandleMined(context.Background(), mined, chain.Receipt{Status: chain.ReceiptSuccess})
	updated, _ := svc.Get(context.Background(), loan.ID)
	if updated.State != models.LoanDisbursing {
		t.Fatalf("state = %s, want still DISBURSING", updated.State)
	}

	recordKey := fiat.MakeActionKey(fiat.KeyRecordDisbursement, transfer.ID)
	svc.HandleMined(context.Background(), models.ChainAction{
		ID:        uuid.New(),
		ActionKey: &recordKey,
		LoanID:    loan.ID,
		Type:      models.ActionRecordDisbursement,
		State:     models.ActionMined,
	}, chain.Receipt{Status: chain.ReceiptSuccess})
	svc.HandleMined(context.Background(), mined, chain.Receipt{Status: chain.ReceiptSuccess})

	updated, _ = svc.Get(context.Background(), loan.ID)
	if updated.State != models.LoanActive {
		t.Fatalf("state = %s, want ACTIVE", updated.State)
	}
	if updated.OnchainPrincipal.Int64() != 100_000_000 {
		t.Fatalf("onchain principal = %s, want 100000000", updated.OnchainPrincipal.Int.String())
	}
}

func TestApplyRepaymentWaterfall(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db, &stubGate{})
	loanID := uuid.New()
	loan := models.Loan{
		ID:               loanID,
		PartnerID:        uuid.New(),
		PrincipalUsdc:    models.BigIntFromInt64(20_000_000),
		OnchainPrincipal: models.BigIntFromInt64(20_000_000),
		State:            models.LoanActive,
	}
	if err := db.Create(&loan).Error; err != nil {
		t.Fatalf("seed loan: %v", err)
	}
	entry := models.InstallmentEntry{
		ID:             uuid.New(),
		ScheduleID:     uuid.New(),
		LoanID:         loanID,
		DueTimestamp:   1_700_000_000,
		PrincipalDue:   models.BigIntFromInt64(10_000_000),
		InterestDue:    models.BigIntFromInt64(1_000_000),
		TotalDue:       models.BigIntFromInt64(11_000_000),
		PenaltyAccrued: models.BigIntFromInt64(500_000),
		Status:         models.EntryDue,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	// 2 USDC covers the penalty, all interest, and 0.5 USDC of principal.
	if err := svc.ApplyRepayment(context.Background(), loanID, big.NewInt(2_000_000)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var updated models.InstallmentEntry
	if err := db.First(&updated, "id = ?", entry.ID).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if updated.PenaltyAccrued.Int64() != 0 {
		t.Fatalf("penalty = %d, want 0", updated.PenaltyAccrued.Int64())
	}
	if updated.InterestPaid.Int64() != 1_000_000 {
		t.Fatalf("interest paid = %d, want 1000000", updated.InterestPaid.Int64())
	}
	if updated.PrincipalPaid.Int64() != 500_000 {
		t.Fatalf("principal paid = %d, want 500000", updated.PrincipalPaid.Int64())
	}
	if updated.Status != models.EntryDue {
		t.Fatalf("status = %s, want still DUE", updated.Status)
	}

	var after models.Loan
	if err := db.First(&after, "id = ?", loanID).Error; err != nil {
		t.Fatalf("load loan: %v", err)
	}
	if after.OnchainPrincipal.Int64() != 19_500_000 {
		t.Fatalf("onchain principal = %d, want 19500000", after.OnchainPrincipal.Int64())
	}
}

func TestApplyRepaymentClosesLoan(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db, &stubGate{})
	loanID := uuid.New()
	loan := models.Loan{
		ID:               loanID,
		PartnerID:        uuid.New(),
		PrincipalUsdc:    models.BigIntFromInt64(10_000_000),
		OnchainPrincipal: models.BigIntFromInt64(10_000_000),
		State:            models.LoanActive,
	}
	if err := db.Create(&loan).Error; err != nil {
		t.Fatalf("seed loan: %v", err)
	}
	entry := models.InstallmentEntry{
		ID:           uuid.New(),
		ScheduleID:   uuid.New(),
		LoanID:       loanID,
		DueTimestamp: 1_700_000_000,
		PrincipalDue: models.BigIntFromInt64(10_000_000),
		InterestDue:  models.BigIntFromInt64(1_000_000),
		TotalDue:     models.BigIntFromInt64(11_000_000),
		Status:       models.EntryDue,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	if err := svc.ApplyRepayment(context.Background(), loanID, big.NewInt(11_000_000)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var updated models.InstallmentEntry
	if err := db.First(&updated, "id = ?", entry.ID).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if updated.Status != models.EntryPaid {
		t.Fatalf("status = %s, want PAID", updated.Status)
	}
	var after models.Loan
	if err := db.First(&after, "id = ?", loanID).Error; err != nil {
		t.Fatalf("load loan: %v", err)
	}
	if after.State != models.LoanClosed {
		t.Fatalf("state = %s, want CLOSED", after.State)
	}
	if after.OnchainPrincipal.Int64() != 0 {
		t.Fatalf("onchain principal = %d, want 0", after.OnchainPrincipal.Int64())
	}
}
