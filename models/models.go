package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PartnerStatus tracks the lifecycle of an origination partner.
type PartnerStatus string

// All partner states.
const (
	PartnerPending   PartnerStatus = "PENDING"
	PartnerVerified  PartnerStatus = "VERIFIED"
	PartnerActive    PartnerStatus = "ACTIVE"
	PartnerSuspended PartnerStatus = "SUSPENDED"
)

// LoanState tracks the off-chain view of a loan's lifecycle.
type LoanState string

// All loan states.
const (
	LoanPending    LoanState = "PENDING"
	LoanDeployed   LoanState = "DEPLOYED"
	LoanDisbursing LoanState = "DISBURSING"
	LoanActive     LoanState = "ACTIVE"
	LoanDefaulted  LoanState = "DEFAULTED"
	LoanClosed     LoanState = "CLOSED"
)

// ActionType enumerates the on-chain intents the pipeline knows how to submit.
type ActionType string

// All action types.
const (
	ActionCreateLoan         ActionType = "CREATE_LOAN"
	ActionFundLoan           ActionType = "FUND_LOAN"
	ActionActivateLoan       ActionType = "ACTIVATE_LOAN"
	ActionRecordDisbursement ActionType = "RECORD_DISBURSEMENT"
	ActionRepay              ActionType = "REPAY"
	ActionRecordRepayment    ActionType = "RECORD_REPAYMENT"
	ActionConfigureSchedule  ActionType = "CONFIGURE_SCHEDULE"
)

// ActionState is the pipeline state machine position of a ChainAction.
type ActionState string

// All action states. MINED and DLQ are terminal for the automatic pipeline;
// only an operator replay moves DLQ back to QUEUED.
const (
	ActionQueued     ActionState = "QUEUED"
	ActionProcessing ActionState = "PROCESSING"
	ActionSent       ActionState = "SENT"
	ActionMined      ActionState = "MINED"
	ActionFailed     ActionState = "FAILED"
	ActionRetrying   ActionState = "RETRYING"
	ActionDLQ        ActionState = "DLQ"
)

// TransferDirection distinguishes disbursements from repayments.
type TransferDirection string

// Transfer directions.
const (
	DirectionOutbound TransferDirection = "OUTBOUND"
	DirectionInbound  TransferDirection = "INBOUND"
)

// TransferStatus is the fiat state machine position of a FiatTransfer.
type TransferStatus string

// All transfer states, including the legacy aliases still accepted by the
// disbursement idempotency check.
const (
	TransferPending             TransferStatus = "PENDING"
	TransferPayoutInitiated     TransferStatus = "PAYOUT_INITIATED"
	TransferPayoutConfirmed     TransferStatus = "PAYOUT_CONFIRMED"
	TransferChainRecordPending  TransferStatus = "CHAIN_RECORD_PENDING"
	TransferChainRecorded       TransferStatus = "CHAIN_RECORDED"
	TransferActivated           TransferStatus = "ACTIVATED"
	TransferRepaymentReceived   TransferStatus = "REPAYMENT_RECEIVED"
	TransferChainRepayPending   TransferStatus = "CHAIN_REPAY_PENDING"
	TransferChainRepayConfirmed TransferStatus = "CHAIN_REPAY_CONFIRMED"
	TransferFailed              TransferStatus = "FAILED"

	// Legacy states from the v0 gateway; treated as terminal-past-initiation.
	TransferLegacyConfirmed      TransferStatus = "CONFIRMED"
	TransferLegacyAppliedOnchain TransferStatus = "APPLIED_ONCHAIN"
)

// AccrualStatus classifies how far past due an installment entry is.
type AccrualStatus string

// Accrual states ordered by severity.
const (
	AccrualCurrent          AccrualStatus = "CURRENT"
	AccrualInGrace          AccrualStatus = "IN_GRACE"
	AccrualDelinquent       AccrualStatus = "DELINQUENT"
	AccrualDefaultCandidate AccrualStatus = "DEFAULT_CANDIDATE"
	AccrualDefaulted        AccrualStatus = "DEFAULTED"
)

// EntryStatus tracks payment progress on an installment entry.
type EntryStatus string

// All entry states.
const (
	EntryPending    EntryStatus = "PENDING"
	EntryDue        EntryStatus = "DUE"
	EntryPaid       EntryStatus = "PAID"
	EntryDelinquent EntryStatus = "DELINQUENT"
	EntryDefaulted  EntryStatus = "DEFAULTED"
	EntryWaived     EntryStatus = "WAIVED"
)

// IncidentType names the incident categories raised by the breaker feed and
// the integrity jobs.
type IncidentType string

// All incident types.
const (
	IncidentDelinquencySpike    IncidentType = "DELINQUENCY_SPIKE"
	IncidentDefaultSpike        IncidentType = "PARTNER_DEFAULT_SPIKE"
	IncidentBalanceMismatch     IncidentType = "BALANCE_MISMATCH"
	IncidentScheduleHash        IncidentType = "SCHEDULE_HASH_MISMATCH"
	IncidentAccrualDoubleCharge IncidentType = "ACCRUAL_DOUBLE_CHARGE"
	IncidentRoundingDrift       IncidentType = "ROUNDING_DRIFT"
	IncidentTimingDrift         IncidentType = "TIMING_DRIFT"
)

// IncidentSeverity grades incidents for operator triage.
type IncidentSeverity string

// Severities.
const (
	SeverityMedium   IncidentSeverity = "MEDIUM"
	SeverityHigh     IncidentSeverity = "HIGH"
	SeverityCritical IncidentSeverity = "CRITICAL"
)

// IncidentStatus is OPEN until an operator resolves it.
type IncidentStatus string

// Incident states.
const (
	IncidentOpen     IncidentStatus = "OPEN"
	IncidentResolved IncidentStatus = "RESOLVED"
)

// SettlementCheckType names the three-way settlement proof checks.
type SettlementCheckType string

// Settlement check types.
const (
	CheckFiatConfirmedNoChain      SettlementCheckType = "FIAT_CONFIRMED_NO_CHAIN"
	CheckChainRecordNoFiat         SettlementCheckType = "CHAIN_RECORD_NO_FIAT"
	CheckActiveMissingDisbursement SettlementCheckType = "ACTIVE_MISSING_DISBURSEMENT"
)

// Partner is an origination partner; every record carries a partner id but no
// further tenant isolation exists.
type Partner struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey"`
	Name            string        `gorm:"uniqueIndex;size:128"`
	Status          PartnerStatus `gorm:"size:16;index"`
	PoolID          string        `gorm:"size:64;index"`
	MaxExposureUsdc BigInt        `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Loan is the off-chain record of one originated loan.
type Loan struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	PartnerID           uuid.UUID `gorm:"type:uuid;index"`
	PoolID              string    `gorm:"size:64;index"`
	BorrowerPhone       string    `gorm:"size:32"`
	PrincipalUsdc       BigInt    `gorm:"type:text"`
	InterestRateBps     int64
	State               LoanState `gorm:"size:24;index"`
	ContractAddress     string    `gorm:"size:42"`
	OnchainPrincipal    BigInt    `gorm:"type:text"`
	FiatDisbursementRef string    `gorm:"size:128"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ChainAction is one high-level on-chain intent. Invariants: SENT and later
// states carry a tx hash and nonce; terminal MINED/DLQ rows never re-enter
// the automatic pipeline; attempts never exceed the retry cap outside DLQ.
type ChainAction struct {
	ID                    uuid.UUID   `gorm:"type:uuid;primaryKey"`
	ActionKey             *string     `gorm:"uniqueIndex;size:128"`
	LoanID                uuid.UUID   `gorm:"type:uuid;index"`
	Type                  ActionType  `gorm:"size:32;index"`
	Payload               string      `gorm:"type:text"`
	State                 ActionState `gorm:"size:16;index"`
	TxHash                string      `gorm:"size:66;index"`
	Nonce                 *uint64
	BumpCount             int
	Attempts              int
	NextRetryAt           *time.Time `gorm:"index"`
	SentAt                *time.Time
	MinedAt               *time.Time
	// HandlerApplied records that the mined-action handler committed its
	// downstream effects; unapplied MINED rows replay on restart.
	HandlerApplied bool
	DLQAt          *time.Time
	LastError             string `gorm:"type:text"`
	BlockNumber           uint64
	GasUsed               uint64
	RevertReason          string `gorm:"size:256"`
	ConfirmationsReceived int
	ConfirmationsRequired int
	CreatedAt             time.Time `gorm:"index"`
	UpdatedAt             time.Time
}

// SignerNonce is the durable per-signer counter. The stored value is the next
// nonce the manager will assign: one past the highest successfully submitted.
type SignerNonce struct {
	Signer    string `gorm:"primaryKey;size:64"`
	ChainID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Nonce     uint64
	UpdatedAt time.Time
}

// FiatTransfer is the lifecycle record of one fiat movement. RefHash and
// ProofHash are set exactly once, when the transfer first reaches
// PAYOUT_CONFIRMED or REPAYMENT_RECEIVED, and are immutable thereafter.
type FiatTransfer struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey"`
	LoanID           uuid.UUID         `gorm:"type:uuid;index"`
	Direction        TransferDirection `gorm:"size:12;index"`
	Status           TransferStatus    `gorm:"size:32;index"`
	ProviderRef      string            `gorm:"size:128"`
	IdempotencyKey   string            `gorm:"uniqueIndex;size:128"`
	AmountKes        BigInt            `gorm:"type:text"`
	AmountUsdc       BigInt            `gorm:"type:text"`
	PhoneNumber      string            `gorm:"size:32"`
	RefHash          string            `gorm:"size:64"`
	ProofHash        string            `gorm:"size:64"`
	RawPayload       string            `gorm:"type:text"`
	WebhookTimestamp *time.Time
	ConfirmedAt      *time.Time
	AppliedOnchainAt *time.Time
	FailedAt         *time.Time
	FailureReason    string `gorm:"size:256"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WebhookNonce linearises webhook deliveries by (source, nonce). Rows older
// than the 24h TTL are purgeable.
type WebhookNonce struct {
	Source    string `gorm:"primaryKey;size:32"`
	Nonce     string `gorm:"primaryKey;size:128"`
	CreatedAt time.Time `gorm:"index"`
}

// WebhookDeadLetter archives every webhook the ingress refused to process.
type WebhookDeadLetter struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Source    string    `gorm:"size:32;index"`
	Reason    string    `gorm:"size:256"`
	Payload   string    `gorm:"type:text"`
	Signature string    `gorm:"size:256"`
	CreatedAt time.Time `gorm:"index"`
}

// InstallmentSchedule commits a loan to a deterministic amortisation shape.
// ScheduleJSON is stored verbatim; recomputing SHA-256 over it must always
// reproduce ScheduleHash.
type InstallmentSchedule struct {
	ID                      uuid.UUID `gorm:"type:uuid;primaryKey"`
	LoanID                  uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	ScheduleHash            string    `gorm:"size:64"`
	ScheduleJSON            string    `gorm:"type:text"`
	TotalInstallments       int
	PrincipalUsdc           BigInt `gorm:"type:text"`
	PrincipalPerInstallment BigInt `gorm:"type:text"`
	InterestRateBps         int64
	IntervalSeconds         int64
	StartTimestamp          int64
	GracePeriodSeconds      int64
	PenaltyAprBps           int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// InstallmentEntry is one amortisation row. PrincipalDue and InterestDue are
// fixed at creation; only the paid, penalty, and status fields mutate.
type InstallmentEntry struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ScheduleID       uuid.UUID `gorm:"type:uuid;index"`
	LoanID           uuid.UUID `gorm:"type:uuid;index"`
	InstallmentIndex int
	DueTimestamp     int64         `gorm:"index"`
	PrincipalDue     BigInt        `gorm:"type:text"`
	InterestDue      BigInt        `gorm:"type:text"`
	TotalDue         BigInt        `gorm:"type:text"`
	PrincipalPaid    BigInt        `gorm:"type:text"`
	InterestPaid     BigInt        `gorm:"type:text"`
	PenaltyAccrued   BigInt        `gorm:"type:text"`
	AccrualStatus    AccrualStatus `gorm:"size:24;index"`
	Status           EntryStatus   `gorm:"size:16;index"`
	DaysPastDue      int
	DelinquentSince  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AccrualSnapshot is the idempotency guard for the hourly accrual job: the
// unique (entry, hour bucket) constraint admits at most one penalty charge
// per entry per hour.
type AccrualSnapshot struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntryID       uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_accrual_entry_hour"`
	HourBucket    int64     `gorm:"uniqueIndex:idx_accrual_entry_hour"`
	PenaltyDelta  BigInt    `gorm:"type:text"`
	DaysPastDue   int
	AccrualStatus AccrualStatus `gorm:"size:24"`
	CreatedAt     time.Time
}

// Incident records a breaker or integrity failure requiring operator review.
// Resolution is explicit and operator-initiated.
type Incident struct {
	ID         uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Type       IncidentType     `gorm:"size:32;index"`
	Severity   IncidentSeverity `gorm:"size:12;index"`
	Status     IncidentStatus   `gorm:"size:12;index"`
	PartnerID  *uuid.UUID       `gorm:"type:uuid;index"`
	LoanID     *uuid.UUID       `gorm:"type:uuid;index"`
	Details    string           `gorm:"type:text"`
	DeltaUsdc  BigInt           `gorm:"type:text"`
	ResolvedBy string           `gorm:"size:64"`
	ResolvedAt *time.Time
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

// BreakerOverride lets an operator exempt a partner (or everyone, when
// PartnerID is nil) from an enforcement flag until it expires.
type BreakerOverride struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PartnerID *uuid.UUID `gorm:"type:uuid;index"`
	Scope     string     `gorm:"size:32"`
	Reason    string     `gorm:"size:256"`
	CreatedBy string     `gorm:"size:64"`
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// BreakerEnforcement is the singleton enforcement posture consulted by the
// origination gate.
type BreakerEnforcement struct {
	ID                    uint `gorm:"primaryKey"`
	GlobalBlock           bool
	GlobalFreeze          bool
	RequireManualApproval bool
	UpdatedBy             string `gorm:"size:64"`
	UpdatedAt             time.Time
}

// ReconReport is the persisted summary of one reconciliation or integrity run.
type ReconReport struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind          string    `gorm:"size:32;index"`
	RunAt         time.Time `gorm:"index"`
	Summary       string    `gorm:"type:text"`
	CriticalCount int
	CreatedAt     time.Time
}

// SettlementCheck persists one boolean settlement proof check for audit. All
// three checks are stored per ACTIVE loan per run.
type SettlementCheck struct {
	ID        uuid.UUID           `gorm:"type:uuid;primaryKey"`
	LoanID    uuid.UUID           `gorm:"type:uuid;index"`
	CheckType SettlementCheckType `gorm:"size:40;index"`
	Passed    bool
	Details   string    `gorm:"size:512"`
	RunAt     time.Time `gorm:"index"`
	CreatedAt time.Time
}

// DailyReport archives the per-pool and global daily rollups. Checksum is the
// SHA-256 of ReportJSON for archival integrity.
type DailyReport struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	PoolID     string    `gorm:"size:64;index"`
	ReportDate string    `gorm:"size:10;index"`
	ReportJSON string    `gorm:"type:text"`
	Checksum   string    `gorm:"size:64"`
	CreatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the control plane.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Partner{},
		&Loan{},
		&ChainAction{},
		&SignerNonce{},
		&FiatTransfer{},
		&WebhookNonce{},
		&WebhookDeadLetter{},
		&InstallmentSchedule{},
		&InstallmentEntry{},
		&AccrualSnapshot{},
		&Incident{},
		&BreakerOverride{},
		&BreakerEnforcement{},
		&ReconReport{},
		&SettlementCheck{},
		&DailyReport{},
	)
}
