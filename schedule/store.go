package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loanbridge/action"
	"loanbridge/models"
	"loanbridge/pipeline"
)

// ErrScheduleExists reports a second schedule for a loan.
var ErrScheduleExists = errors.New("schedule: loan already has a schedule")

// ErrHashMismatch reports a stored document whose recomputed hash diverges
// from the committed one. The schedule must be treated as tampered until an
// operator resolves the incident.
var ErrHashMismatch = errors.New("schedule: stored hash does not match document")

// Enqueuer is the slice of the pipeline the store drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, loanID uuid.UUID, payload action.Payload, actionKey string) (*models.ChainAction, error)
}

// Store persists generated schedules and commits their hashes on-chain.
type Store struct {
	db      *gorm.DB
	enqueue Enqueuer
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore constructs the schedule store.
func NewStore(db *gorm.DB, enqueue Enqueuer, logger *slog.Logger, now func() time.Time) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, enqueue: enqueue, logger: logger.With("component", "schedule"), now: now}
}

// Save persists the schedule with its entries and enqueues the on-chain hash
// commitment. The unique loan index makes double-saves fail cleanly.
func (s *Store) Save(ctx context.Context, loanID uuid.UUID, result *Result) (*models.InstallmentSchedule, error) {
	record := models.InstallmentSchedule{
		ID:                      uuid.New(),
		LoanID:                  loanID,
		ScheduleHash:            result.Hash,
		ScheduleJSON:            result.CanonicalJSON,
		TotalInstallments:       len(result.Installments),
		PrincipalUsdc:           models.NewBigInt(result.Params.PrincipalUsdc),
		InterestRateBps:         result.Params.InterestRateBps,
		IntervalSeconds:         result.Params.IntervalSeconds,
		StartTimestamp:          result.Params.StartTimestamp,
		GracePeriodSeconds:      result.Params.GracePeriodSeconds,
		PenaltyAprBps:           result.Params.PenaltyAprBps,
		PrincipalPerInstallment: models.NewBigInt(result.Installments[0].Principal),
	}
	entries := make([]models.InstallmentEntry, 0, len(result.Installments))
	for _, inst := range result.Installments {
		entries = append(entries, models.InstallmentEntry{
			ID:               uuid.New(),
			ScheduleID:       record.ID,
			LoanID:           loanID,
			InstallmentIndex: inst.Index,
			DueTimestamp:     inst.DueTimestamp,
			PrincipalDue:     models.NewBigInt(inst.Principal),
			InterestDue:      models.NewBigInt(inst.Interest),
			TotalDue:         models.NewBigInt(inst.Total),
			AccrualStatus:    models.AccrualCurrent,
			Status:           models.EntryPending,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", ErrScheduleExists, loanID)
			}
			return fmt.Errorf("schedule: persist schedule: %w", err)
		}
		if err := tx.Create(&entries).Error; err != nil {
			return fmt.Errorf("schedule: persist entries: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrScheduleExists) {
			return nil, err
		}
		// The schedule committed on an earlier attempt but a crash may have
		// lost the hash commitment. The action key is idempotent, so always
		// re-attempt it before reporting the duplicate.
		if enqErr := s.enqueueCommitment(ctx, loanID, result); enqErr != nil {
			return nil, enqErr
		}
		return nil, err
	}

	if err := s.enqueueCommitment(ctx, loanID, result); err != nil {
		return nil, err
	}
	s.logger.Info("schedule saved", "loan_id", loanID, "hash", result.Hash, "installments", len(entries))
	return &record, nil
}

func (s *Store) enqueueCommitment(ctx context.Context, loanID uuid.UUID, result *Result) error {
	_, err := s.enqueue.Enqueue(ctx, loanID, action.ConfigureSchedule{
		ScheduleHash:     result.Hash,
		StartTimestamp:   result.Params.StartTimestamp,
		IntervalSeconds:  result.Params.IntervalSeconds,
		InstallmentCount: len(result.Installments),
		InterestRateBps:  result.Params.InterestRateBps,
	}, "schedule:"+loanID.String())
	if err != nil && !errors.Is(err, pipeline.ErrDuplicateActionKey) {
		return fmt.Errorf("schedule: enqueue hash commitment: %w", err)
	}
	return nil
}

// Load returns the schedule for a loan.
func (s *Store) Load(ctx context.Context, loanID uuid.UUID) (*models.InstallmentSchedule, error) {
	var record models.InstallmentSchedule
	err := s.db.WithContext(ctx).First(&record, "loan_id = ?", loanID).Error
	if err != nil {
		return nil, fmt.Errorf("schedule: load for loan %s: %w", loanID, err)
	}
	return &record, nil
}

// AssertHashIntegrity recomputes the hash over the stored document. On a
// mismatch it raises a CRITICAL incident and returns ErrHashMismatch.
func (s *Store) AssertHashIntegrity(ctx context.Context, record *models.InstallmentSchedule) error {
	recomputed := HashJSON(record.ScheduleJSON)
	if recomputed == record.ScheduleHash {
		return nil
	}
	loanID := record.LoanID
	incident := models.Incident{
		ID:       uuid.New(),
		Type:     models.IncidentScheduleHash,
		Severity: models.SeverityCritical,
		Status:   models.IncidentOpen,
		LoanID:   &loanID,
		Details:  fmt.Sprintf("stored hash %s, recomputed %s", record.ScheduleHash, recomputed),
	}
	if err := s.db.WithContext(ctx).Create(&incident).Error; err != nil {
		s.logger.Error("raise hash mismatch incident", "loan_id", loanID, "error", err)
	}
	s.logger.Error("schedule hash mismatch", "loan_id", loanID, "stored", record.ScheduleHash, "recomputed", recomputed)
	return fmt.Errorf("%w: loan %s", ErrHashMismatch, loanID)
}
