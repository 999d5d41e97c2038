// Package breaker gates loan origination behind enforcement flags, open
// incidents, and operator overrides. Evaluators are idempotent: re-running a
// feed never duplicates an open incident for the same (type, partner).
package breaker

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
)

// ErrOriginationBlocked is the typed refusal returned by the origination
// gate. The message names the blocking condition for the audit log.
var ErrOriginationBlocked = errors.New("breaker: origination blocked")

// Override scopes.
const (
	ScopeOrigination = "ORIGINATION"
)

// Config carries the evaluator thresholds in basis points.
type Config struct {
	DelinquencySpikeBps int64
	DefaultSpikeBps     int64
}

func (c *Config) normalize() {
	if c.DelinquencySpikeBps <= 0 {
		c.DelinquencySpikeBps = 1_500
	}
	if c.DefaultSpikeBps <= 0 {
		c.DefaultSpikeBps = 500
	}
}

// Service is the circuit breaker.
type Service struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
	cfg    Config
}

// NewService constructs the breaker.
func NewService(db *gorm.DB, logger *slog.Logger, now func() time.Time, cfg Config) *Service {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, logger: logger.With("component", "breaker"), now: now, cfg: cfg}
}

// AssertOriginationAllowed is the first check on every loan creation. It
// refuses when a global enforcement flag is set, when any global CRITICAL
// incident is open, or when the partner has an open spike incident, unless an
// unexpired override exempts the partner.
func (s *Service) AssertOriginationAllowed(ctx context.Context, partnerID uuid.UUID) error {
	enforcement, err := s.loadEnforcement(ctx)
	if err != nil {
		return err
	}
	if enforcement.GlobalBlock {
		return fmt.Errorf("%w: global block in force", ErrOriginationBlocked)
	}
	if enforcement.GlobalFreeze {
		return fmt.Errorf("%w: global freeze in force", ErrOriginationBlocked)
	}

	overridden, err := s.hasActiveOverride(ctx, partnerID)
	if err != nil {
		return err
	}

	var globalCritical int64
	err = s.db.WithContext(ctx).Model(&models.Incident{}).
		Where("status = ? AND severity = ? AND partner_id IS NULL", models.IncidentOpen, models.SeverityCritical).
		Count(&globalCritical).Error
	if err != nil {
		return fmt.Errorf("breaker: count global incidents: %w", err)
	}
	if globalCritical > 0 && !overridden {
		return fmt.Errorf("%w: %d open global critical incident(s)", ErrOriginationBlocked, globalCritical)
	}

	var partnerOpen int64
	err = s.db.WithContext(ctx).Model(&models.Incident{}).
		Where("status = ? AND partner_id = ?", models.IncidentOpen, partnerID).
		Count(&partnerOpen).Error
	if err != nil {
		return fmt.Errorf("breaker: count partner incidents: %w", err)
	}
	if partnerOpen > 0 && !overridden {
		return fmt.Errorf("%w: %d open incident(s) for partner %s", ErrOriginationBlocked, partnerOpen, partnerID)
	}

	if enforcement.RequireManualApproval && !overridden {
		return fmt.Errorf("%w: manual approval required", ErrOriginationBlocked)
	}
	return nil
}

func (s *Service) loadEnforcement(ctx context.Context) (*models.BreakerEnforcement, error) {
	var enforcement models.BreakerEnforcement
	err := s.db.WithContext(ctx).First(&enforcement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.BreakerEnforcement{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("breaker: load enforcement: %w", err)
	}
	return &enforcement, nil
}

func (s *Service) hasActiveOverride(ctx context.Context, partnerID uuid.UUID) (bool, error) {
	now := s.now().UTC()
	var count int64
	err := s.db.WithContext(ctx).Model(&models.BreakerOverride{}).
		Where("scope = ?", ScopeOrigination).
		Where("partner_id IS NULL OR partner_id = ?", partnerID).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("breaker: count overrides: %w", err)
	}
	return count > 0, nil
}

// RaiseAlert opens an incident unless one of the same type is already open
// for the same partner scope. Returns the open incident either way.
func (s *Service) RaiseAlert(ctx context.Context, incidentType models.IncidentType, severity models.IncidentSeverity, partnerID *uuid.UUID, loanID *uuid.UUID, details string, delta *big.Int) (*models.Incident, bool, error) {
	var incident models.Incident
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("type = ? AND status = ?", incidentType, models.IncidentOpen)
		if partnerID == nil {
			query = query.Where("partner_id IS NULL")
		} else {
			query = query.Where("partner_id = ?", *partnerID)
		}
		err := query.First(&incident).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("breaker: find open incident: %w", err)
		}

		incident = models.Incident{
			ID:        uuid.New(),
			Type:      incidentType,
			Severity:  severity,
			Status:    models.IncidentOpen,
			PartnerID: partnerID,
			LoanID:    loanID,
			Details:   details,
			DeltaUsdc: models.NewBigInt(delta),
		}
		if err := tx.Create(&incident).Error; err != nil {
			return fmt.Errorf("breaker: create incident: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Error("incident raised", "type", incidentType, "severity", severity, "details", details)
	}
	return &incident, created, nil
}

// EvaluateDelinquencySpike opens a partner incident when the 14-day
// delinquency rate breaches the threshold. Returns nil below threshold.
func (s *Service) EvaluateDelinquencySpike(ctx context.Context, partnerID uuid.UUID, rateBps int64) (*models.Incident, error) {
	if rateBps < s.cfg.DelinquencySpikeBps {
		return nil, nil
	}
	incident, _, err := s.RaiseAlert(ctx, models.IncidentDelinquencySpike, models.SeverityHigh, &partnerID, nil,
		fmt.Sprintf("delinquency rate %d bps >= threshold %d bps", rateBps, s.cfg.DelinquencySpikeBps), nil)
	return incident, err
}

// EvaluatePartnerDefaultSpike opens a partner incident when the 30-day
// default rate breaches the threshold. Returns nil below threshold.
func (s *Service) EvaluatePartnerDefaultSpike(ctx context.Context, partnerID uuid.UUID, rateBps int64) (*models.Incident, error) {
	if rateBps < s.cfg.DefaultSpikeBps {
		return nil, nil
	}
	incident, _, err := s.RaiseAlert(ctx, models.IncidentDefaultSpike, models.SeverityCritical, &partnerID, nil,
		fmt.Sprintf("default rate %d bps >= threshold %d bps", rateBps, s.cfg.DefaultSpikeBps), nil)
	return incident, err
}

// Resolve closes an incident. Resolution is explicit and operator-initiated.
func (s *Service) Resolve(ctx context.Context, incidentID uuid.UUID, operator string) error {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Incident{}).
		Where("id = ? AND status = ?", incidentID, models.IncidentOpen).
		Updates(map[string]interface{}{
			"status":      models.IncidentResolved,
			"resolved_by": operator,
			"resolved_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("breaker: resolve incident %s: %w", incidentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("breaker: incident %s not open", incidentID)
	}
	s.logger.Info("incident resolved", "incident_id", incidentID, "operator", operator)
	return nil
}

// StatusSnapshot is the admin view of the breaker posture.
type StatusSnapshot struct {
	Enforcement         models.BreakerEnforcement `json:"enforcement"`
	OpenIncidentCount   int64                     `json:"openIncidentCount"`
	ActiveOverrideCount int64                     `json:"activeOverrideCount"`
}

// Status summarises enforcement, open incidents, and live overrides.
func (s *Service) Status(ctx context.Context) (*StatusSnapshot, error) {
	enforcement, err := s.loadEnforcement(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := StatusSnapshot{Enforcement: *enforcement}
	if err := s.db.WithContext(ctx).Model(&models.Incident{}).
		Where("status = ?", models.IncidentOpen).
		Count(&snapshot.OpenIncidentCount).Error; err != nil {
		return nil, fmt.Errorf("breaker: count open incidents: %w", err)
	}
	now := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.BreakerOverride{}).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Count(&snapshot.ActiveOverrideCount).Error; err != nil {
		return nil, fmt.Errorf("breaker: count overrides: %w", err)
	}
	return &snapshot, nil
}

// Incidents lists incidents newest first, optionally filtered to open ones.
func (s *Service) Incidents(ctx context.Context, openOnly bool, limit int) ([]models.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&models.Incident{}).Order("created_at desc").Limit(limit)
	if openOnly {
		query = query.Where("status = ?", models.IncidentOpen)
	}
	var incidents []models.Incident
	if err := query.Find(&incidents).Error; err != nil {
		return nil, fmt.Errorf("breaker: list incidents: %w", err)
	}
	return incidents, nil
}

// Overrides lists unexpired overrides.
func (s *Service) Overrides(ctx context.Context) ([]models.BreakerOverride, error) {
	now := s.now().UTC()
	var overrides []models.BreakerOverride
	err := s.db.WithContext(ctx).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("created_at desc").
		Find(&overrides).Error
	if err != nil {
		return nil, fmt.Errorf("breaker: list overrides: %w", err)
	}
	return overrides, nil
}

// CreateOverride exempts a partner (or everyone, with a nil partner) from the
// origination gate until expiry.
func (s *Service) CreateOverride(ctx context.Context, partnerID *uuid.UUID, reason, operator string, expiresAt *time.Time) (*models.BreakerOverride, error) {
	override := models.BreakerOverride{
		ID:        uuid.New(),
		PartnerID: partnerID,
		Scope:     ScopeOrigination,
		Reason:    reason,
		CreatedBy: operator,
		ExpiresAt: expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(&override).Error; err != nil {
		return nil, fmt.Errorf("breaker: create override: %w", err)
	}
	s.logger.Info("override created", "override_id", override.ID, "operator", operator, "reason", reason)
	return &override, nil
}
