// Package admin exposes the internal operator surface: breaker posture,
// incident lifecycle, pipeline controls, and reconciliation summaries. The
// surface is authenticated by a static key and an operator identity header;
// it must never be reachable from the public network.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"loanbridge/breaker"
	"loanbridge/models"
	"loanbridge/pipeline"
	"loanbridge/recon"
)

// Auth headers. Either key header is accepted; the operator identity is
// required on every request so mutations carry attribution.
const (
	HeaderAPIKey   = "x-api-key"
	HeaderAdminKey = "x-admin-key"
	HeaderOperator = "x-operator-id"
	HeaderSubject  = "x-admin-subject"
)

type operatorKey struct{}

func contextWithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

func operatorFrom(r *http.Request) string {
	operator, _ := r.Context().Value(operatorKey{}).(string)
	return operator
}

// HealthProbe reports whether the chain sender can reach its RPC endpoint.
type HealthProbe interface {
	IsHealthy(ctx context.Context) bool
}

// Server is the admin HTTP surface.
type Server struct {
	db       *gorm.DB
	breaker  *breaker.Service
	pipeline *pipeline.Pipeline
	recon    *recon.Reconciler
	chain    HealthProbe
	logger   *slog.Logger
	key      []byte
}

// NewServer constructs the admin surface. The chain probe may be nil when no
// sender is configured; healthz then covers the database only.
func NewServer(db *gorm.DB, brk *breaker.Service, pipe *pipeline.Pipeline, rec *recon.Reconciler, chainProbe HealthProbe, logger *slog.Logger, apiKey string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:       db,
		breaker:  brk,
		pipeline: pipe,
		recon:    rec,
		chain:    chainProbe,
		logger:   logger.With("component", "admin"),
		key:      []byte(apiKey),
	}
}

// Router builds the admin surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/breaker/status", s.handleBreakerStatus)
		r.Get("/breaker/incidents", s.handleListIncidents)
		r.Post("/breaker/incidents/{id}/resolve", s.handleResolveIncident)
		r.Get("/breaker/overrides", s.handleListOverrides)
		r.Post("/breaker/overrides", s.handleCreateOverride)
		r.Get("/ops/reconciliation", s.handleReconciliation)
		r.Get("/ops/dead-letters", s.handleDeadLetters)
		r.Post("/ops/chain-actions/{id}/requeue", s.handleRequeue)
		r.Post("/ops/pipeline/pause", s.handlePause)
		r.Post("/ops/pipeline/resume", s.handleResume)
		r.Get("/partners/{id}", s.handleGetPartner)
		r.Get("/loans/{id}", s.handleGetLoan)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(HeaderAPIKey)
		if presented == "" {
			presented = r.Header.Get(HeaderAdminKey)
		}
		if len(s.key) == 0 || subtle.ConstantTimeCompare([]byte(presented), s.key) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		operator := strings.TrimSpace(r.Header.Get(HeaderOperator))
		if operator == "" {
			operator = strings.TrimSpace(r.Header.Get(HeaderSubject))
		}
		if operator == "" {
			writeError(w, http.StatusUnauthorized, "operator identity required")
			return
		}
		ctx := contextWithOperator(r.Context(), operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	chainStatus := "disabled"
	if s.chain != nil {
		chainStatus = "ok"
		if !s.chain.IsHealthy(r.Context()) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "chain": "unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "chain": chainStatus})
}

func (s *Server) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.breaker.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	incidents, err := s.breaker.Incidents(r.Context(), openOnly, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"incidents": incidents})
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	if err := s.breaker.Resolve(r.Context(), id, operatorFrom(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.breaker.Overrides(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"overrides": overrides})
}

type createOverrideRequest struct {
	PartnerID *uuid.UUID `json:"partnerId"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req createOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason required")
		return
	}
	override, err := s.breaker.CreateOverride(r.Context(), req.PartnerID, req.Reason, operatorFrom(r), req.ExpiresAt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, override)
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	summary, err := s.recon.Summary(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	actions, err := s.pipeline.DeadLetters(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deadLetters": actions})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	act, err := s.pipeline.Requeue(r.Context(), id, operatorFrom(r))
	if errors.Is(err, pipeline.ErrNotRequeueable) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Pause()
	s.logger.Warn("pipeline paused", "operator", operatorFrom(r))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Resume()
	s.logger.Info("pipeline resumed", "operator", operatorFrom(r))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleGetPartner(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid partner id")
		return
	}
	var partner models.Partner
	if err := s.db.WithContext(r.Context()).First(&partner, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "partner not found")
			return
		}
		s.fail(w, r, err)
		return
	}
	var loanCount int64
	if err := s.db.WithContext(r.Context()).Model(&models.Loan{}).
		Where("partner_id = ?", id).Count(&loanCount).Error; err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"partner": partner, "loanCount": loanCount})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loan id")
		return
	}
	var loan models.Loan
	if err := s.db.WithContext(r.Context()).First(&loan, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "loan not found")
			return
		}
		s.fail(w, r, err)
		return
	}
	var transfers []models.FiatTransfer
	if err := s.db.WithContext(r.Context()).
		Where("loan_id = ?", id).Order("created_at asc").
		Find(&transfers).Error; err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loan": loan, "transfers": transfers})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("admin request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
