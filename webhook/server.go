package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"loanbridge/fiat"
	"loanbridge/models"
	"loanbridge/observability"
)

// SourceMpesa is the replay gate namespace for the mobile money provider.
const SourceMpesa = "mpesa"

// SignatureHeader carries the hex HMAC-SHA-256 of the raw request body.
const SignatureHeader = "X-Mpesa-Signature"

// Gate policy.
const (
	DefaultFreshnessWindow = 5 * time.Minute
	DefaultRatePerMinute   = 120
	NonceTTL               = 24 * time.Hour
	maxBodyBytes           = 1 << 20
)

// Config carries webhook server construction parameters.
type Config struct {
	Secret          string
	FreshnessWindow time.Duration
	RatePerMinute   int
	Now             func() time.Time
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.Secret) == "" {
		return fmt.Errorf("webhook: signing secret required")
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = DefaultFreshnessWindow
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = DefaultRatePerMinute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Server terminates provider webhooks.
type Server struct {
	db      *gorm.DB
	fiat    *fiat.Service
	metrics *observability.WebhookMetrics
	logger  *slog.Logger
	limiter *rate.Limiter
	secret  []byte
	cfg     Config
}

// NewServer constructs the webhook ingress.
func NewServer(db *gorm.DB, fiatSvc *fiat.Service, metrics *observability.WebhookMetrics, logger *slog.Logger, cfg Config) (*Server, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:      db,
		fiat:    fiatSvc,
		metrics: metrics,
		logger:  logger.With("component", "webhook"),
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute),
		secret:  []byte(cfg.Secret),
		cfg:     cfg,
	}, nil
}

// Router builds the public webhook surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post("/webhooks/mpesa/disbursement", s.handleDisbursement)
	r.Post("/webhooks/mpesa/repayment", s.handleRepayment)
	return r
}

func (s *Server) handleDisbursement(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, "disbursement", func(ctx context.Context, n *Notification) error {
		return s.fiat.HandleDisbursementConfirmed(ctx, fiat.Confirmation{
			IdempotencyKey: "disb:" + n.LoanID.String(),
			ProviderRef:    n.ProviderRef,
			AmountKes:      n.AmountKes,
			AmountUsdc:     n.AmountUsdc,
			PhoneNumber:    n.PhoneNumber,
			LoanID:         n.LoanID,
			Timestamp:      n.Timestamp,
			RawPayload:     n.RawPayload,
		})
	})
}

func (s *Server) handleRepayment(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, "repayment", func(ctx context.Context, n *Notification) error {
		_, err := s.fiat.HandleRepayment(ctx, fiat.Confirmation{
			IdempotencyKey: SourceMpesa + ":" + n.ProviderRef,
			ProviderRef:    n.ProviderRef,
			AmountKes:      n.AmountKes,
			AmountUsdc:     n.AmountUsdc,
			PhoneNumber:    n.PhoneNumber,
			LoanID:         n.LoanID,
			Timestamp:      n.Timestamp,
			RawPayload:     n.RawPayload,
		})
		return err
	})
}

// handle runs the gate sequence. Every outcome except a rate limit answers
// 200 so the provider stops redelivering; failures are archived in the dead
// letter table instead of bounced.
func (s *Server) handle(w http.ResponseWriter, r *http.Request, endpoint string, apply func(ctx context.Context, n *Notification) error) {
	if !s.limiter.Allow() {
		s.metrics.RecordReceived(endpoint, "rate_limited")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.deadLetter(r.Context(), endpoint, "read_body", "", "")
		s.ack(w)
		return
	}
	signature := r.Header.Get(SignatureHeader)

	if !s.verifySignature(body, signature) {
		s.deadLetter(r.Context(), endpoint, "bad_signature", string(body), signature)
		s.ack(w)
		return
	}

	n, err := ParseNotification(body)
	if err != nil {
		s.deadLetter(r.Context(), endpoint, "parse: "+err.Error(), string(body), signature)
		s.ack(w)
		return
	}

	now := s.cfg.Now().UTC()
	age := now.Sub(n.Timestamp)
	if age < 0 {
		age = -age
	}
	if age > s.cfg.FreshnessWindow {
		s.deadLetter(r.Context(), endpoint, "stale", string(body), signature)
		s.ack(w)
		return
	}

	claimed, err := s.claimNonce(r.Context(), n.Nonce)
	if err != nil {
		s.deadLetter(r.Context(), endpoint, "nonce: "+err.Error(), string(body), signature)
		s.ack(w)
		return
	}
	if !claimed {
		s.metrics.RecordReplay(endpoint)
		s.metrics.RecordReceived(endpoint, "replay")
		s.logger.Info("replayed delivery dropped", "endpoint", endpoint, "nonce", n.Nonce)
		s.ack(w)
		return
	}

	if !n.Success {
		s.deadLetter(r.Context(), endpoint, "provider_failure", string(body), signature)
		s.ack(w)
		return
	}

	if err := apply(r.Context(), n); err != nil {
		s.metrics.RecordReceived(endpoint, "error")
		s.deadLetter(r.Context(), endpoint, "apply: "+err.Error(), string(body), signature)
		s.logger.Error("webhook application failed", "endpoint", endpoint, "provider_ref", n.ProviderRef, "error", err)
		s.ack(w)
		return
	}
	s.metrics.RecordReceived(endpoint, "accepted")
	s.ack(w)
}

// verifySignature compares the hex HMAC-SHA-256 of the body in constant time.
func (s *Server) verifySignature(body []byte, signature string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// claimNonce inserts the (source, nonce) pair; a duplicate key means the
// delivery was already processed.
func (s *Server) claimNonce(ctx context.Context, nonce string) (bool, error) {
	record := models.WebhookNonce{Source: SourceMpesa, Nonce: nonce, CreatedAt: s.cfg.Now().UTC()}
	err := s.db.WithContext(ctx).Create(&record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Server) deadLetter(ctx context.Context, endpoint, reason, payload, signature string) {
	s.metrics.RecordDeadLetter(endpoint, firstWord(reason))
	row := models.WebhookDeadLetter{
		ID:        uuid.New(),
		Source:    SourceMpesa,
		Reason:    reason,
		Payload:   payload,
		Signature: signature,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logger.Error("archive dead letter", "endpoint", endpoint, "reason", reason, "error", err)
		return
	}
	s.logger.Warn("webhook dead-lettered", "endpoint", endpoint, "reason", reason)
}

func firstWord(reason string) string {
	head, _, _ := strings.Cut(reason, ":")
	return head
}

func (s *Server) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

// PurgeNonces drops replay gate rows older than the TTL. Freshness rejection
// makes a redelivery outside the window impossible, so expired nonces are
// dead weight.
func (s *Server) PurgeNonces(ctx context.Context) (int64, error) {
	cutoff := s.cfg.Now().UTC().Add(-NonceTTL)
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.WebhookNonce{})
	if res.Error != nil {
		return 0, fmt.Errorf("webhook: purge nonces: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("purged webhook nonces", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
