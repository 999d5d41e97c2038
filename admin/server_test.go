package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"loanbridge/breaker"
	"loanbridge/models"
	"loanbridge/pipeline"
	"loanbridge/recon"
)

const testKey = "test-admin-key"

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

func newTestServer(t *testing.T) (*Server, *gorm.DB, *pipeline.Pipeline) {
	t.Helper()
	db := openTestDB(t)
	brk := breaker.NewService(db, nil, nil, breaker.Config{})
	pipe := pipeline.New(db, nil, nil, nil, nil, pipeline.Config{})
	rec := recon.NewReconciler(db, brk, nil, nil, nil)
	return NewServer(db, brk, pipe, rec, nil, nil, testKey), db, pipe
}

func do(t *testing.T, srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func authed() map[string]string {
	return map[string]string{HeaderAPIKey: testKey, HeaderOperator: "ops-1"}
}

func TestAuthRejectsMissingOrWrongKey(t *testing.T) {
	srv, _, _ := newTestServer(t)

	if rec := do(t, srv, http.MethodGet, "/admin/breaker/status", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d, want 401", rec.Code)
	}
	headers := map[string]string{HeaderAPIKey: "wrong", HeaderOperator: "ops-1"}
	if rec := do(t, srv, http.MethodGet, "/admin/breaker/status", "", headers); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", rec.Code)
	}
	headers = map[string]string{HeaderAPIKey: testKey}
	if rec := do(t, srv, http.MethodGet, "/admin/breaker/status", "", headers); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing operator: status = %d, want 401", rec.Code)
	}
}

func TestAuthAcceptsAlternateHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t)
	headers := map[string]string{HeaderAdminKey: testKey, HeaderSubject: "ops-2"}
	if rec := do(t, srv, http.MethodGet, "/admin/breaker/status", "", headers); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestBreakerStatusShape(t *testing.T) {
	srv, db, _ := newTestServer(t)
	if err := db.Create(&models.BreakerEnforcement{ID: 1, GlobalBlock: true}).Error; err != nil {
		t.Fatalf("seed enforcement: %v", err)
	}

	rec := do(t, srv, http.MethodGet, "/admin/breaker/status", "", authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Enforcement struct {
			GlobalBlock bool `json:"GlobalBlock"`
		} `json:"enforcement"`
		OpenIncidentCount   int64 `json:"openIncidentCount"`
		ActiveOverrideCount int64 `json:"activeOverrideCount"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Enforcement.GlobalBlock {
		t.Fatal("enforcement flag missing")
	}
}

func TestResolveIncidentEndpoint(t *testing.T) {
	srv, db, _ := newTestServer(t)
	incident := models.Incident{
		ID:       uuid.New(),
		Type:     models.IncidentBalanceMismatch,
		Severity: models.SeverityCritical,
		Status:   models.IncidentOpen,
	}
	if err := db.Create(&incident).Error; err != nil {
		t.Fatalf("seed incident: %v", err)
	}

	rec := do(t, srv, http.MethodPost, "/admin/breaker/incidents/"+incident.ID.String()+"/resolve", "", authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var updated models.Incident
	if err := db.First(&updated, "id = ?", incident.ID).Error; err != nil {
		t.Fatalf("load incident: %v", err)
	}
	if updated.Status != models.IncidentResolved || updated.ResolvedBy != "ops-1" {
		t.Fatalf("incident = %s by %q, want RESOLVED by ops-1", updated.Status, updated.ResolvedBy)
	}
}

func TestCreateOverrideValidation(t *testing.T) {
	srv, db, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/admin/breaker/overrides", `{"reason":""}`, authed())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty reason: status = %d, want 400", rec.Code)
	}

	rec = do(t, srv, http.MethodPost, "/admin/breaker/overrides", `{"reason":"launch window"}`, authed())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var count int64
	db.Model(&models.BreakerOverride{}).Count(&count)
	if count != 1 {
		t.Fatalf("overrides = %d, want 1", count)
	}
}

func TestRequeueEndpoint(t *testing.T) {
	srv, db, _ := newTestServer(t)

	dead := models.ChainAction{
		ID:     uuid.New(),
		LoanID: uuid.New(),
		Type:   models.ActionRepay,
		State:  models.ActionDLQ,
	}
	if err := db.Create(&dead).Error; err != nil {
		t.Fatalf("seed action: %v", err)
	}
	rec := do(t, srv, http.MethodPost, "/admin/ops/chain-actions/"+dead.ID.String()+"/requeue", "", authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var updated models.ChainAction
	if err := db.First(&updated, "id = ?", dead.ID).Error; err != nil {
		t.Fatalf("load action: %v", err)
	}
	if updated.State != models.ActionQueued {
		t.Fatalf("state = %s, want QUEUED", updated.State)
	}

	sent := models.ChainAction{
		ID:     uuid.New(),
		LoanID: uuid.New(),
		Type:   models.ActionRepay,
		State:  models.ActionSent,
		TxHash: "0xabc",
	}
	if err := db.Create(&sent).Error; err != nil {
		t.Fatalf("seed sent action: %v", err)
	}
	rec = do(t, srv, http.MethodPost, "/admin/ops/chain-actions/"+sent.ID.String()+"/requeue", "", authed())
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for in-flight action", rec.Code)
	}
}

func TestPauseResume(t *testing.T) {
	srv, _, pipe := newTestServer(t)

	if rec := do(t, srv, http.MethodPost, "/admin/ops/pipeline/pause", "", authed()); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if !pipe.Paused() {
		t.Fatal("pipeline not paused")
	}
	if rec := do(t, srv, http.MethodPost, "/admin/ops/pipeline/resume", "", authed()); rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if pipe.Paused() {
		t.Fatal("pipeline still paused")
	}
}

func TestGetPartner(t *testing.T) {
	srv, db, _ := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/admin/partners/"+uuid.NewString(), "", authed())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	partner := models.Partner{ID: uuid.New(), Name: "acme", Status: models.PartnerActive, PoolID: "pool-a"}
	if err := db.Create(&partner).Error; err != nil {
		t.Fatalf("seed partner: %v", err)
	}
	rec = do(t, srv, http.MethodGet, "/admin/partners/"+partner.ID.String(), "", authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReconciliationSummaryEndpoint(t *testing.T) {
	srv, db, _ := newTestServer(t)
	incident := models.Incident{
		ID:       uuid.New(),
		Type:     models.IncidentScheduleHash,
		Severity: models.SeverityCritical,
		Status:   models.IncidentOpen,
	}
	if err := db.Create(&incident).Error; err != nil {
		t.Fatalf("seed incident: %v", err)
	}

	rec := do(t, srv, http.MethodGet, "/admin/ops/reconciliation", "", authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		CriticalMismatches []models.Incident `json:"criticalMismatches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.CriticalMismatches) != 1 {
		t.Fatalf("critical mismatches = %d, want 1", len(body.CriticalMismatches))
	}
}

type stubProbe struct{ healthy bool }

func (p stubProbe) IsHealthy(ctx context.Context) bool { return p.healthy }

func TestHealthzReportsChainProbe(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// No probe configured: database-only health.
	rec := do(t, srv, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["chain"] != "disabled" {
		t.Fatalf("chain = %q, want disabled", body["chain"])
	}

	srv.chain = stubProbe{healthy: false}
	if rec := do(t, srv, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy chain: status = %d, want 503", rec.Code)
	}

	srv.chain = stubProbe{healthy: true}
	if rec := do(t, srv, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthy chain: status = %d, want 200", rec.Code)
	}
}
