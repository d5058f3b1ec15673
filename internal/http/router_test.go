package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/adoptly/go-appointment-backend/internal/config"
	"github.com/adoptly/go-appointment-backend/internal/domain"
	"github.com/adoptly/go-appointment-backend/internal/events"
	"github.com/adoptly/go-appointment-backend/internal/http/middleware"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Appointment{}, &domain.Proposal{}, &domain.Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:  "/api/v1",
		RateRPS:      1000,
		RateBurst:    100,
		HorizonDays:  30,
		WatchTimeout: 50 * time.Millisecond,
		CORS:         config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:     config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:         config.OTELConfig{ServiceName: "test-svc"},
	}
}

// do sends a JSON request with the given actor identity and decodes the JSON
// response into out (when non-nil).
func do(t *testing.T, r *gin.Engine, method, path, role, ref string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set(middleware.HeaderActorRole, role)
	}
	if ref != "" {
		req.Header.Set(middleware.HeaderActorRef, ref)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if out != nil && w.Code < 300 && w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response: %v\n%s", method, path, err, w.Body.String())
		}
	}
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), events.NewBroker(), nil, testConfig())

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testConfig()
	cfg.APIBasePath = "/api/v2"
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	RegisterRoutes(r, newTestDB(t), events.NewBroker(), nil, cfg)

	// Any request runs through CORS middleware; header should reflect origin.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

// Full negotiation round trip through the real middleware pipeline:
// request → provider proposes → requester counters → provider accepts.
func TestRoutes_NegotiationRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), events.NewBroker(), nil, testConfig())

	requested := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Second)

	var a domain.Appointment
	w := do(t, r, http.MethodPost, "/api/v1/appointments", "requester", "adopter-1", gin.H{
		"provider_ref": "clinic-1",
		"subject_ref":  "animal-7",
		"requested_at": requested.Format(time.RFC3339),
		"notes":        "post-adoption checkup",
	}, &a)
	if w.Code != http.StatusCreated {
		t.Fatalf("request appointment = %d body=%s", w.Code, w.Body.String())
	}
	if a.Status != domain.StatusRequested || a.Version != 1 {
		t.Fatalf("unexpected created record: %+v", a)
	}

	// Provider proposes an alternative slot.
	alt := requested.Add(24 * time.Hour)
	var b domain.Appointment
	w = do(t, r, http.MethodPost, "/api/v1/appointments/"+a.ID+"/reschedule", "provider", "clinic-1", gin.H{
		"proposed_at": alt.Format(time.RFC3339),
		"message":     "fully booked that day",
	}, &b)
	if w.Code != http.StatusOK || b.Status != domain.StatusRescheduleProposed {
		t.Fatalf("reschedule = %d status=%s", w.Code, b.Status)
	}

	// Requester counters.
	counter := requested.Add(48 * time.Hour)
	var cRec domain.Appointment
	w = do(t, r, http.MethodPost, "/api/v1/appointments/"+a.ID+"/response", "requester", "adopter-1", gin.H{
		"outcome":     "PROPOSED_NEW",
		"proposed_at": counter.Format(time.RFC3339),
	}, &cRec)
	if w.Code != http.StatusOK || cRec.Status != domain.StatusRescheduleProposed {
		t.Fatalf("counter = %d status=%s", w.Code, cRec.Status)
	}

	// Provider accepts the counter.
	var d domain.Appointment
	w = do(t, r, http.MethodPost, "/api/v1/appointments/"+a.ID+"/counter/accept", "provider", "clinic-1", nil, &d)
	if w.Code != http.StatusOK || d.Status != domain.StatusRescheduled {
		t.Fatalf("accept counter = %d status=%s", w.Code, d.Status)
	}
	if len(d.History) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(d.History))
	}

	// Both parties can read; a stranger cannot.
	w = do(t, r, http.MethodGet, "/api/v1/appointments/"+a.ID, "requester", "adopter-1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("requester get = %d", w.Code)
	}
	w = do(t, r, http.MethodGet, "/api/v1/appointments/"+a.ID, "requester", "someone-else", nil, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger get = %d, want 403", w.Code)
	}

	// Terminal record rejects further action with the conflict taxonomy.
	w = do(t, r, http.MethodPost, "/api/v1/appointments/"+a.ID+"/cancel", "requester", "adopter-1", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("cancel after reschedule = %d, want 409", w.Code)
	}
	var env map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil || env["code"] != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %s", w.Body.String())
	}

	// List for the provider contains the appointment.
	var list map[string]json.RawMessage
	w = do(t, r, http.MethodGet, "/api/v1/appointments", "provider", "clinic-1", nil, &list)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	if _, okList := list["appointments"]; !okList {
		t.Fatalf("list body missing appointments: %s", w.Body.String())
	}
}

func TestRoutes_ErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), events.NewBroker(), nil, testConfig())

	// Past date → 422 rejected_window.
	w := do(t, r, http.MethodPost, "/api/v1/appointments", "requester", "adopter-1", gin.H{
		"provider_ref": "clinic-1",
		"subject_ref":  "animal-7",
		"requested_at": time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("past date = %d, want 422", w.Code)
	}

	// Missing identity → 403.
	w = do(t, r, http.MethodGet, "/api/v1/appointments", "", "", nil, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("anonymous list = %d, want 403", w.Code)
	}

	// Provider may not create.
	w = do(t, r, http.MethodPost, "/api/v1/appointments", "provider", "clinic-1", gin.H{
		"provider_ref": "clinic-1",
		"subject_ref":  "animal-7",
		"requested_at": time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339),
	}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("provider create = %d, want 403", w.Code)
	}

	// Unknown id → 404 (must be a UUID to reach the service).
	w = do(t, r, http.MethodGet, "/api/v1/appointments/"+uuid.NewString(), "provider", "clinic-1", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown id = %d, want 404", w.Code)
	}

	// Malformed id → 400.
	w = do(t, r, http.MethodGet, "/api/v1/appointments/not-a-uuid", "provider", "clinic-1", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed id = %d, want 400", w.Code)
	}
}

func TestRoutes_IdempotentCreateReplays(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), events.NewBroker(), nil, testConfig())

	body := gin.H{
		"provider_ref": "clinic-1",
		"subject_ref":  "animal-7",
		"requested_at": time.Now().UTC().Add(72 * time.Hour).Format(time.RFC3339),
	}
	send := func() *httptest.ResponseRecorder {
		b, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.HeaderActorRole, "requester")
		req.Header.Set(middleware.HeaderActorRef, "adopter-1")
		req.Header.Set(middleware.HeaderIdempotencyKey, "retry-key-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w1 := send()
	if w1.Code != http.StatusCreated {
		t.Fatalf("first create = %d body=%s", w1.Code, w1.Body.String())
	}
	var first domain.Appointment
	if err := json.Unmarshal(w1.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode first: %v", err)
	}

	w2 := send()
	if w2.Code != http.StatusCreated {
		t.Fatalf("replayed create = %d body=%s", w2.Code, w2.Body.String())
	}
	if w2.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("expected replay marker header")
	}
	var second domain.Appointment
	if err := json.Unmarshal(w2.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay produced a different appointment: %s vs %s", second.ID, first.ID)
	}
}

func TestRoutes_Watch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), events.NewBroker(), nil, testConfig())

	var a domain.Appointment
	w := do(t, r, http.MethodPost, "/api/v1/appointments", "requester", "adopter-1", gin.H{
		"provider_ref": "clinic-1",
		"subject_ref":  "animal-7",
		"requested_at": time.Now().UTC().Add(72 * time.Hour).Format(time.RFC3339),
	}, &a)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}

	// Client is behind: the current record comes back immediately.
	var got domain.Appointment
	w = do(t, r, http.MethodGet, "/api/v1/appointments/"+a.ID+"/watch?version=0", "requester", "adopter-1", nil, &got)
	if w.Code != http.StatusOK || got.Version != a.Version {
		t.Fatalf("watch behind = %d version=%d", w.Code, got.Version)
	}

	// Client is current: the request parks until the watch timeout and
	// returns 204 (WatchTimeout is 50ms in testConfig).
	w = do(t, r, http.MethodGet, fmt.Sprintf("/api/v1/appointments/%s/watch?version=%d", a.ID, a.Version), "requester", "adopter-1", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("watch current = %d, want 204", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })

	// non-root prefix
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	// Hit all three
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/one", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "one" {
		t.Fatalf("GET /one got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/two", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "two" {
		t.Fatalf("GET /two got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("GET /api/ping got %d %q", rec.Code, rec.Body.String())
	}
}

// Smoke test that a request traverses idempotency + ratelimit + otel + security headers pipeline.
func TestPipeline_Smoke(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testConfig()
	cfg.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour} // enabled (but only set on https)
	RegisterRoutes(r, newTestDB(t), events.NewBroker(), nil, cfg)

	// Any request goes through the middleware stack
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	// simulate https so HSTS could be eligible if middleware checks scheme
	req.URL.Scheme = "https"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	// RequestID header should be present (from RequestID middleware)
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRegisterRoutes_IdempotencyCallback_ErrorBranch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	db := newTestDB(t)

	// Wire routes first...
	RegisterRoutes(r, db, events.NewBroker(), nil, testConfig())

	// ...then force queries to fail by closing the underlying connection.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	// Now any repo.GetIdempotency call should error → drives (err != nil) branch.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/health", bytes.NewBufferString("{}"))
	req.Header.Set(middleware.HeaderActorRole, "requester")
	req.Header.Set(middleware.HeaderActorRef, "adopter-1")
	req.Header.Set(middleware.HeaderIdempotencyKey, "force-error")
	r.ServeHTTP(w, req)

	// 405 is expected for POST /health; goal is to exercise the middleware branch.
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}
