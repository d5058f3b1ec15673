package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/adoptly/go-appointment-backend/internal/domain"
	"github.com/adoptly/go-appointment-backend/internal/events"
	"github.com/adoptly/go-appointment-backend/internal/http/middleware"
	"github.com/adoptly/go-appointment-backend/internal/services"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
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

// newTestStack wires a minimal engine (identity middleware + routes) around a
// real service and in-memory DB.
func newTestStack(t *testing.T) (*gin.Engine, *services.AppointmentService, *events.Broker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newTestDB(t)
	broker := events.NewBroker()
	svc := services.NewAppointmentService(db, 30, broker)
	h := New(svc, Options{DB: db, Broker: broker, WatchTimeout: time.Second})

	r := gin.New()
	r.Use(middleware.ActorIdentity())
	r.POST("/appointments", h.RequestAppointment)
	r.GET("/appointments", h.ListAppointments)
	r.GET("/appointments/:id", h.GetAppointment)
	r.GET("/appointments/:id/watch", h.WatchAppointment)
	r.POST("/appointments/:id/accept", h.AcceptRequest)
	r.POST("/appointments/:id/reject", h.RejectRequest)
	r.POST("/appointments/:id/reschedule", h.ProposeReschedule)
	r.POST("/appointments/:id/response", h.RespondToReschedule)
	r.POST("/appointments/:id/counter/accept", h.AcceptCounterProposal)
	r.POST("/appointments/:id/cancel", h.CancelAppointment)
	return r, svc, broker
}

func send(t *testing.T, r *gin.Engine, method, path, role, ref, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set(middleware.HeaderActorRole, role)
		req.Header.Set(middleware.HeaderActorRef, ref)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createAppointment(t *testing.T, r *gin.Engine) domain.Appointment {
	t.Helper()
	at := time.Now().UTC().Add(72 * time.Hour).Format(time.RFC3339)
	body := fmt.Sprintf(`{"provider_ref":"clinic-1","subject_ref":"animal-7","requested_at":%q,"notes":"checkup"}`, at)
	w := send(t, r, http.MethodPost, "/appointments", "requester", "adopter-1", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d body=%s", w.Code, w.Body.String())
	}
	var a domain.Appointment
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return a
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v\n%s", err, w.Body.String())
	}
	return resp.Code
}

func TestRequestAppointment_Validation(t *testing.T) {
	r, _, _ := newTestStack(t)

	// Malformed JSON → 400.
	w := send(t, r, http.MethodPost, "/appointments", "requester", "adopter-1", `{"provider_ref":`)
	if w.Code != http.StatusBadRequest || errCode(t, w) != ErrCodeBadRequest {
		t.Fatalf("malformed body = %d %s", w.Code, w.Body.String())
	}

	// Missing required fields → 400.
	w = send(t, r, http.MethodPost, "/appointments", "requester", "adopter-1", `{"notes":"hi"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing fields = %d", w.Code)
	}

	// Unknown role header → 403.
	w = send(t, r, http.MethodPost, "/appointments", "admin", "root", `{}`)
	if w.Code != http.StatusForbidden || errCode(t, w) != ErrCodeForbidden {
		t.Fatalf("unknown role = %d %s", w.Code, w.Body.String())
	}
}

func TestRespondToReschedule_Validation(t *testing.T) {
	r, _, _ := newTestStack(t)
	a := createAppointment(t, r)

	at := time.Now().UTC().Add(96 * time.Hour).Format(time.RFC3339)
	w := send(t, r, http.MethodPost, "/appointments/"+a.ID+"/reschedule", "provider", "clinic-1",
		fmt.Sprintf(`{"proposed_at":%q}`, at))
	if w.Code != http.StatusOK {
		t.Fatalf("reschedule = %d body=%s", w.Code, w.Body.String())
	}

	// Bad outcome value fails binding → 400.
	w = send(t, r, http.MethodPost, "/appointments/"+a.ID+"/response", "requester", "adopter-1",
		`{"outcome":"MAYBE"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad outcome = %d", w.Code)
	}

	// PROPOSED_NEW without a date → 400.
	w = send(t, r, http.MethodPost, "/appointments/"+a.ID+"/response", "requester", "adopter-1",
		`{"outcome":"PROPOSED_NEW"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("counter without date = %d", w.Code)
	}

	// Accepting settles the negotiation.
	w = send(t, r, http.MethodPost, "/appointments/"+a.ID+"/response", "requester", "adopter-1",
		`{"outcome":"ACCEPTED"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("accept proposal = %d body=%s", w.Code, w.Body.String())
	}
	var got domain.Appointment
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != domain.StatusRescheduled {
		t.Fatalf("status = %s, want RESCHEDULED", got.Status)
	}
}

func TestRejectAndCancel_OptionalBody(t *testing.T) {
	r, _, _ := newTestStack(t)

	// Reject with a message.
	a := createAppointment(t, r)
	w := send(t, r, http.MethodPost, "/appointments/"+a.ID+"/reject", "provider", "clinic-1",
		`{"message":"no capacity"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("reject = %d body=%s", w.Code, w.Body.String())
	}
	var got domain.Appointment
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != domain.StatusRejected || got.ProviderMessage != "no capacity" {
		t.Fatalf("rejected record: %+v", got)
	}

	// Cancel with an empty body is fine.
	b := createAppointment(t, r)
	w = send(t, r, http.MethodPost, "/appointments/"+b.ID+"/cancel", "requester", "adopter-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel = %d body=%s", w.Code, w.Body.String())
	}

	// Cancel with malformed JSON is not.
	c := createAppointment(t, r)
	w = send(t, r, http.MethodPost, "/appointments/"+c.ID+"/cancel", "requester", "adopter-1", `{"message":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed cancel = %d", w.Code)
	}
}

func TestAcceptRequest_WrongSide(t *testing.T) {
	r, _, _ := newTestStack(t)
	a := createAppointment(t, r)

	// The requester cannot accept their own request.
	w := send(t, r, http.MethodPost, "/appointments/"+a.ID+"/accept", "requester", "adopter-1", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("requester accept = %d, want 403", w.Code)
	}

	w = send(t, r, http.MethodPost, "/appointments/"+a.ID+"/accept", "provider", "clinic-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("provider accept = %d body=%s", w.Code, w.Body.String())
	}

	// A second accept is no longer legal and reports the transition code.
	w = send(t, r, http.MethodPost, "/appointments/"+a.ID+"/accept", "provider", "clinic-1", "")
	if w.Code != http.StatusConflict || errCode(t, w) != ErrCodeInvalidTransition {
		t.Fatalf("double accept = %d %s", w.Code, w.Body.String())
	}
}

func TestWatch_WakesOnCommit(t *testing.T) {
	r, svc, _ := newTestStack(t)
	a := createAppointment(t, r)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet,
			fmt.Sprintf("/appointments/%s/watch?version=%d", a.ID, a.Version), nil)
		req.Header.Set(middleware.HeaderActorRole, "requester")
		req.Header.Set(middleware.HeaderActorRef, "adopter-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		done <- w
	}()

	// Give the watcher time to subscribe, then commit a transition.
	time.Sleep(50 * time.Millisecond)
	if _, err := svc.AcceptRequest(context.Background(), a.ID, services.Actor{Role: domain.RoleProvider, Ref: "clinic-1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	select {
	case w := <-done:
		if w.Code != http.StatusOK {
			t.Fatalf("watch = %d body=%s", w.Code, w.Body.String())
		}
		var got domain.Appointment
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Version <= a.Version || got.Status != domain.StatusAccepted {
			t.Fatalf("stale watch result: version=%d status=%s", got.Version, got.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("watch did not wake up")
	}
}

func TestNew_Defaults(t *testing.T) {
	h := New(nil, Options{})
	if h.watchTimeout != 25*time.Second {
		t.Fatalf("watchTimeout default = %v", h.watchTimeout)
	}
	if h.idemTTL != 24*time.Hour {
		t.Fatalf("idemTTL default = %v", h.idemTTL)
	}
}
