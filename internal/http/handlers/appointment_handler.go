// Appointment HTTP handlers.
//
// This file exposes REST endpoints for the appointment negotiation lifecycle:
//   - POST   /appointments                     (request a follow-up visit)
//   - GET    /appointments                     (list for calling party, paginated)
//   - GET    /appointments/{id}                (fetch with full proposal history)
//   - POST   /appointments/{id}/accept         (provider accepts the request)
//   - POST   /appointments/{id}/reject         (provider declines the request)
//   - POST   /appointments/{id}/reschedule     (provider proposes a new date/time)
//   - POST   /appointments/{id}/response       (requester answers a proposal)
//   - POST   /appointments/{id}/counter/accept (provider accepts a counter-offer)
//   - POST   /appointments/{id}/cancel         (either party cancels)
//
// Handlers are transport-thin: they validate input, resolve the caller's
// identity from the headers lifted by middleware.ActorIdentity, call the
// negotiation service, and translate sentinel errors into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/adoptly/go-appointment-backend/internal/domain"
	"github.com/adoptly/go-appointment-backend/internal/events"
	"github.com/adoptly/go-appointment-backend/internal/http/middleware"
	"github.com/adoptly/go-appointment-backend/internal/repo"
	"github.com/adoptly/go-appointment-backend/internal/services"
	"github.com/adoptly/go-appointment-backend/internal/utils"
)

//
// Service contract (context-aware)
//

// AppointmentService defines the negotiation operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type AppointmentService interface {
	// Request creates a new appointment in REQUESTED for the calling requester.
	Request(ctx context.Context, requesterRef, providerRef, subjectRef string, at time.Time, notes string) (*domain.Appointment, error)
	// Get loads one appointment with its full history; the actor must be a party.
	Get(ctx context.Context, id string, actor services.Actor) (*domain.Appointment, error)
	// ListForParty returns a page of the actor's appointments and the total count.
	ListForParty(ctx context.Context, actor services.Actor, page, pageSize int) ([]domain.Appointment, int64, error)
	// AcceptRequest confirms the originally requested date/time.
	AcceptRequest(ctx context.Context, id string, actor services.Actor) (*domain.Appointment, error)
	// RejectRequest declines the request outright.
	RejectRequest(ctx context.Context, id string, actor services.Actor, message string) (*domain.Appointment, error)
	// ProposeReschedule offers an alternative date/time from the provider side.
	ProposeReschedule(ctx context.Context, id string, actor services.Actor, at time.Time, message string) (*domain.Appointment, error)
	// Respond answers the provider's pending proposal (accept/reject/counter).
	Respond(ctx context.Context, id string, actor services.Actor, outcome services.Outcome, at *time.Time, message string) (*domain.Appointment, error)
	// AcceptCounter confirms the requester's pending counter-offer.
	AcceptCounter(ctx context.Context, id string, actor services.Actor) (*domain.Appointment, error)
	// Cancel abandons the negotiation from either side.
	Cancel(ctx context.Context, id string, actor services.Actor, message string) (*domain.Appointment, error)
}

//
// Handler wiring
//

// Watcher lets watch handlers block until a newer version of an appointment
// is committed. *events.Broker satisfies it.
type Watcher interface {
	Subscribe(appointmentID string) (<-chan events.Event, func())
}

// Handlers groups the HTTP endpoints of the appointment API. It depends on
// the abstract service interface to keep transport concerns separate from
// negotiation logic.
type Handlers struct {
	svc    AppointmentService
	db     *gorm.DB // idempotency store; nil disables replay handling
	broker Watcher  // watch subscriptions; nil degrades watch to a point read

	idemTTL      time.Duration
	watchTimeout time.Duration
}

// Options tunes optional handler behavior.
type Options struct {
	// DB backs idempotency replay records. Nil disables replays.
	DB *gorm.DB
	// Broker feeds the long-poll watch endpoint. Nil degrades watch to a
	// plain point read.
	Broker Watcher
	// IdempotencyTTL bounds how long a replay record is honored.
	IdempotencyTTL time.Duration
	// WatchTimeout bounds how long a watch request may block. Must be below
	// the server write timeout.
	WatchTimeout time.Duration
}

// New constructs a Handlers instance bound to the given service.
func New(svc AppointmentService, opts Options) *Handlers {
	wt := opts.WatchTimeout
	if wt <= 0 {
		wt = 25 * time.Second
	}
	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handlers{
		svc:          svc,
		db:           opts.DB,
		broker:       opts.Broker,
		idemTTL:      ttl,
		watchTimeout: wt,
	}
}

// actor resolves the verified caller identity from the request context. When
// the identity headers are absent or name an unknown role it writes a 403 and
// reports false; callers must return immediately in that case.
func actor(c *gin.Context) (services.Actor, bool) {
	role, ref := middleware.ActorFrom(c)
	r := domain.Role(role)
	if !r.Valid() || ref == "" {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "caller identity missing or unknown")
		return services.Actor{}, false
	}
	return services.Actor{Role: r, Ref: ref}, true
}

// mapServiceError translates service sentinels into the HTTP error taxonomy.
func mapServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrAppointmentNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "appointment not found")
	case errors.Is(err, services.ErrUnauthorized):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "caller is not a party to this appointment")
	case errors.Is(err, services.ErrRejectedWindow):
		fail(c, http.StatusUnprocessableEntity, ErrCodeRejectedWindow, "proposed date/time outside the scheduling window")
	case errors.Is(err, services.ErrInvalidTransition):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, "operation not legal for current appointment status")
	case errors.Is(err, services.ErrConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, "appointment was modified concurrently, reload and retry")
	case errors.Is(err, services.ErrInvalidOutcome):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "outcome must be ACCEPTED, REJECTED or PROPOSED_NEW")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

//
// DTOs
//

// RequestAppointmentRequest is the JSON payload for requesting a follow-up
// visit. RequestedAt is RFC 3339 and immutable once accepted by the engine.
type RequestAppointmentRequest struct {
	// ProviderRef names the clinic being asked for the visit.
	ProviderRef string `json:"provider_ref" binding:"required,min=1,max=64" example:"clinic-17"`
	// SubjectRef names the animal the visit is about.
	SubjectRef string `json:"subject_ref" binding:"required,min=1,max=64" example:"animal-204"`
	// RequestedAt is the desired date/time (RFC 3339).
	RequestedAt time.Time `json:"requested_at" binding:"required" example:"2026-09-12T10:30:00Z"`
	// Notes optionally describes the reason for the visit.
	Notes string `json:"notes" binding:"max=2000" example:"post-adoption checkup"`
}

// MessageRequest carries the optional free-text message accompanying reject
// and cancel operations.
type MessageRequest struct {
	Message string `json:"message" binding:"max=2000" example:"fully booked that week"`
}

// RescheduleRequest is the JSON payload for a provider's alternative offer.
type RescheduleRequest struct {
	// ProposedAt is the alternative date/time (RFC 3339).
	ProposedAt time.Time `json:"proposed_at" binding:"required" example:"2026-09-14T09:00:00Z"`
	// Message optionally explains the change.
	Message string `json:"message" binding:"max=2000" example:"earlier slot freed up"`
}

// RespondRequest is the JSON payload for a requester's answer to a pending
// reschedule proposal. ProposedAt is required when Outcome is PROPOSED_NEW
// and ignored otherwise.
type RespondRequest struct {
	// Outcome is ACCEPTED, REJECTED or PROPOSED_NEW.
	Outcome string `json:"outcome" binding:"required,oneof=ACCEPTED REJECTED PROPOSED_NEW" example:"PROPOSED_NEW"`
	// ProposedAt carries the counter-offer date/time for PROPOSED_NEW.
	ProposedAt *time.Time `json:"proposed_at,omitempty" example:"2026-09-15T16:00:00Z"`
	// Message optionally explains the answer.
	Message string `json:"message" binding:"max=2000" example:"mornings don't work for us"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListAppointmentsResponse wraps a page of appointments and pagination
// information.
type ListAppointmentsResponse struct {
	Appointments []domain.Appointment `json:"appointments"`
	Pagination   Pagination           `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// replay serves a previously stored result for a retried POST carrying a
// known idempotency key. Reports true when the response has been written.
func (h *Handlers) replay(c *gin.Context, act services.Actor, scope string) bool {
	if h.db == nil || !middleware.IsReplay(c) {
		return false
	}
	key, exists := middleware.GetIdempotencyKey(c)
	if !exists {
		return false
	}
	ctx := c.Request.Context()
	rec, err := repo.GetIdempotency(ctx, h.db, act.Ref, scope, key, time.Now().UTC())
	if err != nil {
		return false
	}
	a, err := h.svc.Get(ctx, rec.AppointmentID, act)
	if err != nil {
		return false
	}
	c.Header("Idempotency-Replayed", "true")
	ok(c, rec.Status, a)
	return true
}

// remember persists an idempotency record for a completed unsafe operation.
// Best effort: a write failure only costs replay protection for that key.
func (h *Handlers) remember(c *gin.Context, act services.Actor, scope, appointmentID string, status int) {
	if h.db == nil {
		return
	}
	key, exists := middleware.GetIdempotencyKey(c)
	if !exists {
		return
	}
	if _, err := repo.CreateIdempotency(c.Request.Context(), h.db, act.Ref, scope, key, appointmentID, status, h.idemTTL); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record not saved")
	}
}

//
// Handlers
//

// RequestAppointment creates a new appointment in REQUESTED.
//
// Only the requester side may call it; the caller's reference becomes the
// appointment's requester_ref. Responds 201 with the created record, 422 when
// the requested date/time falls outside the scheduling window.
func (h *Handlers) RequestAppointment(c *gin.Context) {
	act, okAct := actor(c)
	if !okAct {
		return
	}
	if act.Role != domain.RoleRequester {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "only the requester side may request an appointment")
		return
	}
	if h.replay(c, act, middleware.IdempotencyScopeRequest) {
		return
	}

	var req RequestAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	a, err := h.svc.Request(c.Request.Context(), act.Ref, strings.TrimSpace(req.ProviderRef), strings.TrimSpace(req.SubjectRef), req.RequestedAt, req.Notes)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	h.remember(c, act, middleware.IdempotencyScopeRequest, a.ID, http.StatusCreated)
	ok(c, http.StatusCreated, a)
}

// ListAppointments returns a page of the calling party's appointments, most
// recently updated first.
func (h *Handlers) ListAppointments(c *gin.Context) {
	act, okAct := actor(c)
	if !okAct {
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.svc.ListForParty(c.Request.Context(), act, page, pageSize)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	resp := ListAppointmentsResponse{
		Appointments: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	}
	ok(c, http.StatusOK, resp)
}

// GetAppointment returns one appointment with its full proposal history.
func (h *Handlers) GetAppointment(c *gin.Context) {
	act, okAct := actor(c)
	if !okAct {
		return
	}
	id, okID := appointmentID(c)
	if !okID {
		return
	}

	a, err := h.svc.Get(c.Request.Context(), id, act)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

// AcceptRequest confirms the originally requested date/time (provider only).
func (h *Handlers) AcceptRequest(c *gin.Context) {
	h.transition(c, func(ctx context.Context, id string, act services.Actor) (*domain.Appointment, error) {
		return h.svc.AcceptRequest(ctx, id, act)
	})
}

// RejectRequest declines the request outright (provider only). The optional
// message is stored on the record for the requester to see.
func (h *Handlers) RejectRequest(c *gin.Context) {
	var req MessageRequest
	if !bindOptional(c, &req) {
		return
	}
	h.transition(c, func(ctx context.Context, id string, act services.Actor) (*domain.Appointment, error) {
		return h.svc.RejectRequest(ctx, id, act, req.Message)
	})
}

// ProposeReschedule offers an alternative date/time (provider only). A newer
// offer supersedes the provider's own unanswered one.
func (h *Handlers) ProposeReschedule(c *gin.Context) {
	var req RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "proposed_at (RFC 3339) required")
		return
	}
	h.transition(c, func(ctx context.Context, id string, act services.Actor) (*domain.Appointment, error) {
		return h.svc.ProposeReschedule(ctx, id, act, req.ProposedAt, req.Message)
	})
}

// RespondToReschedule answers the provider's pending proposal (requester
// only): accept it, reject it and end the negotiation, or counter with a new
// date/time.
func (h *Handlers) RespondToReschedule(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "outcome must be ACCEPTED, REJECTED or PROPOSED_NEW")
		return
	}
	outcome := services.Outcome(req.Outcome)
	if outcome == services.OutcomeProposedNew && req.ProposedAt == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "proposed_at required for PROPOSED_NEW")
		return
	}
	h.transition(c, func(ctx context.Context, id string, act services.Actor) (*domain.Appointment, error) {
		return h.svc.Respond(ctx, id, act, outcome, req.ProposedAt, req.Message)
	})
}

// AcceptCounterProposal confirms the requester's pending counter-offer
// (provider only).
func (h *Handlers) AcceptCounterProposal(c *gin.Context) {
	h.transition(c, func(ctx context.Context, id string, act services.Actor) (*domain.Appointment, error) {
		return h.svc.AcceptCounter(ctx, id, act)
	})
}

// CancelAppointment abandons the negotiation (either party, while it is
// still negotiable).
func (h *Handlers) CancelAppointment(c *gin.Context) {
	var req MessageRequest
	if !bindOptional(c, &req) {
		return
	}
	h.transition(c, func(ctx context.Context, id string, act services.Actor) (*domain.Appointment, error) {
		return h.svc.Cancel(ctx, id, act, req.Message)
	})
}

// transition runs the shared skeleton of the POST /appointments/{id}/*
// operations: identity, id validation, idempotent replay, the state change
// itself, and the success record.
func (h *Handlers) transition(c *gin.Context, op func(ctx context.Context, id string, act services.Actor) (*domain.Appointment, error)) {
	act, okAct := actor(c)
	if !okAct {
		return
	}
	id, okID := appointmentID(c)
	if !okID {
		return
	}
	if h.replay(c, act, id) {
		return
	}

	a, err := op(c.Request.Context(), id, act)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	h.remember(c, act, id, a.ID, http.StatusOK)
	ok(c, http.StatusOK, a)
}

// appointmentID validates the :id path parameter. Writes a 400 and reports
// false when it is not a UUID.
func appointmentID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "appointment id must be a UUID")
		return "", false
	}
	return id, true
}

// bindOptional parses an optional JSON body into dst. An empty body is fine;
// a present but malformed one responds 400 and reports false.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}
