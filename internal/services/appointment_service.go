// Package services – AppointmentService
//
// This file implements the negotiation engine for follow-up appointments. It
// is the only component that mutates an appointment: every public operation
// loads the current record, validates the requested transition against the
// state machine and the scheduling window, applies the ledger side effects,
// and commits atomically under an optimistic version check. A successful
// commit emits one transition event for the watch endpoint and the
// notification pipeline.
//
// The protocol is strictly turn-based: at most one ledger entry is pending at
// any instant, its author identifies whose offer is outstanding, and only the
// other party may resolve it. Service-level sentinel errors (ErrNotFound,
// ErrInvalidTransition, ErrRejectedWindow, ErrConflict, ErrUnauthorized) are
// returned for predictable cases so handlers can map them to HTTP results
// consistently.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/adoptly/go-appointment-backend/internal/domain"
	"github.com/adoptly/go-appointment-backend/internal/events"
	"github.com/adoptly/go-appointment-backend/internal/repo"
	"github.com/adoptly/go-appointment-backend/internal/schedule"
)

// Actor is the verified identity of the caller, supplied by the upstream
// identity layer. The engine trusts Role/Ref and only checks that they name
// a party to the appointment being operated on.
type Actor struct {
	Role domain.Role
	Ref  string
}

// Outcome is a requester's answer to a provider's reschedule proposal.
type Outcome string

// Reschedule response outcomes.
const (
	OutcomeAccepted    Outcome = "ACCEPTED"
	OutcomeRejected    Outcome = "REJECTED"
	OutcomeProposedNew Outcome = "PROPOSED_NEW"
)

// AppointmentService orchestrates the appointment negotiation state machine.
// It is safe for parallel invocation across appointments and for concurrent
// invocation on the same appointment from both parties: conflicting commits
// lose the version check and surface as ErrConflict instead of clobbering
// the other side's action.
type AppointmentService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// HorizonDays bounds how far ahead a date/time may be proposed.
	// Values <= 0 fall back to schedule.DefaultHorizonDays.
	HorizonDays int
	// Events receives one event per committed transition. May be nil.
	Events events.Publisher
	// Now is a clock seam for tests; defaults to time.Now().UTC().
	Now func() time.Time
}

// NewAppointmentService constructs a service with the given horizon and
// event sink.
func NewAppointmentService(db *gorm.DB, horizonDays int, pub events.Publisher) *AppointmentService {
	return &AppointmentService{DB: db, HorizonDays: horizonDays, Events: pub}
}

func (s *AppointmentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *AppointmentService) emit(ctx context.Context, a *domain.Appointment, transition string, actor domain.Role, at time.Time) {
	ev := events.New(a, transition, actor, at)
	if s.Events != nil {
		_ = s.Events.Publish(ctx, ev)
	}
}

// Request creates a new appointment in REQUESTED with an empty ledger. The
// requested date/time must pass window validation; it is immutable for the
// lifetime of the record.
func (s *AppointmentService) Request(ctx context.Context, requesterRef, providerRef, subjectRef string, at time.Time, notes string) (*domain.Appointment, error) {
	now := s.now()
	if err := schedule.Validate(at, now, s.HorizonDays); err != nil {
		return nil, ErrRejectedWindow
	}

	a := &domain.Appointment{
		ID:           uuid.NewString(),
		SubjectRef:   subjectRef,
		RequesterRef: requesterRef,
		ProviderRef:  providerRef,
		RequestedAt:  at.UTC(),
		Status:       domain.StatusRequested,
		Notes:        strings.TrimSpace(notes),
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	if err := repo.CreateAppointment(ctx, s.DB, a); err != nil {
		return nil, err
	}
	s.emit(ctx, a, events.TransitionRequested, domain.RoleRequester, now)
	return a, nil
}

// Get loads an appointment with its full history. The actor must be a party
// to it.
func (s *AppointmentService) Get(ctx context.Context, id string, actor Actor) (*domain.Appointment, error) {
	return s.load(ctx, id, actor)
}

// ListForParty returns a page of appointments on which the actor
// participates, most recently updated first, plus the total count.
func (s *AppointmentService) ListForParty(ctx context.Context, actor Actor, page, pageSize int) ([]domain.Appointment, int64, error) {
	if !actor.Role.Valid() {
		return nil, 0, ErrUnauthorized
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountAppointmentsForParty(ctx, s.DB, actor.Role, actor.Ref)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Appointment{}, 0, nil
	}
	items, err := repo.ListAppointmentsForParty(ctx, s.DB, actor.Role, actor.Ref, offset, pageSize)
	return items, total, err
}

// AcceptRequest confirms the requester's original date/time. Provider only;
// legal only from REQUESTED.
func (s *AppointmentService) AcceptRequest(ctx context.Context, id string, actor Actor) (*domain.Appointment, error) {
	a, err := s.loadForRole(ctx, id, actor, domain.RoleProvider)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.StatusRequested {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	loaded := a.Version
	a.Status = domain.StatusAccepted
	if err := s.commit(ctx, a, loaded, repo.Transition{}, now); err != nil {
		return nil, err
	}
	s.emit(ctx, a, events.TransitionAccepted, actor.Role, now)
	return a, nil
}

// RejectRequest declines the original request outright, ending the
// appointment. Provider only; legal only from REQUESTED.
func (s *AppointmentService) RejectRequest(ctx context.Context, id string, actor Actor, message string) (*domain.Appointment, error) {
	a, err := s.loadForRole(ctx, id, actor, domain.RoleProvider)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.StatusRequested {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	loaded := a.Version
	a.Status = domain.StatusRejected
	a.ProviderMessage = strings.TrimSpace(message)
	if err := s.commit(ctx, a, loaded, repo.Transition{}, now); err != nil {
		return nil, err
	}
	s.emit(ctx, a, events.TransitionRejected, actor.Role, now)
	return a, nil
}

// ProposeReschedule offers a different date/time on behalf of the provider.
// Legal from REQUESTED and RESCHEDULE_PROPOSED. Any outstanding offer (the
// provider's own earlier one or the requester's counter) is superseded:
// resolved rejected with reason "superseded" before the new pending entry is
// appended.
func (s *AppointmentService) ProposeReschedule(ctx context.Context, id string, actor Actor, at time.Time, message string) (*domain.Appointment, error) {
	a, err := s.loadForRole(ctx, id, actor, domain.RoleProvider)
	if err != nil {
		return nil, err
	}
	if !a.IsNegotiable() {
		return nil, ErrInvalidTransition
	}
	now := s.now()
	if err := schedule.Validate(at, now, s.HorizonDays); err != nil {
		return nil, ErrRejectedWindow
	}

	loaded := a.Version
	var tr repo.Transition
	if a.CurrentPending() != nil {
		p, err := a.ResolvePending(domain.ResolutionRejected, domain.ReasonSuperseded, now)
		if err != nil {
			return nil, err
		}
		tr.Resolved = append(tr.Resolved, *p)
	}
	entry := domain.Proposal{
		ID:         uuid.NewString(),
		ProposedBy: domain.RoleProvider,
		ProposedAt: at.UTC(),
		Message:    strings.TrimSpace(message),
		CreatedAt:  now,
	}
	if err := a.AppendProposal(entry); err != nil {
		return nil, err
	}
	tr.Appended = append(tr.Appended, a.History[len(a.History)-1])
	a.Status = domain.StatusRescheduleProposed

	if err := s.commit(ctx, a, loaded, tr, now); err != nil {
		return nil, err
	}
	s.emit(ctx, a, events.TransitionProposed, actor.Role, now)
	return a, nil
}

// Respond is the requester's answer to a pending provider proposal:
//
//   - ACCEPTED resolves the entry accepted and settles the appointment on the
//     provider's date/time (status RESCHEDULED).
//   - REJECTED resolves the entry rejected and ends the appointment (status
//     REJECTED, terminal).
//   - PROPOSED_NEW requires a window-valid counter date/time: the provider's
//     entry is resolved rejected with reason "countered", a requester entry
//     is appended pending, and the status stays RESCHEDULE_PROPOSED with the
//     ball on the provider's side.
func (s *AppointmentService) Respond(ctx context.Context, id string, actor Actor, outcome Outcome, at *time.Time, message string) (*domain.Appointment, error) {
	a, err := s.loadForRole(ctx, id, actor, domain.RoleRequester)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.StatusRescheduleProposed {
		return nil, ErrInvalidTransition
	}
	pending := a.CurrentPending()
	if pending == nil || pending.ProposedBy != domain.RoleProvider {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	loaded := a.Version
	message = strings.TrimSpace(message)
	var tr repo.Transition
	var transition string

	switch outcome {
	case OutcomeAccepted:
		p, err := a.ResolvePending(domain.ResolutionAccepted, "", now)
		if err != nil {
			return nil, err
		}
		tr.Resolved = append(tr.Resolved, *p)
		a.Status = domain.StatusRescheduled
		a.RequesterMessage = message
		transition = events.TransitionConfirmed

	case OutcomeRejected:
		p, err := a.ResolvePending(domain.ResolutionRejected, "", now)
		if err != nil {
			return nil, err
		}
		tr.Resolved = append(tr.Resolved, *p)
		a.Status = domain.StatusRejected
		a.RequesterMessage = message
		transition = events.TransitionRejected

	case OutcomeProposedNew:
		if at == nil {
			return nil, ErrRejectedWindow
		}
		if err := schedule.Validate(*at, now, s.HorizonDays); err != nil {
			return nil, ErrRejectedWindow
		}
		p, err := a.ResolvePending(domain.ResolutionRejected, domain.ReasonCountered, now)
		if err != nil {
			return nil, err
		}
		tr.Resolved = append(tr.Resolved, *p)
		entry := domain.Proposal{
			ID:         uuid.NewString(),
			ProposedBy: domain.RoleRequester,
			ProposedAt: at.UTC(),
			Message:    message,
			CreatedAt:  now,
		}
		if err := a.AppendProposal(entry); err != nil {
			return nil, err
		}
		tr.Appended = append(tr.Appended, a.History[len(a.History)-1])
		// Status stays RESCHEDULE_PROPOSED; the provider now holds the ball.
		transition = events.TransitionCountered

	default:
		return nil, ErrInvalidOutcome
	}

	if err := s.commit(ctx, a, loaded, tr, now); err != nil {
		return nil, err
	}
	s.emit(ctx, a, transition, actor.Role, now)
	return a, nil
}

// AcceptCounter settles the appointment on the requester's counter-offer.
// Provider only; legal only while a requester-authored entry is pending.
func (s *AppointmentService) AcceptCounter(ctx context.Context, id string, actor Actor) (*domain.Appointment, error) {
	a, err := s.loadForRole(ctx, id, actor, domain.RoleProvider)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.StatusRescheduleProposed {
		return nil, ErrInvalidTransition
	}
	pending := a.CurrentPending()
	if pending == nil || pending.ProposedBy != domain.RoleRequester {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	loaded := a.Version
	p, err := a.ResolvePending(domain.ResolutionAccepted, "", now)
	if err != nil {
		return nil, err
	}
	tr := repo.Transition{Resolved: []domain.Proposal{*p}}
	a.Status = domain.StatusRescheduled

	if err := s.commit(ctx, a, loaded, tr, now); err != nil {
		return nil, err
	}
	s.emit(ctx, a, events.TransitionConfirmed, actor.Role, now)
	return a, nil
}

// Cancel ends the appointment from any negotiable state. Either party may
// cancel; an outstanding offer is resolved rejected with reason "cancelled".
func (s *AppointmentService) Cancel(ctx context.Context, id string, actor Actor, message string) (*domain.Appointment, error) {
	a, err := s.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if !a.IsNegotiable() {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	loaded := a.Version
	var tr repo.Transition
	if a.CurrentPending() != nil {
		p, err := a.ResolvePending(domain.ResolutionRejected, domain.ReasonCancelled, now)
		if err != nil {
			return nil, err
		}
		tr.Resolved = append(tr.Resolved, *p)
	}
	a.Status = domain.StatusCancelled
	if message = strings.TrimSpace(message); message != "" {
		if actor.Role == domain.RoleProvider {
			a.ProviderMessage = message
		} else {
			a.RequesterMessage = message
		}
	}

	if err := s.commit(ctx, a, loaded, tr, now); err != nil {
		return nil, err
	}
	s.emit(ctx, a, events.TransitionCancelled, actor.Role, now)
	return a, nil
}

// ExpirePending cancels an appointment whose pending proposal predates
// cutoff, resolving the entry rejected with reason "expired". It reports
// whether the record was expired; an appointment that is no longer in
// RESCHEDULE_PROPOSED (or whose pending entry is newer than cutoff) is left
// untouched. Called by the expiry sweep, never by either party.
func (s *AppointmentService) ExpirePending(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	a, err := repo.GetAppointment(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, ErrAppointmentNotFound
		}
		return false, err
	}
	if a.Status != domain.StatusRescheduleProposed {
		return false, nil
	}
	pending := a.CurrentPending()
	if pending == nil || !pending.CreatedAt.Before(cutoff) {
		return false, nil
	}

	now := s.now()
	loaded := a.Version
	p, err := a.ResolvePending(domain.ResolutionRejected, domain.ReasonExpired, now)
	if err != nil {
		return false, err
	}
	tr := repo.Transition{Resolved: []domain.Proposal{*p}}
	a.Status = domain.StatusCancelled

	if err := s.commit(ctx, a, loaded, tr, now); err != nil {
		return false, err
	}
	s.emit(ctx, a, events.TransitionExpired, "", now)
	return true, nil
}

// load fetches the appointment and verifies the actor is a party to it.
func (s *AppointmentService) load(ctx context.Context, id string, actor Actor) (*domain.Appointment, error) {
	if !actor.Role.Valid() {
		return nil, ErrUnauthorized
	}
	a, err := repo.GetAppointment(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	if !a.IsParty(actor.Role, actor.Ref) {
		return nil, ErrUnauthorized
	}
	return a, nil
}

// loadForRole is load plus a check that the operation belongs to the given
// side of the protocol.
func (s *AppointmentService) loadForRole(ctx context.Context, id string, actor Actor, role domain.Role) (*domain.Appointment, error) {
	if actor.Role != role {
		return nil, ErrUnauthorized
	}
	return s.load(ctx, id, actor)
}

// commit persists the transition, mapping the repository's version-guard
// failure to the service-level ErrConflict.
func (s *AppointmentService) commit(ctx context.Context, a *domain.Appointment, loadedVersion int64, tr repo.Transition, now time.Time) error {
	err := repo.CommitTransition(ctx, s.DB, a, loadedVersion, tr, now)
	if errors.Is(err, repo.ErrVersionConflict) {
		return ErrConflict
	}
	return err
}
