// Package domain defines the persistence models for the follow-up appointment
// negotiation: the appointment record itself and its append-only proposal
// ledger. These types are mapped with GORM and form the core data layer of
// the application.
package domain

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Role identifies the party performing or owning an action.
type Role string

// Parties to a negotiation. The caller's identity layer resolves a request to
// one of these; the engine never authenticates anyone itself.
const (
	RoleProvider  Role = "provider"
	RoleRequester Role = "requester"
)

// Valid reports whether r is one of the two known parties.
func (r Role) Valid() bool { return r == RoleProvider || r == RoleRequester }

// Other returns the counterparty role.
func (r Role) Other() Role {
	if r == RoleProvider {
		return RoleRequester
	}
	return RoleProvider
}

// Status is the lifecycle state of an appointment.
type Status string

// Appointment statuses. REQUESTED and RESCHEDULE_PROPOSED are negotiable;
// everything else is terminal and freezes the record apart from bookkeeping.
const (
	StatusRequested          Status = "REQUESTED"
	StatusAccepted           Status = "ACCEPTED"
	StatusRejected           Status = "REJECTED"
	StatusRescheduleProposed Status = "RESCHEDULE_PROPOSED"
	StatusRescheduled        Status = "RESCHEDULED"
	StatusCancelled          Status = "CANCELLED"
)

// Resolution is the outcome recorded on a ledger entry.
type Resolution string

// Proposal resolutions. An entry is written as pending and transitions at
// most once to accepted or rejected, never back.
const (
	ResolutionPending  Resolution = "pending"
	ResolutionAccepted Resolution = "accepted"
	ResolutionRejected Resolution = "rejected"
)

// Audit reasons attached to rejected ledger entries that were not rejected by
// an explicit response: a newer offer replaced them, a counter-offer answered
// them, the appointment was cancelled, or the proposal sat unanswered past
// the configured expiry window.
const (
	ReasonSuperseded = "superseded"
	ReasonCountered  = "countered"
	ReasonCancelled  = "cancelled"
	ReasonExpired    = "expired"
)

// Ledger invariant violations. These indicate caller bugs in the engine, not
// user input errors, and are therefore distinct from the service sentinels.
var (
	// ErrPendingExists is returned by AppendProposal when an unresolved entry
	// is already on the ledger.
	ErrPendingExists = errors.New("ledger already has a pending proposal")

	// ErrNoPending is returned by ResolvePending when no unresolved entry
	// exists to resolve.
	ErrNoPending = errors.New("ledger has no pending proposal")
)

// Appointment is the negotiated follow-up visit between a provider (clinic)
// and a requester (adopter). The record carries the current status, the two
// per-party offer slots, and the full proposal history.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - SubjectRef / RequesterRef / ProviderRef: opaque references into the
//     animal, adopter, and clinic directories; never interpreted here.
//   - RequestedAt: the requester's original date/time, set once at creation
//     and never modified afterwards.
//   - Status: current lifecycle state (see Status constants).
//   - ProviderProposedAt / RequesterProposedAt: mirrors of the latest ledger
//     entry authored by each side, kept for display and audit; the ledger is
//     the source of truth.
//   - ProviderMessage / RequesterMessage: free text attached to each side's
//     most recent action.
//   - Notes: free text set by the requester at creation.
//   - History: the append-only proposal ledger, ordered by creation time.
//   - Version: monotonically increasing counter used for optimistic
//     concurrency; every committed mutation increments it by one.
type Appointment struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	SubjectRef   string    `json:"subject_ref"   gorm:"type:varchar(64);not null;index"`
	RequesterRef string    `json:"requester_ref" gorm:"type:varchar(64);not null;index:idx_requester_appts"`
	ProviderRef  string    `json:"provider_ref"  gorm:"type:varchar(64);not null;index:idx_provider_appts"`
	RequestedAt  time.Time `json:"requested_at"  gorm:"not null"`
	Status       Status    `json:"status"        gorm:"type:varchar(32);not null;index;check:status IN ('REQUESTED','ACCEPTED','REJECTED','RESCHEDULE_PROPOSED','RESCHEDULED','CANCELLED')"`

	ProviderProposedAt  *time.Time `json:"provider_proposed_at,omitempty"`
	RequesterProposedAt *time.Time `json:"requester_proposed_at,omitempty"`
	ProviderMessage     string     `json:"provider_message,omitempty"  gorm:"type:text"`
	RequesterMessage    string     `json:"requester_message,omitempty" gorm:"type:text"`
	Notes               string     `json:"notes,omitempty"             gorm:"type:text"`

	History []Proposal `json:"history" gorm:"foreignKey:AppointmentID;references:ID"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Version int64 `json:"version" gorm:"not null;default:1"`
}

// TableName returns the database table name for Appointment.
func (Appointment) TableName() string { return "appointments" }

// Proposal is a single offered date/time on an appointment's ledger. Entries
// are append-only: once written, the only permitted change is the single
// transition pending -> accepted|rejected, which also sets RespondedAt.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - AppointmentID: foreign key to the owning appointment (indexed).
//   - ProposedBy: which party authored the offer.
//   - ProposedAt: the offered date/time.
//   - Message: optional free text accompanying the offer.
//   - Resolution: pending, accepted, or rejected.
//   - Reason: audit tag for implicit rejections ("superseded", "countered",
//     "cancelled", "expired"); empty for explicit responses.
//   - CreatedAt: ledger ordering key, immutable.
//   - RespondedAt: set exactly once, when Resolution leaves pending.
type Proposal struct {
	ID            string     `json:"id"             gorm:"type:char(36);primaryKey"`
	AppointmentID string     `json:"appointment_id" gorm:"type:char(36);not null;index:idx_appt_proposals,priority:1"`
	ProposedBy    Role       `json:"proposed_by"    gorm:"type:varchar(16);not null;check:proposed_by IN ('provider','requester')"`
	ProposedAt    time.Time  `json:"proposed_at"    gorm:"not null"`
	Message       string     `json:"message,omitempty" gorm:"type:text"`
	Resolution    Resolution `json:"resolution"     gorm:"type:varchar(16);not null;default:'pending';check:resolution IN ('pending','accepted','rejected')"`
	Reason        string     `json:"reason,omitempty" gorm:"type:varchar(32)"`
	CreatedAt     time.Time  `json:"created_at"     gorm:"index:idx_appt_proposals,priority:2"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`

	// Appointment is the parent record. Ledger entries are cascade-deleted
	// only if the appointment row itself is ever purged.
	Appointment *Appointment `json:"-" gorm:"foreignKey:AppointmentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Proposal.
func (Proposal) TableName() string { return "proposals" }

// IsNegotiable reports whether further proposals or responses are legal for
// the appointment's current status.
func (a *Appointment) IsNegotiable() bool {
	return a.Status == StatusRequested || a.Status == StatusRescheduleProposed
}

// IsTerminal reports whether the appointment has reached a final status.
func (a *Appointment) IsTerminal() bool { return !a.IsNegotiable() }

// IsParty reports whether ref identifies the given role's side of this
// appointment.
func (a *Appointment) IsParty(role Role, ref string) bool {
	switch role {
	case RoleProvider:
		return ref == a.ProviderRef
	case RoleRequester:
		return ref == a.RequesterRef
	default:
		return false
	}
}

// CurrentPending returns the single unresolved ledger entry, or nil when no
// offer is outstanding.
func (a *Appointment) CurrentPending() *Proposal {
	for i := range a.History {
		if a.History[i].Resolution == ResolutionPending {
			return &a.History[i]
		}
	}
	return nil
}

// CurrentPendingProposer returns the party whose offer is outstanding. The
// second result is false when no entry is pending.
func (a *Appointment) CurrentPendingProposer() (Role, bool) {
	if p := a.CurrentPending(); p != nil {
		return p.ProposedBy, true
	}
	return "", false
}

// AgreedAt returns the date/time both parties settled on. It is the accepted
// ledger entry's time for RESCHEDULED appointments, the original request time
// for ACCEPTED ones, and nil in every other status.
func (a *Appointment) AgreedAt() *time.Time {
	switch a.Status {
	case StatusAccepted:
		t := a.RequestedAt
		return &t
	case StatusRescheduled:
		// The most recent accepted entry carries the agreed time.
		for i := len(a.History) - 1; i >= 0; i-- {
			if a.History[i].Resolution == ResolutionAccepted {
				t := a.History[i].ProposedAt
				return &t
			}
		}
	}
	return nil
}

// AppendProposal adds a new pending entry to the in-memory ledger and mirrors
// its date/time and message into the authoring party's slot. It fails with
// ErrPendingExists when an unresolved entry is already present; the engine
// must resolve or supersede it first.
func (a *Appointment) AppendProposal(p Proposal) error {
	if a.CurrentPending() != nil {
		return ErrPendingExists
	}
	p.AppointmentID = a.ID
	p.Resolution = ResolutionPending
	a.History = append(a.History, p)
	at := p.ProposedAt
	switch p.ProposedBy {
	case RoleProvider:
		a.ProviderProposedAt = &at
		a.ProviderMessage = p.Message
	case RoleRequester:
		a.RequesterProposedAt = &at
		a.RequesterMessage = p.Message
	}
	return nil
}

// ResolvePending transitions the single pending entry to the given outcome,
// stamping RespondedAt and the audit reason. It fails with ErrNoPending when
// nothing is outstanding. The resolved entry is returned so callers can read
// its date/time (e.g. the agreed slot on acceptance).
func (a *Appointment) ResolvePending(outcome Resolution, reason string, at time.Time) (*Proposal, error) {
	p := a.CurrentPending()
	if p == nil {
		return nil, ErrNoPending
	}
	p.Resolution = outcome
	p.Reason = reason
	t := at
	p.RespondedAt = &t
	return p, nil
}
