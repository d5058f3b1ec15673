// Package events carries negotiation state transitions out of the engine.
// Every successful commit produces one Event, which is fanned out to two
// sinks: an in-process Broker that backs the long-poll watch endpoint, and an
// optional AMQP publisher that hands the transition to the notification
// pipeline. Neither sink participates in the commit; delivery is best-effort
// and a failed publish never rolls a transition back.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/adoptly/go-appointment-backend/internal/domain"
)

// Transition names. These double as AMQP routing-key suffixes
// (appointment.<transition>) and as the display source for Event.Label.
const (
	TransitionRequested  = "requested"
	TransitionAccepted   = "accepted"
	TransitionRejected   = "rejected"
	TransitionProposed   = "reschedule_proposed"
	TransitionCountered  = "countered"
	TransitionConfirmed  = "rescheduled"
	TransitionCancelled  = "cancelled"
	TransitionExpired    = "expired"
)

// Event describes one committed negotiation transition.
type Event struct {
	AppointmentID string        `json:"appointment_id"`
	Transition    string        `json:"transition"`
	Status        domain.Status `json:"status"`
	Actor         domain.Role   `json:"actor,omitempty"`
	Version       int64         `json:"version"`
	Label         string        `json:"label"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// transitions counts committed negotiation transitions by name. Cardinality
// is bounded by the closed transition set above.
var transitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "appointment_transitions_total",
		Help: "Total number of committed appointment negotiation transitions.",
	},
	[]string{"transition"},
)

func init() {
	prometheus.MustRegister(transitions)
}

var titleCaser = cases.Title(language.English)

// New builds an Event for a just-committed transition, stamping the metric
// and a human-readable label (e.g. "Reschedule Proposed") for notification
// payloads.
func New(a *domain.Appointment, transition string, actor domain.Role, at time.Time) Event {
	transitions.WithLabelValues(transition).Inc()
	return Event{
		AppointmentID: a.ID,
		Transition:    transition,
		Status:        a.Status,
		Actor:         actor,
		Version:       a.Version,
		Label:         titleCaser.String(strings.ReplaceAll(transition, "_", " ")),
		OccurredAt:    at,
	}
}

// Publisher delivers an event to an external sink (e.g. the notification
// dispatcher's message broker). Implementations must be safe for concurrent
// use and should treat delivery as fire-and-forget.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Broker is an in-process fan-out of events keyed by appointment id. Watch
// handlers subscribe for one appointment and receive every transition
// committed while they are waiting. Subscriber channels are buffered; a slow
// subscriber drops events rather than blocking the engine, which is safe
// because watchers re-read the record on wake-up anyway.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewBroker returns an empty broker ready for use.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers interest in one appointment's transitions. The returned
// cancel function must be called to release the subscription.
func (b *Broker) Subscribe(appointmentID string) (<-chan Event, func()) {
	ch := make(chan Event, 4)

	b.mu.Lock()
	set, ok := b.subs[appointmentID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[appointmentID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[appointmentID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, appointmentID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to all subscribers of its appointment without blocking.
func (b *Broker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	for ch := range b.subs[ev.AppointmentID] {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Fanout publishes to every sink, logging (not propagating) sink failures.
// A nil Fanout or one with no sinks is a valid no-op publisher.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).
				Str("appointment_id", ev.AppointmentID).
				Str("transition", ev.Transition).
				Msg("event publish failed")
		}
	}
	return nil
}
