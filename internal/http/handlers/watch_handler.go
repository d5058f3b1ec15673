// Long-poll watch endpoint.
//
// GET /appointments/{id}/watch?version=N blocks until the appointment's
// version exceeds N, then returns the fresh record. Clients hold one request
// open per appointment instead of polling the list endpoint; on 204 they
// simply reconnect with the same version.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adoptly/go-appointment-backend/internal/events"
	"github.com/adoptly/go-appointment-backend/internal/utils"
)

// WatchAppointment blocks until the appointment moves past the version the
// client already has, the watch timeout elapses (204), or the client goes
// away.
//
// Semantics:
//   - version query param is the client's last seen version (default 0, so a
//     first call returns the current record immediately).
//   - When the stored version is already newer, responds 200 at once.
//   - Otherwise waits for a committed transition on this appointment and
//     re-reads the record before responding, so the body always reflects the
//     persisted state rather than the event payload.
//   - Responds 204 when nothing happened within the window; clients retry.
func (h *Handlers) WatchAppointment(c *gin.Context) {
	act, okAct := actor(c)
	if !okAct {
		return
	}
	id, okID := appointmentID(c)
	if !okID {
		return
	}
	since := int64(utils.AtoiDefault(c.Query("version"), 0))

	ctx := c.Request.Context()

	// Subscribe before the initial read so a commit landing between the two
	// cannot be missed.
	var (
		ch     <-chan events.Event
		cancel func()
	)
	if h.broker != nil {
		ch, cancel = h.broker.Subscribe(id)
		defer cancel()
	}

	a, err := h.svc.Get(ctx, id, act)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if a.Version > since || h.broker == nil {
		if a.Version > since {
			ok(c, http.StatusOK, a)
		} else {
			noContent(c)
		}
		return
	}

	timer := time.NewTimer(h.watchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away; nothing useful to write.
			c.Abort()
			return
		case <-timer.C:
			noContent(c)
			return
		case ev := <-ch:
			if ev.Version <= since {
				// Buffered event for a version the client already has.
				continue
			}
			fresh, err := h.svc.Get(ctx, id, act)
			if err != nil {
				mapServiceError(c, err)
				return
			}
			if fresh.Version > since {
				ok(c, http.StatusOK, fresh)
				return
			}
			// Read raced an uncommitted event; keep waiting.
		}
	}
}
