// Package sweep implements the optional expiry policy for unanswered
// proposals. A proposal has no timeout inside the engine; when an operator
// enables PENDING_TTL_DAYS, this scheduled sweep cancels appointments whose
// pending entry has sat unanswered past the TTL. The sweep runs outside the
// engine and goes through the same commit path as every other transition, so
// it can never race a party's action: a losing commit is simply retried on
// the next tick.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/adoptly/go-appointment-backend/internal/repo"
	"github.com/adoptly/go-appointment-backend/internal/services"
)

// batchSize caps how many stale appointments one pass loads.
const batchSize = 100

// Sweeper periodically expires appointments with stale pending proposals.
type Sweeper struct {
	DB       *gorm.DB
	Svc      *services.AppointmentService
	TTL      time.Duration
	Interval time.Duration
}

// Run blocks, sweeping every Interval until ctx is cancelled. Intended to be
// launched as a goroutine from main when the TTL is configured.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("expiry sweep failed")
			} else if n > 0 {
				log.Info().Int("expired", n).Msg("expiry sweep cancelled stale appointments")
			}
		}
	}
}

// Sweep performs one pass and returns how many appointments were expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.TTL)
	stale, err := repo.ListPendingOlderThan(ctx, s.DB, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		ok, err := s.Svc.ExpirePending(ctx, stale[i].ID, cutoff)
		if err != nil {
			// A concurrent party action is fine; the record is re-examined
			// next tick if still stale.
			if errors.Is(err, services.ErrConflict) {
				continue
			}
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}
