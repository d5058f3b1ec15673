// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Appointment aggregate and its proposal ledger.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. Transition legality lives in the
// service layer; this package only guarantees that a transition commits
// atomically and only against the version it was computed from.
//
// Error semantics:
//   - When an appointment is not found, functions return ErrNotFound
//     (aliasing gorm.ErrRecordNotFound).
//   - When a guarded commit matches zero rows because another operation
//     committed first, CommitTransition returns ErrVersionConflict.
//   - On other DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/adoptly/go-appointment-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrVersionConflict is returned when a guarded commit loses the optimistic
// concurrency race: the appointment's version (or a ledger entry's pending
// state) changed between the caller's read and its write.
var ErrVersionConflict = errors.New("appointment was modified concurrently")

// Transition captures the ledger side effects of one engine operation so
// that CommitTransition can persist them together with the record update.
// Appended rows are inserted; Resolved rows update an existing entry and are
// guarded on it still being pending.
type Transition struct {
	Appended []domain.Proposal
	Resolved []domain.Proposal
}

// CreateAppointment inserts a new appointment row (history is empty at
// creation). The caller provides the fully populated record including its ID.
func CreateAppointment(ctx context.Context, db *gorm.DB, a *domain.Appointment) error {
	return db.WithContext(ctx).Create(a).Error
}

// GetAppointment fetches an appointment by id with its full proposal history
// ordered by creation time. Returns ErrNotFound when the id is unknown.
func GetAppointment(ctx context.Context, db *gorm.DB, id string) (*domain.Appointment, error) {
	var a domain.Appointment
	err := db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at asc")
		}).
		First(&a, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CountAppointmentsForParty returns the number of appointments on which the
// given ref participates in the given role.
func CountAppointmentsForParty(ctx context.Context, db *gorm.DB, role domain.Role, ref string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Appointment{}).
		Where(partyColumn(role)+" = ?", ref).
		Count(&total).Error
	return total, err
}

// ListAppointmentsForParty returns a page of appointments for one side,
// most recently updated first. Use CountAppointmentsForParty for pagination
// metadata. History is preloaded so list rows can render the latest offers.
func ListAppointmentsForParty(ctx context.Context, db *gorm.DB, role domain.Role, ref string, offset, limit int) ([]domain.Appointment, error) {
	var out []domain.Appointment
	err := db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at asc")
		}).
		Where(partyColumn(role)+" = ?", ref).
		Order("updated_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListPendingOlderThan returns appointments in RESCHEDULE_PROPOSED whose
// pending ledger entry was created before cutoff. Used by the expiry sweep.
func ListPendingOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Appointment, error) {
	var out []domain.Appointment
	err := db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at asc")
		}).
		Joins("JOIN proposals ON proposals.appointment_id = appointments.id").
		Where("appointments.status = ?", domain.StatusRescheduleProposed).
		Where("proposals.resolution = ? AND proposals.created_at < ?", domain.ResolutionPending, cutoff).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CommitTransition atomically persists one engine operation: the appointment
// field updates plus the ledger inserts/resolutions in tr. The record update
// is guarded by loadedVersion, and each resolution is guarded by the entry
// still being pending; losing either guard rolls the whole transaction back
// with ErrVersionConflict, so no operation ever partially applies.
//
// On success the in-memory record's Version and UpdatedAt are advanced to the
// committed values.
func CommitTransition(ctx context.Context, db *gorm.DB, a *domain.Appointment, loadedVersion int64, tr Transition, now time.Time) error {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Appointment{}).
			Where("id = ? AND version = ?", a.ID, loadedVersion).
			Updates(map[string]any{
				"status":                a.Status,
				"provider_proposed_at":  a.ProviderProposedAt,
				"requester_proposed_at": a.RequesterProposedAt,
				"provider_message":      a.ProviderMessage,
				"requester_message":     a.RequesterMessage,
				"updated_at":            now,
				"version":               loadedVersion + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}

		for i := range tr.Appended {
			if err := tx.Create(&tr.Appended[i]).Error; err != nil {
				return err
			}
		}
		for i := range tr.Resolved {
			p := &tr.Resolved[i]
			res := tx.Model(&domain.Proposal{}).
				Where("id = ? AND resolution = ?", p.ID, domain.ResolutionPending).
				Updates(map[string]any{
					"resolution":   p.Resolution,
					"reason":       p.Reason,
					"responded_at": p.RespondedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrVersionConflict
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.Version = loadedVersion + 1
	a.UpdatedAt = now
	return nil
}

// partyColumn maps a role to the column holding that side's reference.
func partyColumn(role domain.Role) string {
	if role == domain.RoleProvider {
		return "provider_ref"
	}
	return "requester_ref"
}
