// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// Idempotency records the result of a previously processed unsafe request,
// keyed by (actor_ref, scope, key). Scope is the appointment id for
// operations on an existing record and "request" for creation. It lets
// retried POSTs return the originally produced appointment without repeating
// the state transition.
type Idempotency struct {
	ID            string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	ActorRef      string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_actor_scope_key,priority:1"`
	Scope         string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_actor_scope_key,priority:2"`
	Key           string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_actor_scope_key,priority:3"`
	AppointmentID string    `gorm:"type:TEXT NOT NULL"`
	Status        int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt     time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt     time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
