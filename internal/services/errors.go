// Package services defines the business logic of the appointment negotiation
// engine. This file centralizes common service-level error values so that
// they can be consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes should be performed at the
// handler layer.
package services

import "errors"

var (
	// ErrAppointmentNotFound indicates that the requested appointment does
	// not exist.
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrInvalidTransition is returned when an operation is not legal for the
	// appointment's current status: acting on a terminal record, responding
	// when no proposal is pending, or responding to a proposal that is not
	// addressed to the caller's side.
	ErrInvalidTransition = errors.New("operation not legal for current appointment status")

	// ErrRejectedWindow is returned when a proposed date/time falls outside
	// the admissible scheduling window.
	ErrRejectedWindow = errors.New("proposed date/time outside the scheduling window")

	// ErrConflict is returned when the optimistic version check fails because
	// another operation committed first. Callers should reload and may retry.
	ErrConflict = errors.New("appointment was modified concurrently")

	// ErrUnauthorized is returned when the caller is not a party to the
	// appointment or lacks the role required for the operation.
	ErrUnauthorized = errors.New("caller is not permitted to perform this operation")

	// ErrInvalidOutcome is returned when a reschedule response carries an
	// outcome outside the allowed set.
	ErrInvalidOutcome = errors.New("outcome must be ACCEPTED, REJECTED or PROPOSED_NEW")
)
