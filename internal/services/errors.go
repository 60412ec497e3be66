// Package services holds the reminder worker's application logic: the
// message-channel operations callers use to schedule and cancel reminders,
// and the lifecycle hooks the host runtime drives.
//
// Handlers translate these errors into transport responses.
package services

import "errors"

var (
	// ErrInvalidReminder is returned when a reminder request fails
	// validation. The wrapped message names the offending field.
	ErrInvalidReminder = errors.New("invalid reminder")

	// ErrUnknownMessage is returned for message-channel envelopes with an
	// unrecognised type.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrNotInstalled is returned by lifecycle hooks that need storage
	// before Install succeeded.
	ErrNotInstalled = errors.New("worker not installed")
)
