// Package store implements the Durable Store: one contract (put, get,
// delete, list) over two interchangeable backends, a primary SQLite
// database and a flat JSON key-value file used as a fallback.
//
// This file centralizes the storage error taxonomy. Callers match kinds with
// errors.Is against the sentinels below; the concrete *StorageError carries
// the failing operation and backend for logs.
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that no backend holds a record with the id.
	ErrNotFound = errors.New("notification not found")

	// ErrUnavailable marks a single backend failing to open or to run an
	// operation. The Durable Store recovers from it by using the other
	// backend; it is never returned from a Store method on its own.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrExhausted is returned when every backend failed the operation.
	ErrExhausted = errors.New("storage exhausted")
)

// StorageError describes a failed storage operation.
type StorageError struct {
	Op      string // put|get|delete|list|open
	Backend string // backend name, or "all" for exhaustion
	Kind    error  // ErrUnavailable or ErrExhausted
	Err     error  // underlying cause (may be a joined error)
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s on %s: %v: %v", e.Op, e.Backend, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *StorageError) Unwrap() []error { return []error{e.Kind, e.Err} }

func unavailable(op, backend string, err error) *StorageError {
	return &StorageError{Op: op, Backend: backend, Kind: ErrUnavailable, Err: err}
}

func exhausted(op string, errs ...error) *StorageError {
	return &StorageError{Op: op, Backend: "all", Kind: ErrExhausted, Err: errors.Join(errs...)}
}
