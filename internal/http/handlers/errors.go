package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-reminder-worker/internal/realtime"
	"github.com/tbourn/go-reminder-worker/internal/services"
	"github.com/tbourn/go-reminder-worker/internal/store"
)

// Error codes. Generic codes mirror HTTP semantics; the rest name a
// reminder-specific failure.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"

	ErrCodeInvalidReminder    = "invalid_reminder"
	ErrCodeUnknownMessage     = "unknown_message"
	ErrCodeStorageUnavailable = "storage_unavailable"
	ErrCodeNotInstalled       = "not_installed"
	ErrCodeNoClient           = "no_client"
)

// serviceError maps a service-layer error to a response.
func serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidReminder):
		fail(c, http.StatusBadRequest, ErrCodeInvalidReminder, err.Error())
	case errors.Is(err, services.ErrUnknownMessage):
		fail(c, http.StatusBadRequest, ErrCodeUnknownMessage, err.Error())
	case errors.Is(err, services.ErrNotInstalled):
		fail(c, http.StatusServiceUnavailable, ErrCodeNotInstalled, err.Error())
	case errors.Is(err, realtime.ErrNoClients):
		fail(c, http.StatusServiceUnavailable, ErrCodeNoClient, "no client connected to receive the intent")
	case errors.Is(err, store.ErrExhausted), errors.Is(err, store.ErrUnavailable):
		fail(c, http.StatusServiceUnavailable, ErrCodeStorageUnavailable, "reminder storage unavailable")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
