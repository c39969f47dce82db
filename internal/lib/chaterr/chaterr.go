// Package chaterr defines the error taxonomy shared by every chat component.
// Callers wrap one of the sentinels with detail and inspect with errors.Is.
package chaterr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAuth               = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrValidation         = errors.New("validation failed")
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrStoreUnavailable   = errors.New("store unavailable")
	// ErrDelivery is logged only and never returned to a sender.
	ErrDelivery = errors.New("delivery failed")
)

// Wire kinds used in error events.
const (
	KindAuth               = "auth"
	KindForbidden          = "forbidden"
	KindValidation         = "validation"
	KindSessionUnavailable = "session_unavailable"
	KindStoreUnavailable   = "store_unavailable"
	KindInternal           = "internal"
)

func Auth(format string, args ...interface{}) error {
	return wrap(ErrAuth, format, args...)
}

func Forbidden(format string, args ...interface{}) error {
	return wrap(ErrForbidden, format, args...)
}

func Validation(format string, args ...interface{}) error {
	return wrap(ErrValidation, format, args...)
}

func SessionUnavailable(format string, args ...interface{}) error {
	return wrap(ErrSessionUnavailable, format, args...)
}

// Store marks err as a failure of the durable store collaborator.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func wrap(sentinel error, format string, args ...interface{}) error {
	if format == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

func Kind(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrSessionUnavailable):
		return KindSessionUnavailable
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may resend the same command.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

func HTTPStatus(err error) int {
	switch Kind(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindSessionUnavailable:
		return http.StatusNotFound
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
