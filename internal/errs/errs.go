// Package errs defines the error taxonomy shared by the live-session and
// request/response transports.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrRateLimited      = errors.New("rate limited")
	ErrGenerationFailed = errors.New("generation failed")
	ErrNotFound         = errors.New("not found")
	ErrUnavailable      = errors.New("service unavailable")

	// Forbidden subtypes.
	ErrAssistantDisabled = fmt.Errorf("%w: assistant disabled", ErrForbidden)
	ErrOwnerCannotLeave  = fmt.Errorf("%w: owner cannot leave room", ErrForbidden)
	ErrRoomFull          = fmt.Errorf("%w: room is full", ErrForbidden)
)

// InvalidArgument returns an error matching ErrInvalidArgument with a
// caller-facing reason.
func InvalidArgument(reason string) error {
	return &argumentError{reason: reason}
}

type argumentError struct {
	reason string
}

func (e *argumentError) Error() string {
	return ErrInvalidArgument.Error() + ": " + e.reason
}

func (e *argumentError) Unwrap() error {
	return ErrInvalidArgument
}

// StatusCode maps an error to the HTTP status used by both transports.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to a caller. Internal
// detail wrapped around a sentinel is never included.
func PublicMessage(err error) string {
	var argErr *argumentError
	if errors.As(err, &argErr) {
		return argErr.Error()
	}

	for _, known := range []error{
		ErrAssistantDisabled,
		ErrOwnerCannotLeave,
		ErrRoomFull,
		ErrUnauthenticated,
		ErrForbidden,
		ErrInvalidArgument,
		ErrQuotaExceeded,
		ErrRateLimited,
		ErrGenerationFailed,
		ErrNotFound,
		ErrUnavailable,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}

	return "internal server error"
}

// IsInternal reports whether err falls outside the taxonomy and should be
// logged with full detail.
func IsInternal(err error) bool {
	code := StatusCode(err)
	return code >= http.StatusInternalServerError && code != http.StatusBadGateway
}
