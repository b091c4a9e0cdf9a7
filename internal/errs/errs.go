// Package errs defines the error kinds shared by the supervisor, the
// registries and the HTTP surface. Callers wrap one of the sentinels with
// context and test for it with errors.Is.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrInvalidState   = errors.New("invalid state")
	ErrStartupTimeout = errors.New("startup timeout")
	ErrProcess        = errors.New("process error")
	ErrCorruptState   = errors.New("corrupt state")
	ErrUpstream       = errors.New("upstream error")
)

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func AlreadyExists(format string, args ...any) error {
	return wrap(ErrAlreadyExists, format, args...)
}

func InvalidState(format string, args ...any) error {
	return wrap(ErrInvalidState, format, args...)
}

func StartupTimeout(format string, args ...any) error {
	return wrap(ErrStartupTimeout, format, args...)
}

// Process reports a control script or launcher that exited unsuccessfully.
// stderr is appended when non-empty.
func Process(err error, stderr string, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if stderr != "" {
		return fmt.Errorf("%w: %s: %w: %s", ErrProcess, msg, err, stderr)
	}
	return fmt.Errorf("%w: %s: %w", ErrProcess, msg, err)
}

// Corrupt marks a persisted document at path that could not be decoded.
func Corrupt(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCorruptState, path, err)
}

func Upstream(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstream, fmt.Sprintf(format, args...), err)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns a stable machine-readable name for the error's category,
// or "internal" when err carries none of the known sentinels.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrStartupTimeout):
		return "startup_timeout"
	case errors.Is(err, ErrProcess):
		return "process_error"
	case errors.Is(err, ErrCorruptState):
		return "corrupt_state"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	default:
		return "internal"
	}
}

// HTTPStatus maps an error to the status code the router answers with.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "not_found":
		return http.StatusNotFound
	case "already_exists":
		return http.StatusConflict
	case "invalid_state":
		return http.StatusBadRequest
	case "startup_timeout":
		return http.StatusGatewayTimeout
	case "upstream_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
