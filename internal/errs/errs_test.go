package errs

import (
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestKindAndStatus(t *testing.T) {
	cause := errors.New("exit status 1")
	cases := []struct {
		err    error
		kind   string
		status int
	}{
		{NotFound("service %q", "m1"), "not_found", http.StatusNotFound},
		{AlreadyExists("service %q", "m1"), "already_exists", http.StatusConflict},
		{InvalidState("service %q is running", "m1"), "invalid_state", http.StatusBadRequest},
		{StartupTimeout("pid file %s", "/tmp/x.pid"), "startup_timeout", http.StatusGatewayTimeout},
		{Process(cause, "boom", "byzer.sh stop"), "process_error", http.StatusInternalServerError},
		{Corrupt("/data/models.json", cause), "corrupt_state", http.StatusInternalServerError},
		{Upstream(cause, "chat completion"), "upstream_error", http.StatusBadGateway},
		{errors.New("plain"), "internal", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.kind {
			t.Fatalf("Kind(%v)=%q want %q", tc.err, got, tc.kind)
		}
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Fatalf("HTTPStatus(%v)=%d want %d", tc.err, got, tc.status)
		}
	}
}

func TestWrappedCauseIsPreserved(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := Corrupt("/data/rags.json", cause)
	if !errors.Is(err, ErrCorruptState) || !errors.Is(err, cause) {
		t.Fatalf("corrupt error lost its chain: %v", err)
	}
	if !strings.Contains(err.Error(), "/data/rags.json") {
		t.Fatalf("path missing from %q", err)
	}

	perr := Process(cause, "permission denied", "stop %s", "sql1")
	if !errors.Is(perr, ErrProcess) {
		t.Fatalf("not a process error: %v", perr)
	}
	if !strings.Contains(perr.Error(), "permission denied") {
		t.Fatalf("stderr missing from %q", perr)
	}
}
