//go:build !windows

package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/service"
)

func TestStartStopOverHTTP(t *testing.T) {
	env := setupRouter(t, "")
	rec := doReq(t, env.h, http.MethodPost, "/services/models", modelRecord("m1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, env.h, http.MethodPost, "/services/models/m1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[service.Record](t, rec)
	assert.Equal(t, service.StatusRunning, started.Status)
	assert.Positive(t, started.PID())

	rec = doReq(t, env.h, http.MethodPost, "/services/models/m1/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "second start is rejected")

	rec = doReq(t, env.h, http.MethodDelete, "/services/models/m1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "running services cannot be deleted")

	rec = doReq(t, env.h, http.MethodGet, "/services/models/m1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[map[string]any](t, rec)
	assert.Equal(t, "running", st["state"])
	assert.Equal(t, true, st["alive"])

	rec = doReq(t, env.h, http.MethodPost, "/services/models/m1/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, service.StatusStopped, decode[service.Record](t, rec).Status)
}
