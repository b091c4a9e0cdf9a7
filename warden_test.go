package warden

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/history"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.toml")
	body := `
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"
log_dir = "` + filepath.ToSlash(filepath.Join(dir, "logs")) + `"

[history]
enabled = true
dsns = ["sqlite://` + filepath.ToSlash(filepath.Join(dir, "history.db")) + `"]

[metrics]
enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	c, err := LoadConfig(path)
	require.NoError(t, err)
	return c
}

func TestAppHandler(t *testing.T) {
	app, err := New(testConfig(t))
	require.NoError(t, err)
	defer func() { _ = app.Close(context.Background()) }()

	h, err := app.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/services/rags", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "metrics disabled")
}

func TestAppConversationsPersist(t *testing.T) {
	c := testConfig(t)
	app, err := New(c)
	require.NoError(t, err)
	conv, err := app.Conversations.Create("kept")
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))

	again, err := New(c)
	require.NoError(t, err)
	defer func() { _ = again.Close(context.Background()) }()
	got, err := again.Conversations.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Title)
}

func TestAppServeAndClose(t *testing.T) {
	c := testConfig(t)
	c.Server.Listen = "127.0.0.1:0"
	app, err := New(c)
	require.NoError(t, err)
	_, err = app.Serve()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, app.Close(ctx))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("byzer-sql")
	require.NoError(t, err)
	assert.Equal(t, Kind("sql_engine"), k)
}

type closingSink struct {
	closed bool
}

func (s *closingSink) Send(context.Context, history.Event) error { return nil }

func (s *closingSink) Close() error {
	s.closed = true
	return nil
}

func TestNewClosesSinksOnFailure(t *testing.T) {
	c := testConfig(t)
	sink := &closingSink{}
	prev := newSinks
	newSinks = func([]string) ([]history.Sink, error) { return []history.Sink{sink}, nil }
	defer func() { newSinks = prev }()

	// a file where the event directory belongs makes the event log fail
	require.NoError(t, os.MkdirAll(c.DataDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(c.DataDir, "chat_events"), nil, 0o600))

	_, err := New(c)
	require.Error(t, err)
	assert.True(t, sink.closed, "history sinks are closed when New fails")
}

func TestAppRagFiles(t *testing.T) {
	app, err := New(testConfig(t))
	require.NoError(t, err)
	defer func() { _ = app.Close(context.Background()) }()

	f, err := app.RagFiles.Save("docs", "a.txt", strings.NewReader("x"))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(app.Config.DataDir, "rag_files", "docs", f.Name))
}
