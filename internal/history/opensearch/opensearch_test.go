package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/history"
)

func TestSendCreatesDocument(t *testing.T) {
	var (
		gotPath string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := New(srv.URL+"/", "service-history")
	sink.newID = func() string { return "doc-1" }
	ev := history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Service:    history.Service{Name: "qwen", Kind: "model", PID: 77, Status: "running"},
	}
	require.NoError(t, sink.Send(context.Background(), ev))
	assert.Equal(t, "/service-history/_create/doc-1", gotPath)

	var decoded history.Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, history.EventStart, decoded.Type)
	assert.Equal(t, ev.Service, decoded.Service)
}

func TestSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer srv.Close()

	err := New(srv.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestEnsureTable(t *testing.T) {
	exists := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/idx" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if exists {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"type":"resource_already_exists_exception"}}`))
			return
		}
		exists = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := New(srv.URL, "idx")
	require.NoError(t, sink.EnsureTable(context.Background()))
	require.NoError(t, sink.EnsureTable(context.Background()), "existing index is fine")

	err := New(srv.URL, "other").EnsureTable(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
