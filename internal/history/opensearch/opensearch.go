// Package opensearch indexes history events through the OpenSearch REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/warden/internal/history"
)

const mapping = `{"mappings":{"properties":{
"type":{"type":"keyword"},
"occurred_at":{"type":"date"},
"service":{"properties":{"name":{"type":"keyword"},"kind":{"type":"keyword"},"pid":{"type":"integer"},"status":{"type":"keyword"}}},
"error":{"type":"text"}}}}`

// Sink writes one document per event to baseURL/index. Documents are
// created under a fresh id, so a retried request cannot overwrite another.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	newID   func() string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		newID:   uuid.NewString,
	}
}

// EnsureTable creates the index with keyword mappings. An index that
// already exists is left alone.
func (s *Sink) EnsureTable(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodPut, s.baseURL+"/"+s.index, []byte(mapping))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusBadRequest && bytes.Contains(body, []byte("resource_already_exists_exception")) {
		return nil
	}
	return fmt.Errorf("opensearch create index %s: status %d: %s", s.index, resp.StatusCode, bytes.TrimSpace(body))
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_create/%s", s.baseURL, s.index, s.newID())
	resp, err := s.do(ctx, http.MethodPut, u, b)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

func (s *Sink) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}
