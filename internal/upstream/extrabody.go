package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type bodyFieldsKey struct{}

// withBodyFields asks the transport to merge fields into the top level of
// the JSON request body sent under ctx. Deep-thought services read
// request_id there, outside anything the completion schema defines.
func withBodyFields(ctx context.Context, fields map[string]any) context.Context {
	return context.WithValue(ctx, bodyFieldsKey{}, fields)
}

type extraBodyTransport struct {
	base http.RoundTripper
}

func (t extraBodyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	fields, _ := r.Context().Value(bodyFieldsKey{}).(map[string]any)
	if len(fields) == 0 || r.Body == nil || r.Body == http.NoBody {
		return t.base.RoundTrip(r)
	}
	raw, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	body := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("merge body fields: %w", err)
	}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("merge body field %s: %w", k, err)
		}
		body[k] = b
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	r2 := r.Clone(r.Context())
	r2.Body = io.NopCloser(bytes.NewReader(out))
	r2.ContentLength = int64(len(out))
	r2.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(out)), nil }
	return t.base.RoundTrip(r2)
}
