// Package upstream talks to the OpenAI-compatible endpoints exposed by
// model gateways and retrieval services.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loykin/warden/internal/errs"
)

const (
	DefaultAPIKey    = "xxxx"
	DefaultMaxTokens = 4096
)

// Target is one OpenAI-compatible endpoint and the model to ask for.
type Target struct {
	Host        string
	Port        int
	Model       string
	DeepThought bool
}

func (t Target) BaseURL() string {
	return fmt.Sprintf("http://%s:%d/v1", t.Host, t.Port)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client builds go-openai clients per target.
type Client struct {
	APIKey     string
	MaxTokens  int
	HTTPClient *http.Client
}

func New(apiKey string, maxTokens int) *Client {
	if apiKey == "" {
		apiKey = DefaultAPIKey
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{APIKey: apiKey, MaxTokens: maxTokens}
}

func (c *Client) openai(t Target) *openai.Client {
	cfg := openai.DefaultConfig(c.APIKey)
	cfg.BaseURL = t.BaseURL()
	base := http.DefaultClient
	if c.HTTPClient != nil {
		base = c.HTTPClient
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	cfg.HTTPClient = &http.Client{
		Transport:     extraBodyTransport{base: rt},
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
		Timeout:       base.Timeout,
	}
	return openai.NewClientWithConfig(cfg)
}

// ChunkStream yields the content deltas of a streamed completion.
type ChunkStream struct {
	s *openai.ChatCompletionStream
}

// Next returns the next delta, possibly empty, or io.EOF at the end.
func (cs *ChunkStream) Next() (string, error) {
	resp, err := cs.s.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", errs.Upstream(err, "receive completion chunk")
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (cs *ChunkStream) Close() error { return cs.s.Close() }

// Stream opens a streamed chat completion. requestID travels as a top-level
// request_id body field so deep-thought services can correlate the thought
// side channel.
func (c *Client) Stream(ctx context.Context, t Target, requestID string, msgs []Message) (*ChunkStream, error) {
	req := openai.ChatCompletionRequest{
		Model:     t.Model,
		Messages:  toOpenAI(msgs),
		MaxTokens: c.MaxTokens,
		Stream:    true,
	}
	if requestID != "" {
		ctx = withBodyFields(ctx, map[string]any{"request_id": requestID})
	}
	s, err := c.openai(t).CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, errs.Upstream(err, "open completion stream at %s", t.BaseURL())
	}
	return &ChunkStream{s: s}, nil
}

// Collect reads the stream to its end and concatenates every delta.
func (cs *ChunkStream) Collect() (string, error) {
	var b strings.Builder
	for {
		d, err := cs.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(d)
	}
}

// ThoughtEvent is one entry of a thought poll reply.
type ThoughtEvent struct {
	EventType string `json:"event_type"`
	Content   string `json:"content"`
}

type thoughtReply struct {
	Events []ThoughtEvent `json:"events"`
}

type thoughtQuery struct {
	RequestID string `json:"request_id"`
	Index     int    `json:"index"`
}

// PollThoughts asks a deep-thought service for the events of requestID
// from index on. The query and the reply are JSON documents carried as
// chat content.
func (c *Client) PollThoughts(ctx context.Context, t Target, requestID string, index int) ([]ThoughtEvent, error) {
	q, err := json.Marshal(thoughtQuery{RequestID: requestID, Index: index})
	if err != nil {
		return nil, err
	}
	s, err := c.Stream(ctx, t, "", []Message{{Role: openai.ChatMessageRoleUser, Content: string(q)}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close() }()
	raw, err := s.Collect()
	if err != nil {
		return nil, err
	}
	var reply thoughtReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, errs.Upstream(err, "decode thought reply %q", truncate(raw, 200))
	}
	return reply.Events, nil
}

func toOpenAI(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
