// Package stream relays chat completions from model and retrieval services
// into per-request event logs and stores the final assistant message.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/warden/internal/conversation"
	"github.com/loykin/warden/internal/errs"
	"github.com/loykin/warden/internal/eventlog"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/service"
	"github.com/loykin/warden/internal/upstream"
)

// State is the phase of one request.
type State string

const (
	StateDispatching    State = "dispatching"
	StateStreaming      State = "streaming"
	StateThoughtPolling State = "thought_polling"
	StateFinalizing     State = "finalizing"
	StateDone           State = "done"
)

const (
	DefaultThoughtPollCeiling = 60
	DefaultThoughtPollDelay   = time.Second
	DefaultTimeout            = 30 * time.Minute
)

// Endpoint is the OpenAI-compatible gateway serving deployed models.
type Endpoint struct {
	Host string
	Port int
}

type Options struct {
	Events        *eventlog.Log
	Conversations *conversation.Store
	Registries    *service.Registries
	Client        *upstream.Client
	Models        Endpoint
	// ThoughtPollCeiling is the number of consecutive empty polls after
	// which the thought phase is abandoned.
	ThoughtPollCeiling int
	ThoughtPollDelay   time.Duration
	Timeout            time.Duration
}

type Result struct {
	RequestID         string `json:"request_id"`
	ResponseMessageID string `json:"response_message_id"`
}

type run struct {
	mu    sync.Mutex
	state State
	done  chan struct{}
}

func (r *run) set(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *run) get() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

type Pipeline struct {
	opts Options
	wg   sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

func New(o Options) *Pipeline {
	if o.Client == nil {
		o.Client = upstream.New("", 0)
	}
	if o.ThoughtPollCeiling <= 0 {
		o.ThoughtPollCeiling = DefaultThoughtPollCeiling
	}
	if o.ThoughtPollDelay <= 0 {
		o.ThoughtPollDelay = DefaultThoughtPollDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return &Pipeline{opts: o, runs: make(map[string]*run)}
}

// request is everything the background goroutine needs.
type request struct {
	id             string
	responseID     string
	conversationID string
	messages       []conversation.Message
	target         upstream.Target
	run            *run
	w              *eventlog.Writer
}

// CreateMessageStream stores messages as the conversation's history, opens
// a fresh event log and relays the completion in the background. It returns
// as soon as the log exists; the relay does not observe ctx.
func (p *Pipeline) CreateMessageStream(_ context.Context, conversationID string, messages []conversation.Message, kind service.Kind, name string) (Result, error) {
	if _, err := p.opts.Conversations.Get(conversationID); err != nil {
		return Result{}, err
	}
	target, err := p.resolve(kind, name)
	if err != nil {
		return Result{}, err
	}
	if _, err := p.opts.Conversations.ReplaceMessages(conversationID, messages); err != nil {
		return Result{}, err
	}

	req := &request{
		id:             uuid.NewString(),
		responseID:     uuid.NewString(),
		conversationID: conversationID,
		messages:       messages,
		target:         target,
		run:            &run{state: StateDispatching, done: make(chan struct{})},
	}
	w, err := p.opts.Events.Create(req.id)
	if err != nil {
		return Result{}, err
	}
	req.w = w

	p.mu.Lock()
	p.runs[req.id] = req.run
	p.mu.Unlock()

	p.wg.Add(1)
	go p.process(req)
	return Result{RequestID: req.id, ResponseMessageID: req.responseID}, nil
}

// resolve maps a target kind and name to the endpoint to dial.
func (p *Pipeline) resolve(kind service.Kind, name string) (upstream.Target, error) {
	switch kind {
	case service.KindModel:
		if name == "" {
			return upstream.Target{}, errs.InvalidState("model name required")
		}
		return upstream.Target{Host: p.opts.Models.Host, Port: p.opts.Models.Port, Model: name}, nil
	case service.KindRetrieval:
		reg, err := p.opts.Registries.For(kind)
		if err != nil {
			return upstream.Target{}, err
		}
		rec, err := reg.Get(name)
		if err != nil {
			return upstream.Target{}, err
		}
		g := rec.Retrieval
		if g == nil {
			return upstream.Target{}, errs.InvalidState("service %q has no retrieval spec", name)
		}
		host, port := g.Endpoint()
		model := g.Model
		if model == "" {
			model = "deepseek_chat"
		}
		slog.Info("retrieval target", "name", name, "host", host, "port", port)
		return upstream.Target{Host: host, Port: port, Model: model, DeepThought: g.InferenceDeepThought}, nil
	}
	return upstream.Target{}, errs.InvalidState("cannot chat with a %s service", kind)
}

func (p *Pipeline) process(req *request) {
	defer p.wg.Done()
	defer close(req.run.done)
	metrics.StreamStarted()
	defer metrics.StreamFinished()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
	defer cancel()

	thoughts, err := p.relay(ctx, req)
	req.run.set(StateFinalizing)
	if err != nil {
		slog.Error("chat stream failed", "request_id", req.id, "model", req.target.Model, "error", err)
	}
	if ferr := req.w.Finish(err); ferr != nil {
		slog.Error("finish event log", "request_id", req.id, "error", ferr)
	}

	content, err := p.assemble(req.id)
	if err != nil {
		slog.Error("read back event log", "request_id", req.id, "error", err)
	}
	msg := conversation.Message{
		ID:        req.responseID,
		Role:      conversation.RoleAssistant,
		Content:   content,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Thoughts:  thoughts,
	}
	if _, err := p.opts.Conversations.AppendAssistant(req.conversationID, req.messages, msg); err != nil {
		slog.Error("save assistant message", "request_id", req.id, "conversation_id", req.conversationID, "error", err)
	}
	req.run.set(StateDone)

	p.mu.Lock()
	delete(p.runs, req.id)
	p.mu.Unlock()
}

// relay drives Dispatching, the optional ThoughtPolling phase and
// Streaming. It returns the collected thoughts and the first failure.
func (p *Pipeline) relay(ctx context.Context, req *request) ([]string, error) {
	cs, err := p.opts.Client.Stream(ctx, req.target, req.id, toUpstream(req.messages))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cs.Close() }()

	var thoughts []string
	if req.target.DeepThought {
		req.run.set(StateThoughtPolling)
		thoughts, err = p.pollThoughts(ctx, req)
		if err != nil {
			return thoughts, err
		}
	}

	req.run.set(StateStreaming)
	for {
		d, err := cs.Next()
		if errors.Is(err, io.EOF) {
			return thoughts, nil
		}
		if err != nil {
			return thoughts, err
		}
		if d == "" {
			continue
		}
		if err := req.w.Chunk(d); err != nil {
			return thoughts, err
		}
	}
}

// pollThoughts asks the service's side channel for thought events until a
// chunk or done event shows up, or until the ceiling of consecutive empty
// polls is hit. The ceiling is not an error: the answer is still streamed.
func (p *Pipeline) pollThoughts(ctx context.Context, req *request) ([]string, error) {
	var thoughts []string
	index, empty := 0, 0
	inThought := true
	for inThought && empty < p.opts.ThoughtPollCeiling {
		evs, err := p.opts.Client.PollThoughts(ctx, req.target, req.id, index)
		if err != nil {
			return thoughts, err
		}
		if len(evs) == 0 {
			if err := sleep(ctx, p.opts.ThoughtPollDelay); err != nil {
				return thoughts, err
			}
			empty++
			continue
		}
		empty = 0
		for _, ev := range evs {
			switch ev.EventType {
			case string(eventlog.KindThought):
				if err := req.w.Thought(ev.Content); err != nil {
					return thoughts, err
				}
				thoughts = append(thoughts, ev.Content)
			case string(eventlog.KindChunk), string(eventlog.KindDone):
				// the answer itself arrives on the main stream
				inThought = false
			}
			index++
		}
	}
	if inThought {
		slog.Warn("thought polling gave up", "request_id", req.id, "reason", "ceiling", "empty_polls", empty, "index", index)
		metrics.IncThoughtDegrade("ceiling")
	}
	return thoughts, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// assemble concatenates the chunk events of a finished log in index order.
func (p *Pipeline) assemble(requestID string) (string, error) {
	evs, err := p.opts.Events.Read(requestID, 0)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, ev := range evs {
		if ev.Event == eventlog.KindChunk {
			b.WriteString(ev.Content)
		}
	}
	return b.String(), nil
}

// GetEvents returns the events of requestID with index >= from.
func (p *Pipeline) GetEvents(requestID string, from int) ([]eventlog.Event, error) {
	return p.opts.Events.Read(requestID, from)
}

// State reports the phase of a request still in flight in this process.
func (p *Pipeline) State(requestID string) (State, bool) {
	p.mu.Lock()
	r, ok := p.runs[requestID]
	p.mu.Unlock()
	if !ok {
		return "", false
	}
	return r.get(), true
}

// Wait blocks until the request's relay has finished, including the
// conversation update. Requests from other processes are waited for by
// polling their log for the done event.
func (p *Pipeline) Wait(ctx context.Context, requestID string) error {
	p.mu.Lock()
	r, ok := p.runs[requestID]
	p.mu.Unlock()
	if ok {
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		finished, err := p.opts.Events.Finished(requestID)
		if err != nil || finished {
			return err
		}
		if err := sleep(ctx, 200*time.Millisecond); err != nil {
			return err
		}
	}
}

// Drain waits for every in-flight relay or for ctx.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toUpstream(msgs []conversation.Message) []upstream.Message {
	out := make([]upstream.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, upstream.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
