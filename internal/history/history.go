// Package history exports service lifecycle events to external systems.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart     EventType = "start"
	EventStop      EventType = "stop"
	EventReconcile EventType = "reconcile"
)

// Service is the slice of a registry record carried by an event.
type Service struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	PID    int    `json:"pid"`
	Status string `json:"status"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    Service   `json:"service"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout delivers each event to every sink. Sink failures are logged and
// never returned to the caller.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
}

func NewFanout(timeout time.Duration, sinks ...Sink) *Fanout {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{sinks: append([]Sink(nil), sinks...), timeout: timeout}
}

func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

func (f *Fanout) Send(ctx context.Context, e Event) error {
	if f == nil || len(f.sinks) == 0 {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()
	for _, s := range f.sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("history sink failed", "type", e.Type, "service", e.Service.Name, "error", err)
		}
	}
	return nil
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
