// Package eventlog stores the events of one chat request as an append-only
// JSON-lines file. One Writer produces a log; any number of readers poll it
// by index while it grows.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/warden/internal/errs"
	"github.com/loykin/warden/internal/metrics"
)

type Kind string

const (
	KindChunk   Kind = "chunk"
	KindThought Kind = "thought"
	KindError   Kind = "error"
	KindDone    Kind = "done"
)

// Event is one line of the log. Indices are dense from 0 and match line
// order.
type Event struct {
	Index     int       `json:"index"`
	Event     Kind      `json:"event"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the directory holding every request's event file.
type Log struct {
	dir string
}

func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create event dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

func (l *Log) Dir() string { return l.dir }

// Path maps a request id to its file. Only canonical UUIDs are accepted.
func (l *Log) Path(requestID string) (string, error) {
	id, err := uuid.Parse(requestID)
	if err != nil || id.String() != requestID {
		return "", errs.InvalidState("invalid request id %q", requestID)
	}
	return filepath.Join(l.dir, requestID+".jsonl"), nil
}

// Create opens a fresh log for requestID. It fails with AlreadyExists when
// the request already has one.
func (l *Log) Create(requestID string) (*Writer, error) {
	path, err := l.Path(requestID)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is built from a parsed UUID
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, errs.AlreadyExists("event log for request %s", requestID)
		}
		return nil, err
	}
	return &Writer{f: f, path: path, now: time.Now}, nil
}

// Read returns every complete event with Index >= from. A trailing line
// still being written is skipped; it shows up on a later call.
func (l *Log) Read(requestID string, from int) ([]Event, error) {
	path, err := l.Path(requestID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.NotFound("no events for request %s", requestID)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	out := []Event{}
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, errs.Corrupt(path, err)
		}
		if ev.Index >= from {
			out = append(out, ev)
		}
	}
}

// Finished reports whether the log holds its done event.
func (l *Log) Finished(requestID string) (bool, error) {
	evs, err := l.Read(requestID, 0)
	if err != nil {
		return false, err
	}
	return len(evs) > 0 && evs[len(evs)-1].Event == KindDone, nil
}

// Writer appends events with dense indices. After an error event only done
// may follow; done closes the file.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	next    int
	errored bool
	done    bool
	now     func() time.Time
}

func (w *Writer) Path() string { return w.path }

// Next is the index the next event will get.
func (w *Writer) Next() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

func (w *Writer) Chunk(content string) error {
	_, err := w.Append(KindChunk, content)
	return err
}

func (w *Writer) Thought(content string) error {
	_, err := w.Append(KindThought, content)
	return err
}

// Append writes one event and syncs it to disk before returning.
func (w *Writer) Append(kind Kind, content string) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.done:
		return Event{}, errs.InvalidState("event log %s is finished", filepath.Base(w.path))
	case w.errored && kind != KindDone:
		return Event{}, errs.InvalidState("event log %s already holds an error", filepath.Base(w.path))
	}
	switch kind {
	case KindChunk, KindThought, KindError, KindDone:
	default:
		return Event{}, errs.InvalidState("unknown event kind %q", kind)
	}

	ev := Event{Index: w.next, Event: kind, Content: content, Timestamp: w.now()}
	b, err := json.Marshal(ev)
	if err != nil {
		return Event{}, err
	}
	if _, err := w.f.Write(append(b, '\n')); err != nil {
		return Event{}, err
	}
	if err := w.f.Sync(); err != nil {
		return Event{}, err
	}
	w.next++
	metrics.IncStreamEvent(string(kind))
	switch kind {
	case KindError:
		w.errored = true
	case KindDone:
		w.done = true
		if err := w.f.Close(); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// Finish terminates the log: an error event when cause is non-nil, then
// done. Calling it on a finished log is a no-op.
func (w *Writer) Finish(cause error) error {
	w.mu.Lock()
	finished, errored := w.done, w.errored
	w.mu.Unlock()
	if finished {
		return nil
	}
	var all []error
	if cause != nil && !errored {
		if _, err := w.Append(KindError, cause.Error()); err != nil {
			all = append(all, err)
		}
	}
	if _, err := w.Append(KindDone, ""); err != nil {
		all = append(all, err)
	}
	return errors.Join(all...)
}
