// Package docstore persists named JSON documents under a directory.
//
// Every access takes two locks: an in-process mutex keyed by the document
// path and an advisory flock(2) on a sibling "<file>.lock". The OS lock is
// released by the kernel when the holder dies, so a lock file left behind by
// a crash never blocks later callers. Update holds both locks across the
// whole load, mutate and save sequence.
package docstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/loykin/warden/internal/errs"
)

// Locker hands out one mutex per absolute path. A Store owns exactly one and
// keeps it for its whole lifetime.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sync.Mutex)}
}

func (l *Locker) get(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	return m
}

// Store reads and writes JSON documents rooted at Dir.
type Store struct {
	dir    string
	locker *Locker
}

// New creates dir if needed and returns a Store rooted there.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: abs, locker: NewLocker()}, nil
}

func (s *Store) Dir() string { return s.dir }

// Path returns the file backing the named document.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

// Load decodes the named document into v. A missing or empty file leaves v
// untouched so callers receive whatever default they passed in.
func (s *Store) Load(name string, v any) error {
	path := s.Path(name)
	unlock, err := s.lock(path)
	if err != nil {
		return err
	}
	defer unlock()
	return readJSON(path, v)
}

// Save atomically replaces the named document with v.
func (s *Store) Save(name string, v any) error {
	path := s.Path(name)
	unlock, err := s.lock(path)
	if err != nil {
		return err
	}
	defer unlock()
	return writeJSON(path, v)
}

// Update loads the document into v, calls fn and saves v when fn returns
// nil. Both locks are held for the duration, so concurrent updates of the
// same document from this or other processes never lose a write.
func (s *Store) Update(name string, v any, fn func() error) error {
	path := s.Path(name)
	unlock, err := s.lock(path)
	if err != nil {
		return err
	}
	defer unlock()
	if err := readJSON(path, v); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return writeJSON(path, v)
}

func (s *Store) lock(path string) (func(), error) {
	m := s.locker.get(path)
	m.Lock()
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		m.Unlock()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() {
		_ = fl.Unlock()
		m.Unlock()
	}, nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errs.Corrupt(path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+strings.TrimPrefix(base, ".")+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
