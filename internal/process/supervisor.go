// Package process launches managed services as detached child processes and
// stops them again, including any workers they spawned.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/warden/internal/detector"
	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/errs"
	"github.com/loykin/warden/internal/logger"
)

const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultControlTimeout = 2 * time.Minute
)

type Options struct {
	Logs           logger.ServiceLogs
	Env            *env.Env
	StartupTimeout time.Duration // ceiling for a PID file to appear
	PollInterval   time.Duration // PID file poll period
	ControlTimeout time.Duration // ceiling for stop scripts
}

// Supervisor owns the log descriptors of the services it started. Each is
// released exactly once: when the service is stopped, when it is observed
// to exit, or on Shutdown.
type Supervisor struct {
	opts Options

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewSupervisor(o Options) *Supervisor {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = DefaultStartupTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = DefaultControlTimeout
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	return &Supervisor{opts: o, handles: make(map[string]*Handle)}
}

// Handle is a started service.
type Handle struct {
	Name      string
	PID       int
	StartUnix int64

	childPID int
	exited   chan struct{}
	exitErr  error

	stdout, stderr *os.File
	releaseOnce    sync.Once
	released       chan struct{}
}

// Exited is closed once the process this supervisor spawned has been
// reaped. In PID-file mode that is the launcher, not the service, unless the
// launcher exec'd into it.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// ExitErr is valid after Exited is closed.
func (h *Handle) ExitErr() error { return h.exitErr }

// Release closes the captured log descriptors. Only the first call has an
// effect.
func (h *Handle) Release() error {
	var err error
	h.releaseOnce.Do(func() {
		err = errors.Join(h.stdout.Close(), h.stderr.Close())
		close(h.released)
	})
	return err
}

func (h *Handle) isReleased() bool {
	select {
	case <-h.released:
		return true
	default:
		return false
	}
}

// Target identifies a running service for Stop and Alive. StartUnix is
// optional and guards against PID reuse.
type Target struct {
	Name      string
	PID       int
	StartUnix int64
}

// Start launches spec detached from the caller. stdout and stderr go to
// fresh, truncated capture files. In PID-file mode Start blocks until the
// file holds a PID or the startup ceiling passes.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Name == "" {
		return nil, errs.InvalidState("process name required")
	}
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, errs.InvalidState("%s: %v", spec.Name, err)
	}
	cmd.Dir = spec.WorkDir
	cmd.Env = s.opts.Env.Merge(spec.Env)
	setDetached(cmd)

	if spec.PIDFile != "" {
		if err := os.Remove(spec.PIDFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale pid file: %w", err)
		}
	}

	stdout, stderr, err := s.opts.Logs.OpenFresh(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("open logs for %s: %w", spec.Name, err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, errs.Process(err, "", "start %s", spec.Name)
	}

	h := &Handle{
		Name:     spec.Name,
		childPID: cmd.Process.Pid,
		exited:   make(chan struct{}),
		stdout:   stdout,
		stderr:   stderr,
		released: make(chan struct{}),
	}
	direct := spec.PIDFile == ""
	if direct {
		h.PID = h.childPID
	}
	go func() {
		h.exitErr = cmd.Wait()
		close(h.exited)
		if direct {
			_ = h.Release()
		}
		slog.Debug("process reaped", "name", spec.Name, "pid", h.childPID, "err", h.exitErr)
	}()

	if !direct {
		pid, err := s.waitPIDFile(ctx, spec, h)
		if err != nil {
			_ = signalTree(h.childPID, true, sigKill)
			_ = h.Release()
			return nil, err
		}
		h.PID = pid
	}
	h.StartUnix = detector.ProcStartUnix(h.PID)

	s.mu.Lock()
	if prev, ok := s.handles[spec.Name]; ok && prev != h {
		_ = prev.Release()
	}
	s.handles[spec.Name] = h
	s.mu.Unlock()

	slog.Info("process started", "name", spec.Name, "pid", h.PID, "pid_file", spec.PIDFile)
	return h, nil
}

func (s *Supervisor) waitPIDFile(ctx context.Context, spec Spec, h *Handle) (int, error) {
	deadline := time.NewTimer(s.opts.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.opts.PollInterval)
	defer tick.Stop()
	exited := h.exited
	for {
		if pid, err := detector.ReadPIDFile(spec.PIDFile); err == nil {
			return pid, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, errs.StartupTimeout("%s: pid file %s did not appear within %s", spec.Name, spec.PIDFile, s.opts.StartupTimeout)
		case <-exited:
			if h.exitErr != nil {
				return 0, errs.Process(h.exitErr, "", "launcher for %s", spec.Name)
			}
			// launcher finished cleanly; keep polling for the daemon's pid file
			exited = nil
		case <-tick.C:
		}
	}
}

// Alive reports whether t still refers to a live, non-zombie process.
func (s *Supervisor) Alive(t Target) bool {
	ok, _ := detector.PIDDetector{PID: t.PID, StartUnix: t.StartUnix}.Alive()
	return ok
}

// Release drops the handle tracked for name, closing its descriptors.
func (s *Supervisor) Release(name string) {
	s.mu.Lock()
	h, ok := s.handles[name]
	delete(s.handles, name)
	s.mu.Unlock()
	if ok {
		_ = h.Release()
	}
}

// Shutdown releases every tracked handle. Running services are left alone.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	hs := s.handles
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()
	for _, h := range hs {
		_ = h.Release()
	}
}

// OpenHandles counts tracked handles whose descriptors are still open.
func (s *Supervisor) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.handles {
		if !h.isReleased() {
			n++
		}
	}
	return n
}

func (s *Supervisor) handle(name string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[name]
}
