// Package manager drives services through their lifecycle: it launches and
// stops them through the process supervisor and persists every transition
// in the service registries.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/warden/internal/errs"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/logtail"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/service"
	"github.com/loykin/warden/internal/workpool"
)

// State is what a status query reports. It extends the persisted status
// with the transient starting state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

var errProcessGone = errors.New("process no longer running")

type Options struct {
	Supervisor  *process.Supervisor
	Registries  *service.Registries
	Logs        logger.ServiceLogs
	Pool        *workpool.Pool
	History     history.Sink
	StopTimeout time.Duration
}

type Manager struct {
	sup         *process.Supervisor
	regs        *service.Registries
	logs        logger.ServiceLogs
	pool        *workpool.Pool
	hist        history.Sink
	stopTimeout time.Duration

	names keyedMutex

	mu        sync.Mutex
	starting  map[string]bool
	reconStop chan struct{}
	reconDone chan struct{}
}

func New(o Options) *Manager {
	if o.Pool == nil {
		o.Pool = workpool.New(0)
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = process.DefaultGrace
	}
	return &Manager{
		sup:         o.Supervisor,
		regs:        o.Registries,
		logs:        o.Logs,
		pool:        o.Pool,
		hist:        o.History,
		stopTimeout: o.StopTimeout,
		starting:    make(map[string]bool),
	}
}

// StatusReport is the reconciled view of one service.
type StatusReport struct {
	service.Record
	State State          `json:"state"`
	Alive bool           `json:"alive"`
	Usage *metrics.Usage `json:"usage,omitempty"`
}

func (m *Manager) registry(kind service.Kind) (*service.Registry, error) {
	return m.regs.For(kind)
}

func (m *Manager) List(kind service.Kind) ([]service.Record, error) {
	reg, err := m.registry(kind)
	if err != nil {
		return nil, err
	}
	return reg.List()
}

func (m *Manager) Get(kind service.Kind, name string) (service.Record, error) {
	reg, err := m.registry(kind)
	if err != nil {
		return service.Record{}, err
	}
	return reg.Get(name)
}

// Add registers a new stopped service. Names are unique across kinds
// because they also name the log files.
func (m *Manager) Add(kind service.Kind, rec service.Record) (service.Record, error) {
	reg, err := m.registry(kind)
	if err != nil {
		return service.Record{}, err
	}
	defer m.names.lock(rec.Name)()
	for _, k := range service.Kinds {
		if k == kind {
			continue
		}
		other, _ := m.registry(k)
		if _, err := other.Get(rec.Name); err == nil {
			return service.Record{}, errs.AlreadyExists("service %q is already registered as %s", rec.Name, k)
		} else if !errors.Is(err, errs.ErrNotFound) {
			return service.Record{}, err
		}
	}
	if kind == service.KindSQLEngine && rec.SQLEngine != nil && rec.SQLEngine.InstallDir != "" {
		if err := os.MkdirAll(rec.SQLEngine.InstallDir, 0o750); err != nil {
			return service.Record{}, fmt.Errorf("create install dir: %w", err)
		}
	}
	out, err := reg.Add(rec)
	if err != nil {
		return service.Record{}, err
	}
	slog.Info("service added", "kind", kind, "name", out.Name)
	return out, nil
}

func (m *Manager) Update(kind service.Kind, name string, rec service.Record) (service.Record, error) {
	reg, err := m.registry(kind)
	if err != nil {
		return service.Record{}, err
	}
	defer m.names.lock(name)()
	return reg.Update(name, rec)
}

// Delete removes a stopped service together with its log files.
func (m *Manager) Delete(kind service.Kind, name string) (service.Record, error) {
	reg, err := m.registry(kind)
	if err != nil {
		return service.Record{}, err
	}
	defer m.names.lock(name)()
	out, err := reg.Delete(name)
	if err != nil {
		return service.Record{}, err
	}
	if err := m.logs.Remove(name); err != nil {
		slog.Warn("failed to remove service logs", "name", name, "error", err)
	}
	slog.Info("service deleted", "kind", kind, "name", name)
	return out, nil
}

// Action dispatches "start" or "stop".
func (m *Manager) Action(ctx context.Context, kind service.Kind, name, action string) (service.Record, error) {
	switch action {
	case ActionStart:
		return m.Start(ctx, kind, name)
	case ActionStop:
		return m.Stop(ctx, kind, name)
	}
	return service.Record{}, errs.InvalidState("invalid action %q", action)
}

// Start launches the service and records it as running. A record that
// claims to run a process that is gone is reconciled first.
func (m *Manager) Start(ctx context.Context, kind service.Kind, name string) (service.Record, error) {
	reg, err := m.registry(kind)
	if err != nil {
		return service.Record{}, err
	}
	defer m.names.lock(name)()

	rec, err := reg.Get(name)
	if err != nil {
		return service.Record{}, err
	}
	if rec.Running() {
		if m.alive(rec) {
			return rec, errs.InvalidState("%s %q is already running (pid %d)", kind, name, rec.PID())
		}
		if rec, err = m.reconcile(ctx, reg, rec); err != nil {
			return service.Record{}, err
		}
	}
	spec, err := rec.ProcessSpec()
	if err != nil {
		return rec, err
	}

	m.setStarting(name, true)
	defer m.setStarting(name, false)

	began := time.Now()
	var h *process.Handle
	err = m.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		h, err = m.sup.Start(ctx, spec)
		return err
	})
	if err != nil {
		metrics.IncStartFailure(string(kind), name, errs.Kind(err))
		slog.Error("service start failed", "kind", kind, "name", name, "error", err)
		return rec, err
	}

	out, err := reg.SetStatus(name, service.StatusRunning, h.PID, h.StartUnix)
	if err != nil {
		// an unrecorded process could never be stopped through the registry
		target := process.Target{Name: name, PID: h.PID, StartUnix: h.StartUnix}
		if serr := m.sup.Stop(context.WithoutCancel(ctx), target, m.stopTimeout); serr != nil {
			slog.Error("failed to stop unrecorded process", "name", name, "pid", h.PID, "error", serr)
		}
		return rec, err
	}

	metrics.IncStart(string(kind), name)
	metrics.ObserveStartDuration(string(kind), time.Since(began).Seconds())
	metrics.RecordStateTransition(string(kind), string(service.StatusStopped), string(service.StatusRunning))
	m.emit(ctx, history.EventStart, out, h.PID, nil)
	slog.Info("service started", "kind", kind, "name", name, "pid", h.PID)
	return out, nil
}

// Stop runs the service's stop command, if any, then terminates its
// process tree and records it as stopped. Stopping a stopped service is a
// no-op. A failing stop command leaves the record untouched.
func (m *Manager) Stop(ctx context.Context, kind service.Kind, name string) (service.Record, error) {
	reg, err := m.registry(kind)
	if err != nil {
		return service.Record{}, err
	}
	defer m.names.lock(name)()

	rec, err := reg.Get(name)
	if err != nil {
		return service.Record{}, err
	}
	if !rec.Running() {
		return rec, nil
	}
	target := m.target(rec)

	if m.sup.Alive(target) {
		if spec, err := rec.ProcessSpec(); err != nil {
			slog.Warn("no launch spec for stop command, signalling only", "name", name, "error", err)
		} else if len(spec.StopCommand) > 0 {
			err := m.pool.Do(ctx, func(ctx context.Context) error {
				_, err := m.sup.RunControl(ctx, spec, spec.StopCommand)
				return err
			})
			if err != nil {
				return rec, err
			}
		}
		if err := m.sup.Stop(ctx, target, m.stopTimeout); err != nil {
			return rec, err
		}
	} else {
		m.sup.Release(name)
	}

	out, err := reg.SetStatus(name, service.StatusStopped, 0, 0)
	if err != nil {
		return rec, err
	}
	metrics.IncStop(string(kind), name)
	metrics.RecordStateTransition(string(kind), string(service.StatusRunning), string(service.StatusStopped))
	metrics.ForgetUsage(string(kind), name)
	m.emit(ctx, history.EventStop, out, target.PID, nil)
	slog.Info("service stopped", "kind", kind, "name", name, "pid", target.PID)
	return out, nil
}

// Status returns the service's reconciled state. While a start is in
// flight the state is starting.
func (m *Manager) Status(ctx context.Context, kind service.Kind, name string) (StatusReport, error) {
	reg, err := m.registry(kind)
	if err != nil {
		return StatusReport{}, err
	}
	rec, err := reg.Get(name)
	if err != nil {
		return StatusReport{}, err
	}
	if m.isStarting(name) {
		return StatusReport{Record: rec, State: StateStarting}, nil
	}
	rep := StatusReport{Record: rec, State: StateStopped}
	if !rec.Running() {
		return rep, nil
	}
	if !m.alive(rec) {
		rec, err = m.reconcile(ctx, reg, rec)
		if err != nil {
			return StatusReport{}, err
		}
		rep.Record = rec
		if rec.Running() {
			// restarted concurrently with a new pid
			rep.State, rep.Alive = StateRunning, m.alive(rec)
		}
		return rep, nil
	}
	rep.State, rep.Alive = StateRunning, true
	if u, err := metrics.Sample(rec.PID()); err == nil {
		rep.Usage = &u
		metrics.ObserveUsage(string(kind), name, u)
	}
	return rep, nil
}

// Logs reads one captured stream of a service from offset.
func (m *Manager) Logs(kind service.Kind, name, stream string, offset int64) (logtail.Result, error) {
	if _, err := m.Get(kind, name); err != nil {
		return logtail.Result{}, err
	}
	path, err := m.logs.Path(name, stream)
	if err != nil {
		return logtail.Result{}, errs.InvalidState("%v", err)
	}
	return logtail.Read(path, offset)
}

// ReconcileOnce marks every running record whose process is gone as
// stopped and refreshes the per-kind running gauges.
func (m *Manager) ReconcileOnce(ctx context.Context) error {
	var all []error
	for _, kind := range service.Kinds {
		reg, _ := m.registry(kind)
		recs, err := reg.List()
		if err != nil {
			all = append(all, err)
			continue
		}
		running := 0
		for _, rec := range recs {
			if !rec.Running() {
				continue
			}
			if m.isStarting(rec.Name) || m.alive(rec) {
				running++
				continue
			}
			out, err := m.reconcile(ctx, reg, rec)
			if err != nil {
				all = append(all, err)
				continue
			}
			if out.Running() {
				running++
			}
		}
		metrics.SetRunning(string(kind), running)
	}
	return errors.Join(all...)
}

// StartReconciler runs ReconcileOnce every interval until Shutdown. A
// non-positive interval disables it.
func (m *Manager) StartReconciler(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	if m.reconStop != nil {
		m.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	m.reconStop, m.reconDone = stop, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := m.ReconcileOnce(context.Background()); err != nil {
					slog.Warn("reconcile failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Shutdown stops the reconciler and releases every supervisor handle.
// Services keep running.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	stop, done := m.reconStop, m.reconDone
	m.reconStop, m.reconDone = nil, nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	m.sup.Shutdown()
}

func (m *Manager) target(rec service.Record) process.Target {
	return process.Target{Name: rec.Name, PID: rec.PID(), StartUnix: rec.ProcessStart}
}

func (m *Manager) alive(rec service.Record) bool {
	return rec.PID() > 0 && m.sup.Alive(m.target(rec))
}

// reconcile flips a dead running record to stopped, but only if it still
// names the pid that was found dead.
func (m *Manager) reconcile(ctx context.Context, reg *service.Registry, rec service.Record) (service.Record, error) {
	out, changed, err := reg.MarkStoppedIf(rec.Name, rec.PID())
	if err != nil {
		return rec, err
	}
	if changed {
		m.sup.Release(rec.Name)
		metrics.RecordStateTransition(string(rec.Kind), string(service.StatusRunning), string(service.StatusStopped))
		metrics.ForgetUsage(string(rec.Kind), rec.Name)
		m.emit(ctx, history.EventReconcile, out, rec.PID(), errProcessGone)
		slog.Warn("service process gone, marked stopped", "kind", rec.Kind, "name", rec.Name, "pid", rec.PID())
	}
	return out, nil
}

func (m *Manager) setStarting(name string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.starting[name] = true
	} else {
		delete(m.starting, name)
	}
}

func (m *Manager) isStarting(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starting[name]
}

func (m *Manager) emit(ctx context.Context, typ history.EventType, rec service.Record, pid int, cause error) {
	if m.hist == nil {
		return
	}
	ev := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Service: history.Service{
			Name:   rec.Name,
			Kind:   string(rec.Kind),
			PID:    pid,
			Status: string(rec.Status),
		},
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := m.hist.Send(ctx, ev); err != nil {
		slog.Warn("history send failed", "type", typ, "name", rec.Name, "error", err)
	}
}
