package process

import (
	"context"
	"log/slog"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/warden/internal/errs"
)

const (
	killGrace    = 2 * time.Second
	pollAlive    = 100 * time.Millisecond
	DefaultGrace = 10 * time.Second
)

// procRef pins a descendant to its creation time so a recycled PID is never
// signalled.
type procRef struct {
	pid      int
	createMs int64
}

// Stop terminates t: SIGTERM (to its process group when it leads one), a
// wait of up to graceful, then SIGKILL. Descendants found before or after
// signalling are killed afterwards. A process that is already gone is not
// an error, so repeated stops succeed.
func (s *Supervisor) Stop(ctx context.Context, t Target, graceful time.Duration) error {
	defer s.Release(t.Name)
	if graceful <= 0 {
		graceful = DefaultGrace
	}
	if t.PID <= 0 || !s.Alive(t) {
		return nil
	}

	var reaped <-chan struct{}
	if h := s.handle(t.Name); h != nil && h.childPID == t.PID {
		reaped = h.Exited()
	}

	tree := descendants(t.PID)
	group := isGroupLeader(t.PID)
	slog.Info("stopping process", "name", t.Name, "pid", t.PID, "descendants", len(tree), "group", group)

	if err := signalTree(t.PID, group, sigTerm); err != nil {
		return errs.Process(err, "", "signal %s", t.Name)
	}
	if !s.waitGone(ctx, t, reaped, graceful) {
		slog.Warn("graceful stop timed out, killing", "name", t.Name, "pid", t.PID, "timeout", graceful)
		if err := signalTree(t.PID, group, sigKill); err != nil {
			return errs.Process(err, "", "kill %s", t.Name)
		}
		if !s.waitGone(context.Background(), t, reaped, killGrace) {
			return errs.Process(errProcessSurvived, "", "kill %s (pid %d)", t.Name, t.PID)
		}
	}

	tree = append(tree, descendants(t.PID)...)
	killed := 0
	for _, d := range tree {
		if !d.sameProcess() {
			continue
		}
		if err := signalTree(d.pid, false, sigKill); err == nil {
			killed++
		}
	}
	if killed > 0 {
		slog.Info("killed leftover descendants", "name", t.Name, "count", killed)
	}
	return nil
}

func (s *Supervisor) waitGone(ctx context.Context, t Target, reaped <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(pollAlive)
	defer tick.Stop()
	for {
		if !s.Alive(t) {
			return true
		}
		select {
		case <-reaped:
			return true
		case <-ctx.Done():
			return false
		case <-timer.C:
			return !s.Alive(t)
		case <-tick.C:
		}
	}
}

// descendants walks the process table and returns every process below pid.
func descendants(pid int) []procRef {
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil
	}
	children := make(map[int32][]*gopsproc.Process)
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p)
	}
	var out []procRef
	queue := []int32{int32(pid)}
	seen := map[int32]bool{int32(pid): true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			ms, _ := c.CreateTime()
			out = append(out, procRef{pid: int(c.Pid), createMs: ms})
			queue = append(queue, c.Pid)
		}
	}
	return out
}

func (r procRef) sameProcess() bool {
	p, err := gopsproc.NewProcess(int32(r.pid))
	if err != nil {
		return false
	}
	if r.createMs == 0 {
		return true
	}
	ms, err := p.CreateTime()
	return err == nil && ms == r.createMs
}
