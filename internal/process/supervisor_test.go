//go:build !windows

package process

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/detector"
	"github.com/loykin/warden/internal/errs"
	"github.com/loykin/warden/internal/logger"
)

func newTestSupervisor(t *testing.T) (*Supervisor, logger.ServiceLogs) {
	t.Helper()
	logs := logger.ServiceLogs{Dir: filepath.Join(t.TempDir(), "logs")}
	s := NewSupervisor(Options{
		Logs:           logs,
		StartupTimeout: 2 * time.Second,
		PollInterval:   50 * time.Millisecond,
		ControlTimeout: 5 * time.Second,
	})
	t.Cleanup(s.Shutdown)
	return s, logs
}

func readLog(t *testing.T, logs logger.ServiceLogs, name, stream string) string {
	t.Helper()
	p, err := logs.Path(name, stream)
	require.NoError(t, err)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(b)
}

func TestStartDirectCapturesOutputAndStops(t *testing.T) {
	s, logs := newTestSupervisor(t)
	ctx := context.Background()

	h, err := s.Start(ctx, Spec{Name: "m1", Command: "sh -c 'echo ready; echo warn >&2; exec sleep 30'"})
	require.NoError(t, err)
	require.Greater(t, h.PID, 0)
	target := Target{Name: "m1", PID: h.PID, StartUnix: h.StartUnix}
	assert.True(t, s.Alive(target))

	require.Eventually(t, func() bool {
		return strings.Contains(readLog(t, logs, "m1", logger.StreamOut), "ready")
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, readLog(t, logs, "m1", logger.StreamErr), "warn")

	require.NoError(t, s.Stop(ctx, target, time.Second))
	assert.False(t, s.Alive(target))
	assert.Equal(t, 0, s.OpenHandles())

	// idempotent
	require.NoError(t, s.Stop(ctx, target, time.Second))
}

func TestStartTruncatesPreviousLogs(t *testing.T) {
	s, logs := newTestSupervisor(t)
	ctx := context.Background()

	h, err := s.Start(ctx, Spec{Name: "m1", Argv: []string{"/bin/sh", "-c", "echo first"}})
	require.NoError(t, err)
	<-h.Exited()
	assert.Contains(t, readLog(t, logs, "m1", logger.StreamOut), "first")

	h, err = s.Start(ctx, Spec{Name: "m1", Argv: []string{"/bin/sh", "-c", "echo second"}})
	require.NoError(t, err)
	<-h.Exited()
	out := readLog(t, logs, "m1", logger.StreamOut)
	assert.NotContains(t, out, "first")
	assert.Contains(t, out, "second")
}

func TestStopEscalatesWhenTermIgnored(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ctx := context.Background()

	h, err := s.Start(ctx, Spec{Name: "stubborn", Command: "sh -c 'trap \"\" TERM; while true; do sleep 0.1; done'"})
	require.NoError(t, err)
	target := Target{Name: "stubborn", PID: h.PID, StartUnix: h.StartUnix}
	time.Sleep(100 * time.Millisecond)

	begin := time.Now()
	require.NoError(t, s.Stop(ctx, target, 300*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(begin), 300*time.Millisecond)
	assert.False(t, s.Alive(target))
}

func TestStopKillsDescendantsOutsideGroup(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ctx := context.Background()
	dir := t.TempDir()
	childPIDFile := filepath.Join(dir, "worker.pid")

	// The worker moves into its own session, so only the descendant sweep
	// can reach it.
	script := "setsid sh -c 'trap \"\" TERM; echo $$ > " + childPIDFile + "; while true; do sleep 0.1; done' & exec sleep 30"
	if _, err := os.Stat("/usr/bin/setsid"); err != nil {
		if _, err := os.Stat("/bin/setsid"); err != nil {
			t.Skip("setsid binary not available")
		}
	}
	h, err := s.Start(ctx, Spec{Name: "tree", Argv: []string{"/bin/sh", "-c", script}})
	require.NoError(t, err)

	var workerPID int
	require.Eventually(t, func() bool {
		pid, err := detector.ReadPIDFile(childPIDFile)
		workerPID = pid
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop(ctx, Target{Name: "tree", PID: h.PID, StartUnix: h.StartUnix}, time.Second))
	require.Eventually(t, func() bool {
		return !s.Alive(Target{PID: workerPID})
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStartPIDFileMode(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ctx := context.Background()
	pf := filepath.Join(t.TempDir(), "engine.pid")
	require.NoError(t, os.WriteFile(pf, []byte("999999"), 0o600), "stale pid file must be ignored")

	// The launcher backgrounds the daemon, records its pid late and exits.
	launcher := "sleep 30 & pid=$!; sleep 0.2; echo $pid > " + pf
	h, err := s.Start(ctx, Spec{Name: "engine", Argv: []string{"/bin/sh", "-c", launcher}, PIDFile: pf})
	require.NoError(t, err)
	assert.NotEqual(t, 999999, h.PID)
	assert.True(t, s.Alive(Target{PID: h.PID}))

	require.NoError(t, s.Stop(ctx, Target{Name: "engine", PID: h.PID, StartUnix: h.StartUnix}, time.Second))
	assert.False(t, s.Alive(Target{PID: h.PID}))
}

func TestStartPIDFileTimeout(t *testing.T) {
	s, _ := newTestSupervisor(t)
	s.opts.StartupTimeout = 300 * time.Millisecond
	pf := filepath.Join(t.TempDir(), "never.pid")

	_, err := s.Start(context.Background(), Spec{Name: "slow", Argv: []string{"sleep", "5"}, PIDFile: pf})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrStartupTimeout)
	assert.Equal(t, 0, s.OpenHandles())
}

func TestStartPIDFileLauncherFailure(t *testing.T) {
	s, _ := newTestSupervisor(t)
	pf := filepath.Join(t.TempDir(), "x.pid")
	_, err := s.Start(context.Background(), Spec{Name: "bad", Argv: []string{"/bin/sh", "-c", "exit 3"}, PIDFile: pf})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrProcess)
}

func TestStartMissingBinary(t *testing.T) {
	s, _ := newTestSupervisor(t)
	_, err := s.Start(context.Background(), Spec{Name: "nope", Argv: []string{"/definitely/not/here"}})
	assert.ErrorIs(t, err, errs.ErrProcess)

	_, err = s.Start(context.Background(), Spec{Name: "", Command: "true"})
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestStopUnknownPIDIsNoop(t *testing.T) {
	s, _ := newTestSupervisor(t)
	require.NoError(t, s.Stop(context.Background(), Target{Name: "ghost", PID: 0}, time.Second))
	require.NoError(t, s.Stop(context.Background(), Target{Name: "ghost", PID: 999999}, time.Second))
}

func TestRepeatedStartStopDoesNotLeakDescriptors(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("counts /proc/self/fd")
	}
	s, _ := newTestSupervisor(t)
	ctx := context.Background()
	countFDs := func() int {
		ents, err := os.ReadDir("/proc/self/fd")
		require.NoError(t, err)
		return len(ents)
	}

	// warm up lazily opened descriptors
	h, err := s.Start(ctx, Spec{Name: "cycle", Argv: []string{"sleep", "30"}})
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx, Target{Name: "cycle", PID: h.PID}, time.Second))
	before := countFDs()

	for i := 0; i < 5; i++ {
		h, err := s.Start(ctx, Spec{Name: "cycle", Argv: []string{"sleep", "30"}})
		require.NoError(t, err)
		require.NoError(t, s.Stop(ctx, Target{Name: "cycle", PID: h.PID}, time.Second))
	}
	assert.InDelta(t, before, countFDs(), 2)
	assert.Equal(t, 0, s.OpenHandles())
}

func TestShutdownReleasesButLeavesServiceRunning(t *testing.T) {
	s, _ := newTestSupervisor(t)
	h, err := s.Start(context.Background(), Spec{Name: "keep", Argv: []string{"sleep", "30"}})
	require.NoError(t, err)
	assert.Equal(t, 1, s.OpenHandles())

	s.Shutdown()
	assert.Equal(t, 0, s.OpenHandles())
	assert.True(t, s.Alive(Target{PID: h.PID}))
	require.NoError(t, h.Release(), "second release is a no-op")

	require.NoError(t, s.Stop(context.Background(), Target{Name: "keep", PID: h.PID}, time.Second))
}

func TestRunControl(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ctx := context.Background()
	out, err := s.RunControl(ctx, Spec{Name: "sql"}, []string{"/bin/sh", "-c", "echo stopped"})
	require.NoError(t, err)
	assert.Equal(t, "stopped\n", out)

	_, err = s.RunControl(ctx, Spec{Name: "sql"}, []string{"/bin/sh", "-c", "echo broken >&2; exit 2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrProcess)
	assert.Contains(t, err.Error(), "broken")
}

func TestEnvIsMergedIntoChild(t *testing.T) {
	s, logs := newTestSupervisor(t)
	h, err := s.Start(context.Background(), Spec{
		Name: "envcheck",
		Argv: []string{"/bin/sh", "-c", "echo $WARDEN_CHILD_VAR"},
		Env:  []string{"WARDEN_CHILD_VAR=" + strconv.Itoa(42)},
	})
	require.NoError(t, err)
	<-h.Exited()
	assert.Equal(t, "42\n", readLog(t, logs, "envcheck", logger.StreamOut))
}
