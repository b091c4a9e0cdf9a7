package process

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/loykin/warden/internal/errs"
)

var errProcessSurvived = errors.New("process still alive after SIGKILL")

// RunControl runs a service control script (for example "byzer.sh stop")
// to completion. A non-zero exit is reported as a process error carrying
// the script's stderr.
func (s *Supervisor) RunControl(ctx context.Context, spec Spec, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ControlTimeout)
	defer cancel()
	// #nosec G204 -- argv comes from a validated launch spec
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = s.opts.Env.Merge(spec.Env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	slog.Info("running control command", "name", spec.Name, "argv", strings.Join(argv, " "))
	if err := cmd.Run(); err != nil {
		return stdout.String(), errs.Process(err, strings.TrimSpace(stderr.String()), "%s: %s", spec.Name, strings.Join(argv, " "))
	}
	return stdout.String(), nil
}
