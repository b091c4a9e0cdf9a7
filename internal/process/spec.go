package process

import (
	"errors"
	"os/exec"
	"strings"
)

// Spec describes how to launch one managed service process.
type Spec struct {
	Name string `json:"name"`
	// Argv is executed directly when set. Otherwise Command is parsed,
	// going through /bin/sh only when it needs shell features.
	Argv    []string `json:"argv,omitempty"`
	Command string   `json:"command,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	// PIDFile switches start to indirect mode: the launched program is a
	// launcher that writes the real service PID to this file.
	PIDFile string `json:"pid_file,omitempty"`
	// StopCommand runs before signal escalation on stop. A non-zero exit
	// aborts the stop.
	StopCommand []string `json:"stop_command,omitempty"`
}

// BuildCommand constructs the *exec.Cmd for the spec.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	if len(s.Argv) > 0 {
		// #nosec G204 -- argv comes from a validated launch spec
		return exec.Command(s.Argv[0], s.Argv[1:]...), nil
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return nil, errors.New("empty command")
	}
	if script, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script), nil
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr), nil
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...), nil
}

// parseExplicitShell recognises "sh -c <script>" style commands so they are
// not wrapped in a second shell. One pair of outer quotes is stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		after, ok := strings.CutPrefix(trim, p)
		if !ok {
			continue
		}
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
