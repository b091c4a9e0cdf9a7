// Package detector answers whether a recorded PID still belongs to a live
// process. A recorded start time guards against the kernel handing the same
// PID to an unrelated process after the original exited.
package detector

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector detects by a known PID. When StartUnix is set the process must
// also have been started at that second.
type PIDDetector struct {
	PID       int
	StartUnix int64
}

func (d PIDDetector) Alive() (bool, error) {
	if !pidAlive(d.PID) {
		return false, nil
	}
	if d.StartUnix > 0 {
		if cur := ProcStartUnix(d.PID); cur > 0 && cur != d.StartUnix {
			return false, nil
		}
	}
	return true, nil
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// PIDFileDetector detects a process through the PID written by the process
// itself. A missing file means not running.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return pidAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// ReadPIDFile parses the first line of path as a positive PID.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s: %d", path, pid)
	}
	return pid, nil
}
