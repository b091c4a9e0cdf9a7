package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Stream names accepted by ServiceLogs.Path.
const (
	StreamOut = "out"
	StreamErr = "err"
)

// ServiceLogs lays out the stdout/stderr capture files of managed services:
// Dir/<name>.out and Dir/<name>.err.
//
// The files are handed to the child as plain descriptors rather than through
// a rotating writer so the service keeps logging after the daemon exits.
type ServiceLogs struct {
	Dir string
}

func (l ServiceLogs) Paths(name string) (stdout, stderr string) {
	return filepath.Join(l.Dir, name+".out"), filepath.Join(l.Dir, name+".err")
}

// Path resolves one stream ("out" or "err") of a service.
func (l ServiceLogs) Path(name, stream string) (string, error) {
	out, errp := l.Paths(name)
	switch stream {
	case StreamOut:
		return out, nil
	case StreamErr:
		return errp, nil
	}
	return "", fmt.Errorf("unknown log stream %q", stream)
}

// OpenFresh truncates (or creates) both capture files and opens them for
// appending.
func (l ServiceLogs) OpenFresh(name string) (*os.File, *os.File, error) {
	if err := os.MkdirAll(l.Dir, 0o750); err != nil {
		return nil, nil, err
	}
	outPath, errPath := l.Paths(name)
	out, err := openTrunc(outPath)
	if err != nil {
		return nil, nil, err
	}
	stderr, err := openTrunc(errPath)
	if err != nil {
		_ = out.Close()
		return nil, nil, err
	}
	return out, stderr, nil
}

// Remove deletes both capture files. Missing files are ignored.
func (l ServiceLogs) Remove(name string) error {
	outPath, errPath := l.Paths(name)
	var errs []error
	for _, p := range []string{outPath, errPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openTrunc(path string) (*os.File, error) {
	// #nosec G304 -- path is built from a validated service name
	return os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o640)
}
