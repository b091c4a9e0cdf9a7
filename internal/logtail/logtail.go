// Package logtail reads service log files by byte offset so callers can
// follow a growing file with repeated calls.
package logtail

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// CatchUp is the offset that returns no content, only the current size.
const CatchUp int64 = -1

// Result is one read. Offset is where the next call should continue from.
type Result struct {
	Content string `json:"content"`
	Offset  int64  `json:"offset"`
	Exists  bool   `json:"exists"`
}

// Read returns the bytes of path starting at offset:
//
//   - offset >= 0: from offset to the current end of file
//   - offset == -1 or past the end: nothing; Offset is the file size
//   - any other negative offset: the last -offset bytes
//
// A missing file is not an error and yields Exists == false.
func Read(path string, offset int64) (Result, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, nil
		}
		return Result{}, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return Result{}, err
	}
	size := st.Size()

	switch {
	case offset == CatchUp || offset > size:
		return Result{Offset: size, Exists: true}, nil
	case offset < 0:
		offset = max(0, size+offset)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return Result{}, err
	}
	// Read what is there now; bytes appended meanwhile come with the next call.
	b, err := io.ReadAll(io.LimitReader(f, size-offset))
	if err != nil {
		return Result{}, err
	}
	return Result{Content: string(b), Offset: offset + int64(len(b)), Exists: true}, nil
}
