// Package ragfiles keeps the documents uploaded for retrieval services, one
// directory per service: <dir>/<service>/<uuid><ext>.
package ragfiles

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/loykin/warden/internal/errs"
	"github.com/loykin/warden/internal/service"
)

const maxExtLen = 16

type File struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"size_human"`
	Modified  time.Time `json:"modified"`
}

type Store struct {
	dir string
}

func NewStore(dir string) *Store { return &Store{dir: dir} }

func (s *Store) Dir() string { return s.dir }

func (s *Store) serviceDir(name string) (string, error) {
	if err := service.ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// List returns the regular files of a service sorted by name. A service
// with no uploads yet has an empty list.
func (s *Store) List(name string) ([]File, error) {
	dir, err := s.serviceDir(name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []File{}, nil
		}
		return nil, err
	}
	out := make([]File, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, File{
			Name:      e.Name(),
			Size:      info.Size(),
			SizeHuman: humanize.Bytes(uint64(info.Size())),
			Modified:  info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Save stores r under a fresh name that keeps the extension of original
// and returns its entry.
func (s *Store) Save(name, original string, r io.Reader) (File, error) {
	dir, err := s.serviceDir(name)
	if err != nil {
		return File{}, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return File{}, fmt.Errorf("create %s: %w", dir, err)
	}
	fileName := strings.ReplaceAll(uuid.NewString(), "-", "") + extension(original)

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return File{}, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return File{}, fmt.Errorf("write upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, fileName)); err != nil {
		_ = os.Remove(tmp.Name())
		return File{}, err
	}
	return File{
		Name:      fileName,
		Size:      n,
		SizeHuman: humanize.Bytes(uint64(n)),
		Modified:  time.Now().UTC(),
	}, nil
}

// Delete removes one uploaded file.
func (s *Store) Delete(name, file string) error {
	dir, err := s.serviceDir(name)
	if err != nil {
		return err
	}
	if err := checkFileName(file); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, file)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errs.NotFound("file %q of %s", file, name)
		}
		return err
	}
	return nil
}

// RemoveAll drops every upload of a service.
func (s *Store) RemoveAll(name string) error {
	dir, err := s.serviceDir(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func checkFileName(f string) error {
	if strings.ContainsAny(f, `/\`) || strings.HasPrefix(f, ".") {
		return errs.InvalidState("invalid file name %q", f)
	}
	return service.ValidateName(f)
}

// extension keeps a short alphanumeric extension of the uploaded name and
// drops anything else.
func extension(original string) string {
	ext := filepath.Ext(filepath.Base(strings.ReplaceAll(original, `\`, "/")))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return strings.ToLower(ext)
}
