package progress

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

func openTar(archive string) (*tar.Reader, func(), error) {
	// #nosec G304 -- archive was written by download
	f, err := os.Open(archive)
	if err != nil {
		return nil, nil, err
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("open gzip %s: %w", filepath.Base(archive), err)
	}
	return tar.NewReader(gz), func() {
		_ = gz.Close()
		_ = f.Close()
	}, nil
}

func countMembers(archive string) (int, error) {
	tr, closeFn, err := openTar(archive)
	if err != nil {
		return 0, err
	}
	defer closeFn()
	n := 0
	for {
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		n++
	}
}

// within resolves name below dest and rejects anything escaping it.
func within(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive member %q escapes %s", name, dest)
	}
	return target, nil
}

// extract unpacks archive into dest, reporting progress by member count,
// then removes the archive and marks bin/byzer.sh executable.
func (t *Tracker) extract(id, archive, dest string) error {
	total, err := countMembers(archive)
	if err != nil {
		return err
	}
	t.set(id, func(p *Progress) {
		p.Phase = PhaseExtract
		p.Percent = 0
		p.Speed = ""
		p.ETA = ""
	})

	tr, closeFn, err := openTar(archive)
	if err != nil {
		return err
	}
	defer closeFn()

	done := 0
	for {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := writeMember(dest, hdr, tr); err != nil {
			return err
		}
		done++
		t.set(id, func(p *Progress) {
			if total > 0 {
				p.Percent = float64(done) * 100 / float64(total)
			}
		})
	}

	if err := os.Remove(archive); err != nil {
		return err
	}
	script := filepath.Join(dest, "bin", "byzer.sh")
	if _, err := os.Stat(script); err == nil {
		// #nosec G302 -- the start script must be executable
		if err := os.Chmod(script, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func writeMember(dest string, hdr *tar.Header, r io.Reader) error {
	target, err := within(dest, hdr.Name)
	if err != nil {
		return err
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o750)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		mode := os.FileMode(hdr.Mode).Perm() | 0o600
		// #nosec G304 -- target checked by within
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
		if err != nil {
			return err
		}
		// #nosec G110 -- distributions are trusted operator input
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	case tar.TypeSymlink:
		link := hdr.Linkname
		if !filepath.IsAbs(link) {
			link = filepath.Join(filepath.Dir(target), link)
		}
		if _, err := within(dest, mustRel(dest, link)); err != nil || filepath.IsAbs(hdr.Linkname) {
			return fmt.Errorf("archive symlink %q -> %q escapes %s", hdr.Name, hdr.Linkname, dest)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	}
	// other member types (devices, fifos, hard links) are skipped
	return nil
}

func mustRel(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return ".."
	}
	return rel
}
