// Package progress downloads and unpacks SQL engine distributions in the
// background and keeps an in-memory progress entry per task.
package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/loykin/warden/internal/errs"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/workpool"
)

type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseExtract  Phase = "extract"
)

const DefaultInterval = 500 * time.Millisecond

// Progress is a snapshot of one task.
type Progress struct {
	TaskID          string  `json:"task_id"`
	Phase           Phase   `json:"phase"`
	Percent         float64 `json:"progress"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	Speed           string  `json:"speed"`
	ETA             string  `json:"eta"`
	Completed       bool    `json:"completed"`
	Error           string  `json:"error,omitempty"`
}

func (p Progress) Terminal() bool { return p.Completed || p.Error != "" }

// Tracker owns every task entry from launch until its terminal snapshot has
// been delivered.
type Tracker struct {
	pool   *workpool.Pool
	client *http.Client

	mu      sync.Mutex
	tasks   map[string]*Progress
	claimed map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTracker(pool *workpool.Pool) *Tracker {
	if pool == nil {
		pool = workpool.New(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		pool:    pool,
		client:  &http.Client{},
		tasks:   make(map[string]*Progress),
		claimed: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Launch starts downloading rawURL into dest and returns the task id.
func (t *Tracker) Launch(rawURL, dest string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errs.InvalidState("download url %q must be http(s)", rawURL)
	}
	if dest == "" || !filepath.IsAbs(dest) {
		return "", errs.InvalidState("install dir %q must be absolute", dest)
	}
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return "", fmt.Errorf("create install dir: %w", err)
	}

	id := uuid.NewString()
	t.mu.Lock()
	t.tasks[id] = &Progress{TaskID: id, Phase: PhaseDownload}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(id, u, dest)
	}()
	slog.Info("download started", "task_id", id, "url", rawURL, "dest", dest)
	return id, nil
}

func (t *Tracker) run(id string, u *url.URL, dest string) {
	archive := filepath.Join(dest, archiveName(u))
	err := t.download(id, u.String(), archive)
	if err == nil {
		err = t.pool.Do(t.ctx, func(context.Context) error {
			return t.extract(id, archive, dest)
		})
	}
	if err != nil {
		_ = os.Remove(archive)
		slog.Error("download failed", "task_id", id, "url", u.String(), "error", err)
		metrics.IncDownload("failed")
		t.set(id, func(p *Progress) { p.Error = err.Error() })
		return
	}
	metrics.IncDownload("completed")
	slog.Info("download completed", "task_id", id, "dest", dest)
	t.set(id, func(p *Progress) {
		p.Percent = 100
		p.Completed = true
	})
}

func archiveName(u *url.URL) string {
	base := path.Base(u.Path)
	if strings.HasSuffix(base, ".tar.gz") || strings.HasSuffix(base, ".tgz") {
		return base
	}
	return "byzer.tar.gz"
}

func (t *Tracker) download(id, rawURL, archive string) error {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %s", rawURL, resp.Status)
	}

	// #nosec G304 -- archive lives in the operator-chosen install dir
	f, err := os.Create(archive)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	total := resp.ContentLength
	t.set(id, func(p *Progress) { p.TotalBytes = max(total, 0) })
	start := time.Now()
	var done int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return err
			}
			done += int64(n)
			metrics.AddDownloadBytes(int64(n))
			speed, eta := rate(done, total, time.Since(start))
			t.set(id, func(p *Progress) {
				p.DownloadedBytes = done
				p.Speed = speed
				p.ETA = eta
				if total > 0 {
					p.Percent = float64(done) * 100 / float64(total)
				}
			})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return f.Sync()
}

// rate renders throughput and the remaining time from the bytes seen so far.
func rate(done, total int64, elapsed time.Duration) (speed, eta string) {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return "", ""
	}
	bps := float64(done) / secs
	speed = humanize.Bytes(uint64(bps)) + "/s"
	if total > 0 && bps > 0 && total >= done {
		left := time.Duration(float64(total-done)/bps) * time.Second
		eta = left.Round(time.Second).String()
	}
	return speed, eta
}

// set mutates the entry under the lock. Percent never decreases within a
// phase; changing phase restarts it from zero.
func (t *Tracker) set(id string, fn func(p *Progress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.tasks[id]
	if !ok {
		return
	}
	phase, pct := p.Phase, p.Percent
	fn(p)
	if p.Phase == phase && p.Percent < pct {
		p.Percent = pct
	}
}

// Snapshot returns a copy of the entry without consuming it.
func (t *Tracker) Snapshot(id string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.tasks[id]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

// Subscribe emits a snapshot every interval until the terminal snapshot,
// which is delivered once before the entry is removed and the channel
// closed. The channel also closes when ctx is done.
func (t *Tracker) Subscribe(ctx context.Context, id string, interval time.Duration) (<-chan Progress, error) {
	if _, ok := t.Snapshot(id); !ok {
		return nil, errs.NotFound("download task %q", id)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	out := make(chan Progress)
	go func() {
		defer close(out)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			p, ok := t.Snapshot(id)
			if !ok {
				return
			}
			if p.Terminal() {
				t.deliverTerminal(ctx, id, p, out)
				return
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
			select {
			case <-tick.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// deliverTerminal hands the terminal snapshot to at most one subscriber and
// removes the entry only once the send went through. A subscriber that is
// gone leaves the entry for the next one.
func (t *Tracker) deliverTerminal(ctx context.Context, id string, p Progress, out chan<- Progress) {
	t.mu.Lock()
	if _, ok := t.tasks[id]; !ok || t.claimed[id] {
		t.mu.Unlock()
		return
	}
	t.claimed[id] = true
	t.mu.Unlock()

	select {
	case out <- p:
		t.mu.Lock()
		delete(t.tasks, id)
		delete(t.claimed, id)
		t.mu.Unlock()
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.claimed, id)
		t.mu.Unlock()
	}
}

// Close cancels running tasks and waits for them.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}
