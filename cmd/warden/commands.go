package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loykin/warden"
	"github.com/loykin/warden/internal/eventlog"
	"github.com/loykin/warden/internal/logger"
)

const followInterval = 500 * time.Millisecond

type command struct {
	flags *GlobalFlags
}

// open builds an App for a one-shot command: no metrics, no background
// reconciler.
func (c command) open() (*warden.App, error) {
	cfg, err := warden.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	cfg.Metrics.Enabled = false
	cfg.Supervisor.ReconcileInterval = 0
	return warden.New(cfg)
}

func closeApp(app *warden.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		slog.Warn("close", "error", err)
	}
}

// Serve runs the daemon until SIGINT or SIGTERM.
func (c command) Serve(ctx context.Context, configPath string) error {
	cfg, err := warden.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	app, err := warden.New(cfg)
	if err != nil {
		return err
	}
	if _, err := app.Serve(); err != nil {
		closeApp(app)
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	slog.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return app.Close(sctx)
}

func (c command) ServiceList(w io.Writer, kindArg string) error {
	kind, err := warden.ParseKind(kindArg)
	if err != nil {
		return err
	}
	app, err := c.open()
	if err != nil {
		return err
	}
	defer closeApp(app)
	recs, err := app.Manager.List(kind)
	if err != nil {
		return err
	}
	return printRecords(w, recs)
}

// ServiceAdd registers the record read from f.File ("-" reads stdin).
func (c command) ServiceAdd(w io.Writer, stdin io.Reader, kindArg string, f ServiceAddFlags) error {
	kind, err := warden.ParseKind(kindArg)
	if err != nil {
		return err
	}
	var src io.Reader = stdin
	if f.File != "-" {
		file, err := os.Open(filepath.Clean(f.File))
		if err != nil {
			return err
		}
		defer func() { _ = file.Close() }()
		src = file
	}
	var rec warden.Record
	if err := json.NewDecoder(src).Decode(&rec); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}

	app, err := c.open()
	if err != nil {
		return err
	}
	defer closeApp(app)
	out, err := app.Manager.Add(kind, rec)
	if err != nil {
		return err
	}
	return printJSON(w, out)
}

func (c command) ServiceDelete(w io.Writer, kindArg, name string) error {
	kind, err := warden.ParseKind(kindArg)
	if err != nil {
		return err
	}
	app, err := c.open()
	if err != nil {
		return err
	}
	defer closeApp(app)
	if _, err := app.Manager.Delete(kind, name); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s deleted\n", name)
	return err
}

// ServiceAction runs start or stop.
func (c command) ServiceAction(ctx context.Context, w io.Writer, action, kindArg, name string) error {
	kind, err := warden.ParseKind(kindArg)
	if err != nil {
		return err
	}
	app, err := c.open()
	if err != nil {
		return err
	}
	defer closeApp(app)
	rec, err := app.Manager.Action(ctx, kind, name, action)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, rec.String())
	return err
}

func (c command) ServiceStatus(ctx context.Context, w io.Writer, kindArg, name string) error {
	kind, err := warden.ParseKind(kindArg)
	if err != nil {
		return err
	}
	app, err := c.open()
	if err != nil {
		return err
	}
	defer closeApp(app)
	st, err := app.Manager.Status(ctx, kind, name)
	if err != nil {
		return err
	}
	return printStatus(w, st)
}

// ServiceLogs prints a captured stream; with Follow it keeps printing what
// gets appended until ctx ends.
func (c command) ServiceLogs(ctx context.Context, w io.Writer, kindArg, name string, f LogsFlags) error {
	kind, err := warden.ParseKind(kindArg)
	if err != nil {
		return err
	}
	app, err := c.open()
	if err != nil {
		return err
	}
	defer closeApp(app)

	offset := f.Offset
	for {
		res, err := app.Manager.Logs(kind, name, f.Stream, offset)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, res.Content); err != nil {
			return err
		}
		offset = res.Offset
		if !f.Follow {
			return nil
		}
		if err := pause(ctx, followInterval); err != nil {
			return nil
		}
	}
}

// Events prints the events of a chat request from f.From on. With Follow
// it waits for new events until the done event.
func (c command) Events(ctx context.Context, w io.Writer, requestID string, f EventsFlags) error {
	app, err := c.open()
	if err != nil {
		return err
	}
	defer closeApp(app)

	from := f.From
	for {
		evs, err := app.Stream.GetEvents(requestID, from)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if err := printEvent(w, ev); err != nil {
				return err
			}
			from = ev.Index + 1
			if ev.Event == eventlog.KindDone {
				return nil
			}
		}
		if !f.Follow {
			return nil
		}
		if err := pause(ctx, followInterval); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
