// Package warden wires the service supervisor, the chat relay and the
// download tracker into one embeddable application.
package warden

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/conversation"
	"github.com/loykin/warden/internal/docstore"
	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/eventlog"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/manager"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/progress"
	"github.com/loykin/warden/internal/ragfiles"
	iapi "github.com/loykin/warden/internal/server"
	"github.com/loykin/warden/internal/service"
	"github.com/loykin/warden/internal/stream"
	"github.com/loykin/warden/internal/upstream"
	"github.com/loykin/warden/internal/workpool"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Record = service.Record

type Kind = service.Kind

type StatusReport = manager.StatusReport

type Conversation = conversation.Conversation

type Message = conversation.Message

type Event = eventlog.Event

type StreamResult = stream.Result

type HistorySink = history.Sink

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func ParseKind(s string) (Kind, error) { return service.ParseKind(s) }

// App holds every long-lived component built from one Config.
type App struct {
	Config        *Config
	Store         *docstore.Store
	Manager       *manager.Manager
	Conversations *conversation.Store
	Stream        *stream.Pipeline
	Downloads     *progress.Tracker
	RagFiles      *ragfiles.Store

	history *history.Fanout
	server  *http.Server
}

// newSinks opens the configured history sinks.
var newSinks = factory.NewSinks

type tableEnsurer interface {
	EnsureTable(ctx context.Context) error
}

// New builds the application. It does not install a logger or listen.
func New(c *Config) (*App, error) {
	store, err := docstore.New(c.DataDir)
	if err != nil {
		return nil, err
	}
	globalEnv, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	var sinks []history.Sink
	if c.History.Enabled {
		sinks, err = newSinks(c.History.DSNs)
		if err != nil {
			return nil, err
		}
		for _, s := range sinks {
			if t, ok := s.(tableEnsurer); ok {
				if err := t.EnsureTable(context.Background()); err != nil {
					_ = history.NewFanout(0, sinks...).Close()
					return nil, err
				}
			}
		}
	}
	fan := history.NewFanout(c.History.Timeout, sinks...)

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = fan.Close()
			return nil, err
		}
	}

	logs := logger.ServiceLogs{Dir: c.LogDir}
	pool := workpool.New(c.Supervisor.Workers)
	regs := service.NewRegistries(store)
	mgr := manager.New(manager.Options{
		Supervisor: process.NewSupervisor(process.Options{
			Logs:           logs,
			Env:            env.FromList(globalEnv),
			StartupTimeout: c.Supervisor.StartupTimeout,
			PollInterval:   c.Supervisor.PIDPollInterval,
			ControlTimeout: c.Supervisor.ControlTimeout,
		}),
		Registries:  regs,
		Logs:        logs,
		Pool:        pool,
		History:     fan,
		StopTimeout: c.Supervisor.StopTimeout,
	})

	events, err := eventlog.New(filepath.Join(store.Dir(), "chat_events"))
	if err != nil {
		_ = fan.Close()
		return nil, err
	}
	convs := conversation.NewStore(store)
	pipe := stream.New(stream.Options{
		Events:             events,
		Conversations:      convs,
		Registries:         regs,
		Client:             upstream.New(c.Stream.APIKey, c.Stream.MaxTokens),
		Models:             stream.Endpoint{Host: c.OpenAI.Host, Port: c.OpenAI.Port},
		ThoughtPollCeiling: c.Stream.ThoughtPollCeiling,
		ThoughtPollDelay:   c.Stream.ThoughtPollDelay,
		Timeout:            c.Stream.Timeout,
	})

	a := &App{
		Config:        c,
		Store:         store,
		Manager:       mgr,
		Conversations: convs,
		Stream:        pipe,
		Downloads:     progress.NewTracker(pool),
		RagFiles:      ragfiles.NewStore(filepath.Join(store.Dir(), "rag_files")),
		history:       fan,
	}
	if err := mgr.ReconcileOnce(context.Background()); err != nil {
		slog.Warn("initial reconcile failed", "error", err)
	}
	mgr.StartReconciler(c.Supervisor.ReconcileInterval)
	return a, nil
}

func (a *App) deps() (iapi.Deps, error) {
	d := iapi.Deps{
		Manager:          a.Manager,
		Conversations:    a.Conversations,
		Stream:           a.Stream,
		Downloads:        a.Downloads,
		RagFiles:         a.RagFiles,
		ProgressInterval: a.Config.Download.Interval,
	}
	dir, err := filepath.Abs(a.Config.DownloadDir())
	if err != nil {
		return d, err
	}
	d.DownloadDir = dir
	if a.Config.Metrics.Enabled {
		d.Metrics = metrics.Handler()
	}
	return d, nil
}

// Handler returns the HTTP API for embedding in another server.
func (a *App) Handler() (http.Handler, error) {
	d, err := a.deps()
	if err != nil {
		return nil, err
	}
	return iapi.NewRouter(d, a.Config.Server.BasePath).Handler(), nil
}

// Serve starts the HTTP API on the configured listen address.
func (a *App) Serve() (*http.Server, error) {
	d, err := a.deps()
	if err != nil {
		return nil, err
	}
	srv, err := iapi.NewServer(a.Config.Server.Listen, a.Config.Server.BasePath, d)
	if err != nil {
		return nil, err
	}
	a.server = srv
	slog.Info("http api listening", "addr", a.Config.Server.Listen, "base_path", a.Config.Server.BasePath)
	return srv, nil
}

// Close stops the HTTP server, waits for in-flight chat relays until ctx
// ends, cancels downloads and releases process handles. Managed services
// keep running.
func (a *App) Close(ctx context.Context) error {
	var all []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			all = append(all, err)
		}
	}
	if err := a.Stream.Drain(ctx); err != nil {
		all = append(all, err)
	}
	a.Downloads.Close()
	a.Manager.Shutdown()
	if err := a.history.Close(); err != nil {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// RegisterMetrics registers the collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
