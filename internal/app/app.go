package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	waLog "go.mau.fi/whatsmeow/util/log"

	"mxcache/internal/event"
	"mxcache/internal/infra/config"
	"mxcache/internal/infra/logger"
	"mxcache/internal/metrics"
	"mxcache/internal/store"
)

// App wires configuration, logging and the account cache together.
type App struct {
	Config    *config.Config
	Log       waLog.Logger
	Store     *store.Store
	Container *store.Container
	Registry  *prometheus.Registry

	ctx    context.Context
	cancel context.CancelFunc

	retentionWg sync.WaitGroup
}

// New opens the cache of cfg.UserID. A cache written in another format is
// reset. Persisted sessions are restored into memory and member names are
// loaded into the memo.
func New(cfg *config.Config) (*App, error) {
	return NewWithLogger(cfg, logger.Open("mxcache", cfg.LogLevel, cfg.LogFormat, os.Stderr))
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(cfg *config.Config, log waLog.Logger) (*App, error) {
	s, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}

	if !s.IsFormatValid() {
		log.Warnf("Cache format changed, resetting cache of %s", cfg.UserID)
		if err := s.Reset(); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to reset store: %w", err)
		}
	} else if err := s.SetCurrentFormat(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to stamp cache format: %w", err)
	}

	c := store.NewContainer(s)
	if len(cfg.PickleSecret) > 0 {
		if err := c.Sessions.RestoreSessions(); err != nil {
			log.Warnf("Failed to restore sessions: %v", err)
		}
	}
	c.Members.PopulateMembers()

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	reg.MustRegister(collectors.NewGoCollector())

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		Config:    cfg,
		Log:       log,
		Store:     s,
		Container: c,
		Registry:  reg,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// OpenStore opens the store of cfg.UserID as is, without checking its
// format.
func OpenStore(cfg *config.Config, log waLog.Logger) (*store.Store, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user id is not configured")
	}
	if err := cfg.EnsureCacheDir(); err != nil {
		return nil, fmt.Errorf("failed to ensure cache dir: %w", err)
	}

	s, err := store.Open(store.Options{
		BaseDir:        cfg.CacheDir,
		UserID:         cfg.UserID,
		Engine:         cfg.Engine,
		PickleSecret:   []byte(cfg.PickleSecret),
		Logger:         log,
		MediaCacheSize: cfg.MediaCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, nil
}

// ApplySync reads one /sync response body from r and saves it.
func (a *App) ApplySync(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read sync response: %w", err)
	}
	res, err := event.ParseSync(data)
	if err != nil {
		return err
	}
	if err := a.Container.Rooms.SaveState(res); err != nil {
		return err
	}
	a.Log.Infof("Saved sync batch %s (%d joined, %d invited, %d left)",
		res.NextBatch, len(res.Rooms.Join), len(res.Rooms.Invite), len(res.Rooms.Leave))
	return nil
}

// StartRetention prunes old messages every interval until Shutdown.
func (a *App) StartRetention(interval time.Duration) {
	if interval <= 0 {
		a.Log.Warnf("Retention disabled")
		return
	}
	a.Log.Infof("Starting retention every %s", interval)

	a.retentionWg.Add(1)
	go a.runPeriodic("retention", interval, func(context.Context) error {
		_, err := a.Container.Timeline.DeleteOldMessages()
		return err
	})
}

// runPeriodic runs fn every interval until the app context is cancelled.
func (a *App) runPeriodic(name string, interval time.Duration, fn func(context.Context) error) {
	defer a.retentionWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.Log.Debugf("Running periodic task: %s", name)
			if err := fn(a.ctx); err != nil {
				a.Log.Warnf("Periodic task %s failed: %v", name, err)
			}
		}
	}
}

// Run serves metrics and runs retention until SIGINT or SIGTERM.
func (a *App) Run() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			a.Log.Infof("Received %v, initiating shutdown...", sig)
			a.cancel()
		case <-a.ctx.Done():
		}
	}()

	a.StartRetention(a.Config.RetentionInterval)

	srv := &http.Server{
		Addr:              a.Config.MetricsAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Log.Infof("Serving metrics on %s", a.Config.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-a.ctx.Done():
	case err := <-errCh:
		if err != nil {
			a.Log.Errorf("Metrics server failed: %v", err)
			a.Shutdown()
			return fmt.Errorf("failed to serve metrics: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.Warnf("Failed to stop metrics server: %v", err)
	}
	return a.Shutdown()
}

// Handler exposes the registry at /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	return mux
}

// Shutdown stops retention and closes the store.
func (a *App) Shutdown() error {
	a.cancel()
	a.retentionWg.Wait()
	return a.Container.Close()
}
