// Package app wires all voxintent subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP (and the optional Discord listener) until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject implementations via functional options (WithJournal,
// WithMeterProvider, WithListener). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxintent/internal/assets"
	"github.com/MrWong99/voxintent/internal/config"
	"github.com/MrWong99/voxintent/internal/health"
	"github.com/MrWong99/voxintent/internal/journal"
	"github.com/MrWong99/voxintent/internal/journal/postgres"
	"github.com/MrWong99/voxintent/internal/observe"
	"github.com/MrWong99/voxintent/internal/server"
	"github.com/MrWong99/voxintent/internal/sessions"
	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/MrWong99/voxintent/pkg/intent/grammar"
)

const (
	defaultListenAddr      = ":8080"
	defaultShutdownTimeout = 15 * time.Second
	defaultMaxFailures     = 5
	defaultResetTimeout    = 30 * time.Second
)

// Providers holds the engine and the transcriber it was built with. The
// transcriber may be nil. Populated by main.go via the config registry.
type Providers struct {
	Engine      intent.Engine
	Transcriber grammar.Transcriber
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar

	configPath    string
	watchInterval time.Duration
	ln            net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	meterProvider  metric.MeterProvider
	metricsHandler http.Handler
	telemetry      *observe.Provider
	metrics        *observe.Metrics
	journal        journal.Journal
	catalogue      *assets.Catalogue
	sessions       *sessions.Manager
	health         *health.Handler
	server         *server.Server
	httpServer     *http.Server
	watcher        *config.Watcher
	discord        *DiscordListener

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithJournal injects a journal instead of creating one from config. The
// journal is still wrapped in a circuit breaker.
func WithJournal(j journal.Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithMeterProvider records metrics into mp instead of initialising the OTel
// SDK. h is served on /metrics and may be nil.
func WithMeterProvider(mp metric.MeterProvider, h http.Handler) Option {
	return func(a *App) {
		a.meterProvider = mp
		a.metricsHandler = h
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath watches path and applies reloadable changes.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithWatchInterval sets the config polling interval.
func WithWatchInterval(d time.Duration) Option {
	return func(a *App) { a.watchInterval = d }
}

// WithListener serves HTTP on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.ln = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). On failure every
// subsystem created so far is closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if providers == nil || providers.Engine == nil {
		return nil, errors.New("app: no engine configured")
	}

	if err := a.init(ctx); err != nil {
		cctx := context.WithoutCancel(ctx)
		_ = a.runClosers(cctx)
		if a.telemetry != nil {
			_ = a.telemetry.Shutdown(cctx)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Providers ─────────────────────────────────────────────────────
	if c, ok := a.providers.Transcriber.(io.Closer); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}
	a.log.Info("engine ready",
		"version", a.providers.Engine.Version(),
		"frame_length", a.providers.Engine.FrameLength(),
		"sample_rate", a.providers.Engine.SampleRate(),
	)

	// ── 3. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return fmt.Errorf("app: init journal: %w", err)
	}

	// ── 4. Context catalogue ─────────────────────────────────────────────
	a.catalogue = assets.NewCatalogue(
		assets.NewLoader(assets.WithBaseDir(a.configDir()), assets.WithMetrics(a.metrics)),
		catalogueEntries(a.cfg.Contexts),
	)

	// ── 5. Session manager ───────────────────────────────────────────────
	a.sessions = sessions.NewManager(sessions.ManagerConfig{
		Engine:    a.providers.Engine,
		Catalogue: a.catalogue,
		Journal:   a.journal,
		Metrics:   a.metrics,
		Defaults:  a.cfg.Session,
		Logger:    a.log,
	})
	a.closers = append(a.closers, a.sessions.CloseAll)

	// ── 6. Health + HTTP server ──────────────────────────────────────────
	a.health = health.New(
		health.EngineChecker(a.providers.Engine),
		health.Checker{Name: "journal", Check: a.journal.Ping},
	)
	a.server = server.New(a.sessions,
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
		server.WithMetricsHandler(a.metricsHandler),
		server.WithLogger(a.log),
	)
	a.httpServer = &http.Server{
		Addr:              cmp.Or(a.cfg.Server.ListenAddr, defaultListenAddr),
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 7. Discord listener ──────────────────────────────────────────────
	if a.cfg.Discord.Enabled() {
		a.discord = NewDiscordListener(a.cfg.Discord, a.sessions, a.log)
	}

	// ── 8. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyReload,
			config.WithInterval(a.watchInterval),
			config.WithWatcherLogger(a.log),
		)
		if err != nil {
			return fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry builds the metric instruments, initialising the OTel SDK
// unless a meter provider was injected.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.meterProvider == nil {
		p, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: a.cfg.Telemetry.ServiceName})
		if err != nil {
			return err
		}
		a.telemetry = p
		a.meterProvider = p.MeterProvider
		a.metricsHandler = p.Handler()
	}
	m, err := observe.NewMetrics(a.meterProvider)
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initJournal opens the PostgreSQL journal when a DSN is configured, falls
// back to memory otherwise, and guards the result with a circuit breaker.
func (a *App) initJournal(ctx context.Context) error {
	jc := a.cfg.Journal
	if a.journal == nil {
		if jc.PostgresDSN != "" {
			store, err := postgres.NewStore(ctx, jc.PostgresDSN)
			if err != nil {
				return err
			}
			a.journal = store
			a.log.Info("journal backed by postgres")
		} else {
			a.journal = journal.NewMemory(jc.Capacity)
			a.log.Info("journal kept in memory", "capacity", cmp.Or(jc.Capacity, 1000))
		}
	}
	a.journal = journal.NewGuarded(a.journal, journal.GuardConfig{
		MaxFailures:  cmp.Or(jc.MaxFailures, defaultMaxFailures),
		ResetTimeout: cmp.Or(jc.ResetTimeout, defaultResetTimeout),
		Metrics:      a.metrics,
	})
	j := a.journal
	a.closers = append(a.closers, func(context.Context) error { return j.Close() })
	return nil
}

func (a *App) configDir() string {
	if a.configPath == "" {
		return ""
	}
	return filepath.Dir(a.configPath)
}

// applyReload applies the reloadable parts of a new config revision.
func (a *App) applyReload(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ContextsChanged {
		a.catalogue.Replace(catalogueEntries(cur.Contexts))
		for _, c := range d.ContextChanges {
			a.log.Info("context updated", "name", c.Name, "added", c.Added, "removed", c.Removed)
		}
	}
	if d.SessionChanged {
		a.sessions.SetDefaults(cur.Session)
		a.log.Info("session defaults updated; running sessions keep their values")
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler Run serves.
func (a *App) Handler() http.Handler { return a.server }

// Sessions returns the session manager.
func (a *App) Sessions() *sessions.Manager { return a.sessions }

// Catalogue returns the context catalogue.
func (a *App) Catalogue() *assets.Catalogue { return a.catalogue }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, when configured, the Discord listener. It blocks until
// ctx is cancelled or a component fails. When ctx is done, Run stops the HTTP
// server and returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln := a.ln
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.httpServer.Addr); err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.httpServer.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			a.log.Info("serving https", "addr", ln.Addr().String())
			err = a.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			a.log.Info("serving http", "addr", ln.Addr().String())
			err = a.httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)
		a.server.CloseListeners()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		return a.httpServer.Shutdown(sctx)
	})
	if a.discord != nil {
		g.Go(func() error {
			if err := a.discord.Run(gctx); err != nil {
				return fmt.Errorf("app: discord listener: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) shutdownTimeout() time.Duration {
	return cmp.Or(a.cfg.Server.ShutdownTimeout, defaultShutdownTimeout)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: readiness is withdrawn first, then
// WebSocket clients are disconnected, the HTTP server drains, and the closers
// run in order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.health.SetDraining(true)
		a.server.CloseListeners()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}

		shutdownErr = a.runClosers(ctx)
		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				a.log.Warn("telemetry shutdown error", "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers calls the closers in order and returns the context error if
// the deadline cuts it short.
func (a *App) runClosers(ctx context.Context) error {
	closers := a.closers
	a.closers = nil
	for i, closer := range closers {
		select {
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(ctx); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// LogLevel converts a config log level to a slog level. Unknown and empty
// levels map to info.
func LogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func catalogueEntries(cs []config.ContextConfig) []assets.Entry {
	out := make([]assets.Entry, 0, len(cs))
	for _, c := range cs {
		out = append(out, assets.Entry{Name: c.Name, Source: c.Source, Model: c.Model, Default: c.Default})
	}
	return out
}
