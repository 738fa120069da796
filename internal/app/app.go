// Package app wires the livescribe subsystems into a running server.
//
// The App owns the full lifecycle: New builds the provider chain, the
// optional archive and the HTTP surface (/ws, /session, /healthz, /readyz,
// /metrics),
// Run serves until its context ends and then shuts down gracefully, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithArchive,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/archive"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/transport"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers.
const readHeaderTimeout = 10 * time.Second

// Providers holds the STT backends built from the config registry. STT is
// required; Fallbacks are tried in order when STT cannot open a session.
type Providers struct {
	STT       stt.Provider
	Fallbacks []stt.Provider
}

// Archive stores delivered fragments and reports its health.
type Archive interface {
	transport.Recorder
	Ping(ctx context.Context) error
	Close()
}

var _ Archive = (*archive.PostgresStore)(nil)

// SecretMinter is implemented by providers that can hand a browser a
// short-lived credential for connecting to the backend directly.
type SecretMinter interface {
	ClientSecret(ctx context.Context) (json.RawMessage, error)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider stt.Provider
	minter   SecretMinter

	metrics        *observe.Metrics
	metricsHandler http.Handler
	archive        Archive
	logLevel       *slog.LevelVar

	// settings holds the hot-reloadable stream settings for new streams.
	settings atomic.Pointer[streamSettings]

	streams *transport.Handler
	health  *health.Handler
	handler http.Handler
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithArchive injects an archive instead of connecting to archive.postgres_dsn.
func WithArchive(ar Archive) Option {
	return func(a *App) { a.archive = ar }
}

// WithLogLevel lets configuration reloads change the level of the logger
// built around lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// New creates an App. All initialisation is synchronous: provider
// compatibility checks, archive connection and migration, and HTTP routing.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: an STT provider is required")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Provider chain ────────────────────────────────────────────────
	if err := a.initProvider(providers); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}

	// ── 2. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Streams ───────────────────────────────────────────────────────
	a.settings.Store(newStreamSettings(cfg.Stream))
	topts := []transport.Option{transport.WithOriginPatterns(cfg.Server.AllowedOrigins...)}
	if a.archive != nil {
		topts = append(topts, transport.WithRecorder(a.archive))
	}
	a.streams = transport.NewHandler(a.openStream, topts...)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// initProvider checks every backend against the stream config and, when
// fallbacks are configured, puts them behind circuit breakers.
func (a *App) initProvider(ps *Providers) error {
	pc := a.cfg.Stream.ProviderConfig()
	all := append([]stt.Provider{ps.STT}, ps.Fallbacks...)
	for _, p := range all {
		if err := pc.Check(p.Name(), p.Capabilities()); err != nil {
			return err
		}
		if c, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
		if m, ok := p.(SecretMinter); ok && a.minter == nil {
			a.minter = m
		}
	}

	if len(ps.Fallbacks) == 0 {
		a.provider = ps.STT
		return nil
	}
	fb := resilience.NewSTTFallback(ps.STT, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  a.cfg.Breaker.MaxFailures,
			ResetTimeout: a.cfg.Breaker.ResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
			},
		},
	})
	for _, p := range ps.Fallbacks {
		fb.AddFallback(p)
	}
	slog.Info("provider fallback chain configured", "chain", fallbackNames(all))
	a.provider = fb
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	if a.archive == nil {
		dsn := a.cfg.Archive.PostgresDSN
		if dsn == "" {
			return nil
		}
		store, err := archive.NewPostgresStore(ctx, dsn)
		if err != nil {
			return err
		}
		slog.Info("transcript archive connected")
		a.archive = store
	}
	ar := a.archive
	a.closers = append(a.closers, func() error {
		ar.Close()
		return nil
	})
	return nil
}

func (a *App) initHTTP() {
	var checkers []health.Checker
	if a.archive != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.archive.Ping})
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.streams)
	if a.minter != nil {
		mux.HandleFunc("GET /session", a.serveSession)
	}
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Provider returns the provider new streams are opened on, including the
// fallback chain if one is configured.
func (a *App) Provider() stt.Provider { return a.provider }

// ActiveStreams returns the number of connected streams.
func (a *App) ActiveStreams() int { return a.streams.Active() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on server.listen_addr and serves until ctx ends, then shuts
// down within server.shutdown_timeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener, which it takes ownership of.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.DefaultShutdownTimeout
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server not ready, lets every open stream deliver its
// remaining fragments, stops the HTTP server and then runs the closers. If
// ctx expires first, remaining closers are skipped and the context error is
// returned. Later calls return the first call's result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_streams", a.streams.Active())
		a.health.SetDraining(true)

		if err := a.streams.Shutdown(ctx); err != nil {
			slog.Warn("streams did not drain before the deadline", "remaining", a.streams.Active(), "err", err)
			a.stopErr = err
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
			if a.stopErr == nil {
				a.stopErr = err
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				if a.stopErr == nil {
					a.stopErr = ctx.Err()
				}
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return a.stopErr
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed configuration:
// the log level immediately, stream settings for streams opened afterwards.
// It has the signature of a config.ChangeFunc.
func (a *App) ApplyConfig(_, cfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.StreamChanged {
		if err := cfg.Stream.ProviderConfig().Check(a.provider.Name(), a.provider.Capabilities()); err != nil {
			slog.Warn("ignoring stream settings the provider rejects", "err", err)
		} else {
			a.settings.Store(newStreamSettings(cfg.Stream))
			slog.Info("stream settings updated for new streams", "vocabulary_changed", d.VocabularyChanged)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration change needs a restart to take effect", "sections", d.RestartRequired)
	}
}

func fallbackNames(ps []stt.Provider) []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name()
	}
	return names
}
