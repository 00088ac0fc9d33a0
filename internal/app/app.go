// Package app wires all voicegrade subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject implementations via functional options (WithStore,
// WithOracle, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/voicegrade/internal/api"
	"github.com/MrWong99/voicegrade/internal/config"
	"github.com/MrWong99/voicegrade/internal/health"
	"github.com/MrWong99/voicegrade/internal/kvstore"
	"github.com/MrWong99/voicegrade/internal/observe"
	"github.com/MrWong99/voicegrade/internal/resilience"
	"github.com/MrWong99/voicegrade/internal/session"
	"github.com/MrWong99/voicegrade/internal/transcript"
	"github.com/MrWong99/voicegrade/internal/transcript/fuzzy"
	"github.com/MrWong99/voicegrade/internal/transcript/oracle"
)

// readHeaderTimeout bounds slow clients. Request bodies are small and Stop
// may legitimately wait on the oracle, so no overall write timeout is set.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	store   kvstore.Store
	pinger  health.Pinger
	oracle  oracle.Oracle
	chain   *resilience.LLMFallback
	session *session.Session
	handler http.Handler
	server  *http.Server

	exportTitle atomic.Pointer[string]

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a preference store instead of creating one from config.
func WithStore(s kvstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithOracle injects an oracle instead of building the backend chain from
// config. The oracle is used even when oracle.enabled is false.
func WithOracle(o oracle.Oracle) Option {
	return func(a *App) { a.oracle = o }
}

// WithRegistry sets the provider registry used to build oracle backends.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets configuration reloads adjust the process log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It connects to the
// configured store and builds the oracle chain synchronously, so a bad DSN
// or an unregistered provider fails here rather than on first use.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
	}
	title := cfg.Export.Title
	a.exportTitle.Store(&title)

	// ── 1. Preference store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Oracle ────────────────────────────────────────────────────────
	if err := a.initOracle(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init oracle: %w", err)
	}

	// ── 3. Session ───────────────────────────────────────────────────────
	sess, err := session.New(ctx, a.store,
		session.WithOracle(a.oracle),
		session.WithOracleTimeout(cfg.Oracle.Timeout),
		session.WithExtractor(NewExtractor(cfg.Matching)),
		session.WithMetrics(a.metrics),
	)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session: %w", err)
	}
	a.session = sess

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured preference store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		if p, ok := a.store.(health.Pinger); ok {
			a.pinger = p
		}
		return nil
	}

	sc := a.cfg.Store
	switch sc.Backend {
	case config.StoreFile:
		fs, err := kvstore.NewFileStore(sc.Path)
		if err != nil {
			return err
		}
		a.store = fs

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
		rs := kvstore.NewRedisStore(client, sc.RedisPrefix)
		if err := rs.Ping(ctx); err != nil {
			return err
		}
		a.store, a.pinger = rs, rs

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, sc.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		ps := kvstore.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			return err
		}
		a.store, a.pinger = ps, ps

	default:
		a.store = kvstore.NewMemStore()
	}
	slog.Info("preference store ready", "backend", sc.Backend)
	return nil
}

// initOracle builds the oracle backend chain from config unless an oracle
// was injected.
func (a *App) initOracle() error {
	if a.oracle != nil || !a.cfg.Oracle.Enabled {
		return nil
	}
	chain, o, err := BuildOracle(a.registry, a.cfg.Oracle, a.metrics)
	if err != nil {
		return err
	}
	a.chain, a.oracle = chain, o
	return nil
}

// BuildOracle creates every configured backend through reg and chains them
// behind per-backend circuit breakers. m may be nil.
func BuildOracle(reg *config.Registry, oc config.OracleConfig, m *observe.Metrics) (*resilience.LLMFallback, *oracle.LLM, error) {
	backends := oc.Backends()
	if len(backends) == 0 {
		return nil, nil, errors.New("oracle enabled without backends")
	}

	fbCfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  oc.CircuitBreaker.MaxFailures,
		ResetTimeout: oc.CircuitBreaker.ResetTimeout,
	}}
	var chainOpts []resilience.LLMFallbackOption
	if m != nil {
		chainOpts = append(chainOpts, resilience.WithMetrics(m))
	}

	var chain *resilience.LLMFallback
	for i, entry := range backends {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			chain = resilience.NewLLMFallback(p, entry.Name, fbCfg, chainOpts...)
		} else {
			chain.AddFallback(entry.Name, p)
		}
		slog.Info("oracle backend ready", "name", entry.Name, "model", p.Model(), "fallback", i > 0)
	}

	var opts []oracle.Option
	if oc.Temperature != nil {
		opts = append(opts, oracle.WithTemperature(*oc.Temperature))
	}
	return chain, oracle.New(chain, opts...), nil
}

// initHTTP assembles the API, health and metrics routes behind the
// observability middleware.
func (a *App) initHTTP() {
	mux := http.NewServeMux()

	api.New(a.session,
		api.WithMetrics(a.metrics),
		api.WithExportTitle(func() string { return *a.exportTitle.Load() }),
	).Register(mux)

	checkers := []health.Checker{health.PingChecker("store", a.pinger)}
	if a.chain != nil {
		checkers = append(checkers, health.Checker{Name: "oracle", Check: a.chain.Check})
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// NewExtractor builds the local extractor for the matching settings.
func NewExtractor(m config.MatchingConfig) *transcript.Extractor {
	if !m.FuzzyEnabled() {
		return transcript.NewExtractor(transcript.WithNameMatcher(nil))
	}
	return transcript.NewExtractor(transcript.WithNameMatcher(
		fuzzy.New(fuzzy.WithThreshold(m.FuzzyThreshold)),
	))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Session returns the grading session.
func (a *App) Session() *session.Session { return a.session }

// OracleStatus reports the circuit breaker state of every oracle backend.
// It is empty when the oracle chain was not built from config.
func (a *App) OracleStatus() []resilience.EntryStatus {
	if a.chain == nil {
		return nil
	}
	return a.chain.Status()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// Changes that need a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.MatchingChanged {
		a.session.SetExtractor(NewExtractor(d.NewMatching))
		slog.Info("matching settings changed",
			"fuzzy", d.NewMatching.FuzzyEnabled(), "threshold", d.NewMatching.FuzzyThreshold)
	}
	if d.ExportTitleChanged {
		title := d.NewExportTitle
		a.exportTitle.Store(&title)
		slog.Info("export title changed", "title", title)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart to take effect", "sections", d.RestartRequired)
	}
	a.cfg = new
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
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

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run returns ctx.Err(); the caller then calls Shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}

	tls := a.cfg.Server.TLS
	errCh := make(chan error, 1)
	go func() {
		if tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()

	slog.Info("app running",
		"addr", ln.Addr().String(),
		"tls", tls != nil,
		"oracle", a.session.OracleAvailable(),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, aborts any oracle request in flight and
// runs the closers. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.session != nil {
			a.session.CancelOracle()
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
				shutdownErr = err
				return
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New opened before failing.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
