package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voicegrade/internal/app"
	"github.com/MrWong99/voicegrade/internal/config"
	"github.com/MrWong99/voicegrade/internal/kvstore"
	"github.com/MrWong99/voicegrade/internal/observe"
	"github.com/MrWong99/voicegrade/internal/session"
	"github.com/MrWong99/voicegrade/internal/transcript"
	"github.com/MrWong99/voicegrade/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicegrade/pkg/provider/llm/mock"
)

// testConfig returns a defaulted config listening on a random local port.
func testConfig() *config.Config {
	cfg := &config.Config{Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"}}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_MemoryStore(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig())
	if a.Session() == nil {
		t.Fatal("Session() is nil")
	}
	if a.Session().OracleAvailable() {
		t.Error("oracle should be unavailable when disabled")
	}
	if len(a.OracleStatus()) != 0 {
		t.Errorf("OracleStatus() = %v, want empty", a.OracleStatus())
	}
}

func TestNew_FileStoreRestoresRoster(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	fs, err := kvstore.NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := kvstore.SaveRoster(context.Background(), fs, "2023001 张三"); err != nil {
		t.Fatalf("SaveRoster: %v", err)
	}

	cfg := testConfig()
	cfg.Store = config.StoreConfig{Backend: config.StoreFile, Path: path}
	a := newApp(t, cfg)

	if got := a.Session().Roster().Len(); got != 1 {
		t.Errorf("restored roster has %d entries, want 1", got)
	}
}

func TestNew_OracleChainFromRegistry(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ModelName: "primary-model", CompleteErr: errors.New("down")}
	fallback := &llmmock.Provider{ModelName: "fallback-model", CompleteResponse: &llm.CompletionResponse{
		Content: `[{"studentId":"2023001","name":"张三","score":93}]`,
	}}
	reg := config.NewRegistry()
	reg.RegisterLLM("primary", func(config.ProviderEntry) (llm.Provider, error) { return primary, nil })
	reg.RegisterLLM("backup", func(config.ProviderEntry) (llm.Provider, error) { return fallback, nil })

	cfg := testConfig()
	cfg.Oracle.Enabled = true
	cfg.Oracle.Primary = config.ProviderEntry{Name: "primary"}
	cfg.Oracle.Fallbacks = []config.ProviderEntry{{Name: "backup"}}

	a := newApp(t, cfg, app.WithRegistry(reg))
	if !a.Session().OracleAvailable() {
		t.Fatal("oracle should be available")
	}
	if status := a.OracleStatus(); len(status) != 2 || status[0].Name != "primary" || status[1].Name != "backup" {
		t.Errorf("OracleStatus() = %+v", status)
	}

	ctx := context.Background()
	s := a.Session()
	if _, err := s.SetRoster(ctx, "2023001 张三"); err != nil {
		t.Fatalf("SetRoster: %v", err)
	}
	if err := s.SetPreferences(ctx, true, ""); err != nil {
		t.Fatalf("SetPreferences: %v", err)
	}
	s.Start(ctx)
	if _, err := s.Apply(ctx, transcript.Fragment{IsFinal: true, Transcript: "张三 九十三"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	out, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if out.Source != session.SourceOracle {
		t.Errorf("Source = %q, want oracle (served by fallback)", out.Source)
	}
	if len(fallback.Calls()) != 1 {
		t.Errorf("fallback calls = %d, want 1", len(fallback.Calls()))
	}
}

func TestNew_UnregisteredProvider(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Oracle.Enabled = true
	cfg.Oracle.Primary = config.ProviderEntry{Name: "nope"}

	_, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig())
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/api/session"} {
		resp, err := ts.Client().Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestApplyConfig_HotReload(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	old := testConfig()
	a := newApp(t, old, app.WithLogLevel(level))

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	off := false
	updated.Matching.Fuzzy = &off
	updated.Export.Title = "期末成绩"
	a.ApplyConfig(old, &updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}

	// Fuzzy matching is off now, so a misheard name stays raw.
	ctx := context.Background()
	s := a.Session()
	if _, err := s.SetRoster(ctx, "王小明"); err != nil {
		t.Fatalf("SetRoster: %v", err)
	}
	s.Start(ctx)
	p, err := s.Apply(ctx, transcript.Fragment{Transcript: "王小名 80"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(p.Pairs) != 1 || p.Pairs[0].MatchType != transcript.MatchRaw {
		t.Errorf("pairs = %+v, want one raw pair", p.Pairs)
	}

	ts := httptest.NewServer(a.Handler())
	defer ts.Close()
	resp, err := ts.Client().Get(ts.URL + "/api/export.xlsx")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("export status = %d", resp.StatusCode)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	// Give Run a moment to start listening.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_RunListenError(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "256.0.0.1:bad"
	a := newApp(t, cfg)
	if err := a.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "listen") {
		t.Fatalf("Run() = %v, want listen error", err)
	}
}
