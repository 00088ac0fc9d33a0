package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownLLMProviders lists the oracle backend names that ship with voicegrade.
// Used by [Validate] to warn about unrecognised provider names.
var KnownLLMProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references from
// the environment, applies defaults and validates the result. An empty
// document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Store
	switch cfg.Store.Backend {
	case "", StoreMemory:
	case StoreFile:
		if cfg.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required when backend is file"))
		}
	case StoreRedis:
		if cfg.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required when backend is redis"))
		}
		if cfg.Store.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("store.redis_db %d must not be negative", cfg.Store.RedisDB))
		}
	case StorePostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required when backend is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, file, redis, postgres", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StoreMemory || cfg.Store.Backend == "" {
		slog.Warn("store.backend is memory; roster and preferences are lost on restart")
	}

	// Matching
	if t := cfg.Matching.FuzzyThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("matching.fuzzy_threshold %.2f is out of range (0, 1]", t))
	}

	// Oracle
	o := cfg.Oracle
	if o.Timeout < 0 {
		errs = append(errs, fmt.Errorf("oracle.timeout %s must not be negative", o.Timeout))
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		errs = append(errs, fmt.Errorf("oracle.temperature %.2f is out of range [0, 2]", *o.Temperature))
	}
	if o.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("oracle.circuit_breaker.max_failures %d must not be negative", o.CircuitBreaker.MaxFailures))
	}
	if o.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("oracle.circuit_breaker.reset_timeout %s must not be negative", o.CircuitBreaker.ResetTimeout))
	}
	if o.Enabled && o.Primary.Name == "" {
		errs = append(errs, errors.New("oracle.primary.name is required when the oracle is enabled"))
	}
	if !o.Enabled && (o.Primary.Name != "" || len(o.Fallbacks) > 0) {
		slog.Warn("oracle backends are configured but oracle.enabled is false; matching stays local")
	}
	validateProviderName("oracle.primary", o.Primary.Name)
	for i, fb := range o.Fallbacks {
		prefix := fmt.Sprintf("oracle.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(prefix, fb.Name)
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", *r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [KnownLLMProviders].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(KnownLLMProviders, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"field", field,
		"name", name,
		"known", KnownLLMProviders,
	)
}
