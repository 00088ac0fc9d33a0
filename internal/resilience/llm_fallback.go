package resilience

import (
	"context"
	"time"

	"github.com/MrWong99/voicegrade/internal/observe"
	"github.com/MrWong99/voicegrade/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group   *FallbackGroup[llm.Provider]
	metrics *observe.Metrics
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// LLMFallbackOption configures an [LLMFallback].
type LLMFallbackOption func(*LLMFallback)

// WithMetrics records per-backend request outcomes on m.
func WithMetrics(m *observe.Metrics) LLMFallbackOption {
	return func(f *LLMFallback) { f.metrics = m }
}

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig, opts ...LLMFallbackOption) *LLMFallback {
	f := &LLMFallback{}
	for _, o := range opts {
		o(f)
	}
	if f.metrics != nil && cfg.CircuitBreaker.OnTransition == nil {
		m := f.metrics
		cfg.CircuitBreaker.OnTransition = func(name string, _, to State) {
			m.RecordBreakerTransition(context.Background(), name, to.String())
		}
	}
	f.group = NewFallbackGroup(f.meter(primaryName, primary), primaryName, cfg)
	return f
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, f.meter(name, provider))
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried. A cancelled
// request is returned immediately.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Model returns the default model of the primary backend.
func (f *LLMFallback) Model() string {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Model()
	}
	return ""
}

// Status reports the breaker state of every backend.
func (f *LLMFallback) Status() []EntryStatus {
	return f.group.Status()
}

// Check returns [ErrCircuitOpen] when every backend's breaker is open. It
// matches the signature of a readiness checker.
func (f *LLMFallback) Check(context.Context) error {
	if f.group.Healthy() {
		return nil
	}
	return ErrCircuitOpen
}

func (f *LLMFallback) meter(name string, p llm.Provider) llm.Provider {
	if f.metrics == nil {
		return p
	}
	return &meteredProvider{name: name, next: p, metrics: f.metrics}
}

// meteredProvider records request counts and errors for one backend.
type meteredProvider struct {
	name    string
	next    llm.Provider
	metrics *observe.Metrics
}

func (m *meteredProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := m.next.Complete(ctx, req)
	status := "ok"
	switch {
	case isAbort(err):
		status = "cancelled"
	case err != nil:
		status = "error"
		m.metrics.RecordProviderError(ctx, m.name, "llm")
	}
	m.metrics.RecordProviderRequest(ctx, m.name, "llm", status)
	observe.Logger(ctx).Debug("llm backend call",
		"provider", m.name, "status", status, "duration", time.Since(start))
	return resp, err
}

func (m *meteredProvider) Model() string {
	return m.next.Model()
}
