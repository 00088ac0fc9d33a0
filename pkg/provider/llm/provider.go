// Package llm defines the Provider interface for the language-model backends
// that resolve transcripts against a roster.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance and so on) behind a single blocking completion call, so
// callers never couple to a specific SDK.
//
// Implementors must be safe for concurrent use and must return promptly when
// the supplied context is cancelled.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	//
	// Returns an error if the request fails or if ctx is cancelled before
	// the completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the default model identifier used when a request does
	// not name one.
	Model() string
}
