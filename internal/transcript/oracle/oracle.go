// Package oracle delegates transcript-to-roster matching to a language model
// and treats its answer as untrusted input.
//
// The [LLM] oracle sends the roster (as JSON) and the raw transcript to an
// [llm.Provider] and expects a JSON array of {studentId, name, score}
// objects somewhere in the reply. Every returned record is checked against
// the roster before it is accepted: the name must be on the roster, the id
// must be that student's id (empty when the student has none) and the score
// must be a finite number. Records failing any check are dropped. The
// survivors are deduplicated by identity key, last occurrence wins.
//
// A [Dispatcher] keeps at most one oracle request in flight. Starting a new
// request or calling [Dispatcher.Cancel] aborts the previous one, whose
// result is then discarded.
package oracle

import (
	"context"
	"errors"

	"github.com/MrWong99/voicegrade/internal/roster"
	"github.com/MrWong99/voicegrade/internal/transcript"
)

var (
	// ErrCancelled is returned for a request aborted by [Dispatcher.Cancel].
	ErrCancelled = errors.New("oracle: cancelled")

	// ErrSuperseded is returned for a request replaced by a newer one.
	ErrSuperseded = errors.New("oracle: superseded by a newer request")

	// ErrNoArray is returned when the model reply contains no JSON array.
	ErrNoArray = errors.New("oracle: no JSON array in reply")
)

// Request is a single matching job.
type Request struct {
	Transcript string
	Roster     *roster.Roster

	// Model overrides the backend's default model when non-empty.
	Model string
}

// Oracle resolves a transcript against a roster.
//
// Implementations must be safe for concurrent use and must return promptly
// once ctx is cancelled.
type Oracle interface {
	Match(ctx context.Context, req Request) ([]transcript.ParsedPair, error)
}

// Func adapts an ordinary function to the [Oracle] interface.
type Func func(ctx context.Context, req Request) ([]transcript.ParsedPair, error)

// Match calls f(ctx, req).
func (f Func) Match(ctx context.Context, req Request) ([]transcript.ParsedPair, error) {
	return f(ctx, req)
}

// IsCancellation reports whether err marks a request that was cancelled or
// superseded rather than one that failed.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrSuperseded)
}
