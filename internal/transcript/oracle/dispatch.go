package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voicegrade/internal/transcript"
)

// Dispatcher runs oracle requests one at a time. A new [Dispatcher.Run]
// cancels the request in flight, and so does [Dispatcher.Cancel]; the
// cancelled call returns [ErrSuperseded] or [ErrCancelled] and its result is
// never delivered, even if the backend answers after all.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	oracle Oracle

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelCauseFunc
}

// NewDispatcher returns a [Dispatcher] sending requests to o.
func NewDispatcher(o Oracle) *Dispatcher {
	return &Dispatcher{oracle: o}
}

// Run sends req to the oracle, first aborting any request still in flight.
func (d *Dispatcher) Run(ctx context.Context, req Request) ([]transcript.ParsedPair, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel(ErrSuperseded)
	}
	d.gen++
	gen := d.gen
	d.cancel = cancel
	d.mu.Unlock()

	pairs, err := d.oracle.Match(runCtx, req)

	d.mu.Lock()
	current := d.gen == gen
	if current {
		d.cancel = nil
	}
	d.mu.Unlock()

	if !current {
		if errors.Is(context.Cause(runCtx), ErrCancelled) {
			return nil, ErrCancelled
		}
		return nil, ErrSuperseded
	}
	if err != nil {
		return nil, fmt.Errorf("oracle: run: %w", err)
	}
	return pairs, nil
}

// Cancel aborts the request in flight, if any, and reports whether there was
// one.
func (d *Dispatcher) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return false
	}
	d.cancel(ErrCancelled)
	d.cancel = nil
	d.gen++
	return true
}

// Pending reports whether a request is in flight.
func (d *Dispatcher) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}
