// Package registry holds the editable grade table.
//
// Rows are keyed by student identity (see roster.IdentityKey). [Merge]
// folds freshly extracted pairs into the table: a pair whose identity is
// already present overwrites that row's id, name and score but keeps its row
// ID and position, while a new identity is appended as a fresh row. Merging
// the same pairs twice leaves the table as merging them once.
package registry

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/voicegrade/internal/roster"
	"github.com/MrWong99/voicegrade/internal/transcript"
)

// ErrNotFound is returned when no row has the requested ID.
var ErrNotFound = errors.New("registry: entry not found")

// Entry is one editable row of the grade table.
type Entry struct {
	// ID is an opaque token that stays fixed for the lifetime of the row.
	ID string `json:"id"`

	StudentID string `json:"studentId"`
	Name      string `json:"name"`

	// Score is nil while the row has no score.
	Score *int `json:"score"`
}

// Key returns the identity key of e.
func (e Entry) Key() string {
	return roster.IdentityKey(e.StudentID, e.Name)
}

// Result summarises a merge.
type Result struct {
	Added    int `json:"added"`
	Updated  int `json:"updated"`
	Rejected int `json:"rejected"`
}

// Merge folds pairs into existing and returns the new table. existing is not
// modified. Pairs with an empty identity key are rejected.
func Merge(existing []Entry, pairs []transcript.ParsedPair) ([]Entry, Result) {
	return merge(existing, pairs, uuid.NewString)
}

func merge(existing []Entry, pairs []transcript.ParsedPair, newID func() string) ([]Entry, Result) {
	out := make([]Entry, len(existing), len(existing)+len(pairs))
	copy(out, existing)

	index := make(map[string]int, len(out))
	for i, e := range out {
		if k := e.Key(); k != "" {
			if _, dup := index[k]; !dup {
				index[k] = i
			}
		}
	}

	var res Result
	for _, p := range pairs {
		key := p.Key()
		if key == "" {
			res.Rejected++
			continue
		}
		score := p.Score
		if i, ok := index[key]; ok {
			out[i].StudentID = p.StudentID
			out[i].Name = p.Name
			out[i].Score = &score
			res.Updated++
			continue
		}
		index[key] = len(out)
		out = append(out, Entry{
			ID:        newID(),
			StudentID: p.StudentID,
			Name:      p.Name,
			Score:     &score,
		})
		res.Added++
	}
	return out, res
}

// Patch is a partial update of a row. Nil fields are left unchanged.
type Patch struct {
	StudentID *string
	Name      *string
	Score     *int

	// ClearScore empties the score. It takes precedence over Score.
	ClearScore bool
}

// Registry is an ordered, concurrency-safe grade table. The zero value is
// ready to use.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	newID   func() string
}

// Option configures a [Registry].
type Option func(*Registry)

// WithIDFunc replaces the UUID generator used for new rows.
func WithIDFunc(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// New returns a [Registry] holding a copy of entries.
func New(entries []Entry, opts ...Option) *Registry {
	r := &Registry{entries: make([]Entry, len(entries))}
	copy(r.entries, entries)
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) id() string {
	if r.newID != nil {
		return r.newID()
	}
	return uuid.NewString()
}

// List returns a copy of all rows in table order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of rows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Merge folds pairs into the table in one atomic step.
func (r *Registry) Merge(ctx context.Context, pairs []transcript.ParsedPair) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res Result
	r.entries, res = merge(r.entries, pairs, r.id)
	return res
}

// Add appends an empty row and returns it.
func (r *Registry) Add(ctx context.Context) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := Entry{ID: r.id()}
	r.entries = append(r.entries, e)
	return e
}

// Update applies p to the row with the given ID and returns the result.
// Returns [ErrNotFound] when no such row exists.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return Entry{}, ErrNotFound
	}
	e := &r.entries[i]
	if p.StudentID != nil {
		e.StudentID = roster.NormalizeStudentID(*p.StudentID)
	}
	if p.Name != nil {
		e.Name = strings.TrimSpace(*p.Name)
	}
	switch {
	case p.ClearScore:
		e.Score = nil
	case p.Score != nil:
		s := transcript.ClampScore(*p.Score)
		e.Score = &s
	}
	return *e, nil
}

// Delete removes the row with the given ID.
// Returns [ErrNotFound] when no such row exists.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return ErrNotFound
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	return nil
}

// Clear removes every row and returns how many were removed.
func (r *Registry) Clear(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = nil
	return n
}

func (r *Registry) indexOf(id string) int {
	for i, e := range r.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}
