// Package fuzzy resolves misheard student names against a roster by edit
// distance.
//
// Similarity between two names is 1 − lev(a, b) / max(len(a), len(b)),
// measured in runes so that each Han character counts once. The best roster
// candidate is accepted when its similarity reaches the threshold (default
// 0.6). Ties go to the candidate listed first.
package fuzzy

import (
	"github.com/antzucaro/matchr"
)

const defaultThreshold = 0.6

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithThreshold sets the minimum similarity for a candidate to be accepted.
// Default: 0.6.
func WithThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

// Matcher picks the roster name closest to a spoken name. It is read-only
// after construction and safe for concurrent use.
type Matcher struct {
	threshold float64
}

// New returns a [Matcher] configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{threshold: defaultThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Threshold returns the configured acceptance threshold.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Match returns the candidate most similar to name. When matched is false,
// corrected equals name and confidence is 0.
func (m *Matcher) Match(name string, candidates []string) (corrected string, confidence float64, matched bool) {
	if name == "" || len(candidates) == 0 {
		return name, 0, false
	}

	best, bestScore := "", -1.0
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if s := Similarity(name, c); s > bestScore {
			best, bestScore = c, s
		}
	}
	if best == "" || bestScore < m.threshold {
		return name, 0, false
	}
	return best, bestScore, true
}

// Similarity returns the normalised Levenshtein similarity of a and b in
// [0, 1]. Two empty strings are identical.
func Similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(matchr.Levenshtein(a, b))/float64(longest)
}
