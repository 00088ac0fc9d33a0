// Package transcript turns spoken grading sessions into structured
// (student, score) records.
//
// Speech arrives as a stream of [Fragment] values that a [Live] buffer
// accumulates. The resulting text is cleaned by [Normalize] and scanned by an
// [Extractor], which finds "subject [copula] score [分]" patterns, resolves
// each subject against a [roster.Roster] and returns one [ParsedPair] per
// student. Subjects are resolved in order of preference:
//
//  1. Exact student id or exact roster name.
//  2. The longest roster name the subject ends with, which absorbs leftover
//     lead-in words such as "三年级张三".
//  3. A [NameMatcher] (edit-distance similarity), when configured.
//  4. The raw subject, unmatched.
//
// Extraction is a pure function of its inputs and holds no state between
// calls, so callers re-run it whenever the transcript changes.
package transcript

import "github.com/MrWong99/voicegrade/internal/roster"

// MatchType records how a [ParsedPair] subject was resolved.
type MatchType string

const (
	// MatchExact means the subject equals a roster id or name.
	MatchExact MatchType = "exact"

	// MatchFuzzy means a [NameMatcher] mapped the subject to a roster name.
	MatchFuzzy MatchType = "fuzzy"

	// MatchRaw means the subject is not on the roster.
	MatchRaw MatchType = "raw"
)

// ParsedPair is a candidate grade record produced by one extraction run.
// It is never persisted on its own; see the registry package for rows.
type ParsedPair struct {
	// StudentID is the resolved id. Empty when the student has none.
	StudentID string `json:"studentId"`

	// Name is the resolved roster name, or the raw spoken name.
	Name string `json:"name"`

	// RawStudentID and RawName hold the subject as heard.
	RawStudentID string `json:"rawStudentId,omitempty"`
	RawName      string `json:"rawName,omitempty"`

	// Score is always within [0, 100].
	Score int `json:"score"`

	MatchType MatchType `json:"matchType"`

	// Confidence is 1 for exact matches, the similarity for fuzzy matches
	// and 0 for raw subjects.
	Confidence float64 `json:"confidence"`

	// Source is the normalised substring the pair was extracted from.
	Source string `json:"source"`
}

// Key returns the identity key of p: the student id when present, else the
// name.
func (p ParsedPair) Key() string {
	return roster.IdentityKey(p.StudentID, p.Name)
}

// NameMatcher resolves a spoken name to the most similar candidate.
//
// When matched is false, corrected must equal name and confidence must be 0.
// Implementations must be safe for concurrent use.
type NameMatcher interface {
	Match(name string, candidates []string) (corrected string, confidence float64, matched bool)
}

// Dedupe keeps the last pair for every identity key. Survivors are ordered by
// the position of their last occurrence. Pairs with an empty key are dropped.
func Dedupe(pairs []ParsedPair) []ParsedPair {
	last := make(map[string]int, len(pairs))
	for i, p := range pairs {
		if k := p.Key(); k != "" {
			last[k] = i
		}
	}
	out := make([]ParsedPair, 0, len(last))
	for i, p := range pairs {
		if k := p.Key(); k != "" && last[k] == i {
			out = append(out, p)
		}
	}
	return out
}
