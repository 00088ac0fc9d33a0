package transcript

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/voicegrade/internal/roster"
	"github.com/MrWong99/voicegrade/internal/transcript/fuzzy"
)

const (
	copulaPattern = `(?:得分是|得分为|得分|分数是|分数为|分数|考了|得了|拿了|得到|得|是|考|为)?`
	scorePattern  = `(\d{1,3}|[零〇一二两三四五六七八九十百]{1,6})\s*分?`
)

var (
	// pairPattern matches "subject [copula] score [分]". The subject is a
	// student id (four or more digits) or a lazily matched run of two to
	// eight Han characters, so a copula or numeral that follows is not
	// swallowed.
	pairPattern = regexp.MustCompile(`(\d{4,}|\p{Han}{2,8}?)\s*` + copulaPattern + `\s*` + scorePattern)

	// scoreTail reads a score directly at the start of its input.
	scoreTail = regexp.MustCompile(`^\s*` + copulaPattern + `\s*` + scorePattern)
)

// ExtractorOption is a functional option for configuring an [Extractor].
type ExtractorOption func(*Extractor)

// WithNameMatcher sets the matcher used for names that have no exact roster
// match. Pass nil to disable fuzzy matching.
func WithNameMatcher(m NameMatcher) ExtractorOption {
	return func(e *Extractor) {
		e.matcher = m
	}
}

// Extractor scans normalised transcripts for grade pairs. It is read-only
// after construction and safe for concurrent use.
type Extractor struct {
	matcher NameMatcher
}

// NewExtractor returns an [Extractor]. By default names are fuzzily matched
// with a [fuzzy.Matcher] at its default threshold.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{matcher: fuzzy.New()}
	for _, o := range opts {
		o(e)
	}
	return e
}

var defaultExtractor = NewExtractor()

// Extract runs the default [Extractor] over text.
func Extract(text string, r *roster.Roster) []ParsedPair {
	return defaultExtractor.Extract(text, r)
}

// match is one pattern hit, in byte offsets of the normalised text.
type match struct {
	start, end int
	subject    string
	score      string
}

// Extract normalises text and returns the deduplicated grade pairs it
// contains, resolved against r. A nil roster leaves every subject raw.
// Candidates with an unreadable score are skipped.
func (e *Extractor) Extract(text string, r *roster.Roster) []ParsedPair {
	s := Normalize(text)
	if s == "" {
		return nil
	}
	names := r.Names()

	var pairs []ParsedPair
	for pos := 0; pos < len(s); {
		loc := pairPattern.FindStringSubmatchIndex(s[pos:])
		if loc == nil {
			break
		}
		m := match{
			start:   pos + loc[0],
			end:     pos + loc[1],
			subject: s[pos+loc[2] : pos+loc[3]],
			score:   s[pos+loc[4] : pos+loc[5]],
		}
		// Digit runs are read whole. A subject or score that stops inside
		// one is a backtracked split of a single number, not a pair.
		if cut := splitDigits(s, pos+loc[3], pos+loc[5]); cut >= 0 {
			pos = digitRunEnd(s, cut)
			continue
		}
		if !isASCIIDigits(m.subject) && len(names) > 0 {
			m = realign(s, m, pos+loc[4], r, names)
		}
		pos = m.end

		score, ok := ParseScore(m.score)
		if !ok {
			continue
		}
		p := ParsedPair{
			Score:  ClampScore(score),
			Source: strings.TrimSpace(s[m.start:m.end]),
		}
		if isASCIIDigits(m.subject) {
			resolveID(&p, m.subject, r)
		} else {
			e.resolveName(&p, m.subject, r, names)
		}
		pairs = append(pairs, p)
	}
	return Dedupe(pairs)
}

// realign fixes matches where the lazy subject stopped inside a roster name
// that ends in a numeral character, as in "好张三95" read as subject "好张"
// with score "三". Leading numeral characters of the score are moved onto the
// subject until it resolves; the score is then what remains of the token or,
// failing that, the next score in the text.
func realign(s string, m match, scoreStart int, r *roster.Roster, names []string) match {
	if resolvable(m.subject, r, names) {
		return m
	}
	for cut := 0; cut < len(m.score); {
		_, size := utf8.DecodeRuneInString(m.score[cut:])
		cut += size
		subject := m.subject + m.score[:cut]
		if !resolvable(subject, r, names) {
			continue
		}
		if rest := m.score[cut:]; rest != "" {
			if _, ok := ParseScore(rest); ok {
				return match{start: m.start, end: m.end, subject: subject, score: rest}
			}
		}
		off := scoreStart + cut
		if tail := scoreTail.FindStringSubmatchIndex(s[off:]); tail != nil {
			return match{
				start:   m.start,
				end:     off + tail[1],
				subject: subject,
				score:   s[off+tail[2] : off+tail[3]],
			}
		}
	}
	return m
}

// resolvable reports whether a Han subject names a roster student exactly or
// by suffix.
func resolvable(subject string, r *roster.Roster, names []string) bool {
	if _, ok := r.ByName(roster.NormalizeStudentName(subject)); ok {
		return true
	}
	return longestSuffix(subject, names) != ""
}

func resolveID(p *ParsedPair, subject string, r *roster.Roster) {
	id := roster.NormalizeStudentID(subject)
	p.RawStudentID = id
	if entry, ok := r.ByID(id); ok {
		p.StudentID, p.Name = entry.StudentID, entry.Name
		p.MatchType, p.Confidence = MatchExact, 1
		return
	}
	p.StudentID = id
	p.MatchType = MatchRaw
}

func (e *Extractor) resolveName(p *ParsedPair, subject string, r *roster.Roster, names []string) {
	name := roster.NormalizeStudentName(subject)
	p.RawName = name

	if entry, ok := r.ByName(name); ok {
		p.StudentID, p.Name = entry.StudentID, entry.Name
		p.MatchType, p.Confidence = MatchExact, 1
		return
	}
	if suffix := longestSuffix(name, names); suffix != "" {
		entry, _ := r.ByName(suffix)
		p.StudentID, p.Name = entry.StudentID, entry.Name
		p.MatchType, p.Confidence = MatchExact, 1
		return
	}
	if e.matcher != nil && len(names) > 0 {
		if corrected, conf, ok := e.matcher.Match(name, names); ok {
			entry, _ := r.ByName(corrected)
			p.StudentID, p.Name = entry.StudentID, entry.Name
			p.MatchType, p.Confidence = MatchFuzzy, conf
			return
		}
	}
	p.Name = name
	p.MatchType = MatchRaw
}

// longestSuffix returns the longest of names that s ends with.
func longestSuffix(s string, names []string) string {
	best := ""
	for _, n := range names {
		if len(n) > len(best) && strings.HasSuffix(s, n) {
			best = n
		}
	}
	return best
}

// splitDigits returns the offset of the first digit that directly follows a
// digit-terminated subject or score, or -1 when both end on a boundary.
func splitDigits(s string, ends ...int) int {
	for _, end := range ends {
		if end > 0 && end < len(s) && isDigit(s[end-1]) && isDigit(s[end]) {
			return end
		}
	}
	return -1
}

// digitRunEnd returns the offset just past the digit run containing i.
func digitRunEnd(s string, i int) int {
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return i
}

func isDigit(b byte) bool { return '0' <= b && b <= '9' }
