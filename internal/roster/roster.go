// Package roster models the authoritative list of students that spoken input
// is validated against.
//
// A roster is parsed from free-form text, one student per line. Each line may
// carry a student id (a run of at least four digits) and must carry a name (a
// run of two to eight Han characters). Lines are deduplicated by id, id-less
// lines by name, and a name-only line is absorbed by an id-bearing line for
// the same name.
//
// A [Roster] is immutable after construction and safe for concurrent use.
package roster

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	minIDLen   = 4
	minNameLen = 2
	maxNameLen = 8
)

var (
	tokenSeparators = regexp.MustCompile(`[\s,，;；、:：|/]+`)
	idRun           = regexp.MustCompile(`\d{4,}`)
)

// Entry is a single student on the roster.
type Entry struct {
	// StudentID holds digits only and may be empty.
	StudentID string `json:"studentId"`

	// Name is the student's name, normalised to contiguous Han characters.
	Name string `json:"name"`
}

// Key returns the identity key of e. See [IdentityKey].
func (e Entry) Key() string {
	return IdentityKey(e.StudentID, e.Name)
}

// IdentityKey returns the deduplication key for a record: "id:<studentID>"
// when the id is non-empty, "name:<name>" when only the name is set, and ""
// when neither is usable.
func IdentityKey(studentID, name string) string {
	if studentID != "" {
		return "id:" + studentID
	}
	if name != "" {
		return "name:" + name
	}
	return ""
}

// Roster is an indexed, read-only list of [Entry] values.
type Roster struct {
	entries []Entry
	byID    map[string]int
	byName  map[string]int
}

// New indexes entries as given. No deduplication is performed; when two
// entries share a name, [Roster.ByName] returns the first.
func New(entries []Entry) *Roster {
	r := &Roster{
		entries: make([]Entry, len(entries)),
		byID:    make(map[string]int, len(entries)),
		byName:  make(map[string]int, len(entries)),
	}
	copy(r.entries, entries)
	for i, e := range r.entries {
		if e.StudentID != "" {
			if _, ok := r.byID[e.StudentID]; !ok {
				r.byID[e.StudentID] = i
			}
		}
		if e.Name != "" {
			if _, ok := r.byName[e.Name]; !ok {
				r.byName[e.Name] = i
			}
		}
	}
	return r
}

// Parse builds a deduplicated [Roster] from free-form text.
func Parse(text string) *Roster {
	type slot struct {
		key   string
		entry Entry
	}
	var order []string
	slots := make(map[string]*slot)
	idNames := make(map[string]struct{})

	for _, line := range strings.Split(norm.NFKC.String(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		e, ok := parseLine(line)
		if !ok {
			continue
		}
		key := e.Key()
		if s, exists := slots[key]; exists {
			s.entry = e
		} else {
			slots[key] = &slot{key: key, entry: e}
			order = append(order, key)
		}
	}

	for _, s := range slots {
		if s.entry.StudentID != "" {
			idNames[s.entry.Name] = struct{}{}
		}
	}

	entries := make([]Entry, 0, len(order))
	for _, key := range order {
		e := slots[key].entry
		if e.StudentID == "" {
			if _, absorbed := idNames[e.Name]; absorbed {
				continue
			}
		}
		entries = append(entries, e)
	}
	return New(entries)
}

// parseLine extracts an optional id and a required name from a single line.
func parseLine(line string) (Entry, bool) {
	var e Entry
	for _, tok := range tokenSeparators.Split(line, -1) {
		if tok == "" {
			continue
		}
		if e.StudentID == "" {
			if id := idRun.FindString(tok); id != "" {
				e.StudentID = id
			}
		}
		if e.Name == "" {
			if name := NormalizeStudentName(tok); usableName(name) {
				e.Name = name
			}
		}
	}

	if e.StudentID == "" {
		e.StudentID = idRun.FindString(line)
	}
	if e.Name == "" {
		for _, run := range hanRun.FindAllString(line, -1) {
			if usableName(run) {
				e.Name = run
				break
			}
		}
	}
	return e, e.Name != ""
}

// usableName reports whether s is a plausible roster name.
func usableName(s string) bool {
	if !isHan(s) {
		return false
	}
	if n := len([]rune(s)); n < minNameLen || n > maxNameLen {
		return false
	}
	_, label := labelWords[s]
	return !label
}

// Entries returns a copy of the roster entries in roster order.
func (r *Roster) Entries() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries.
func (r *Roster) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// ByID looks up an entry by exact student id.
func (r *Roster) ByID(id string) (Entry, bool) {
	if r == nil || id == "" {
		return Entry{}, false
	}
	i, ok := r.byID[id]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// ByName looks up an entry by exact name.
func (r *Roster) ByName(name string) (Entry, bool) {
	if r == nil || name == "" {
		return Entry{}, false
	}
	i, ok := r.byName[name]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Named returns every entry carrying name, in roster order.
func (r *Roster) Named(name string) []Entry {
	if r == nil {
		return nil
	}
	var out []Entry
	for _, e := range r.entries {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Names returns the distinct names on the roster in roster order.
func (r *Roster) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byName))
	seen := make(map[string]struct{}, len(r.byName))
	for _, e := range r.entries {
		if _, ok := seen[e.Name]; ok {
			continue
		}
		seen[e.Name] = struct{}{}
		out = append(out, e.Name)
	}
	return out
}

// HasIDs reports whether any entry carries a student id.
func (r *Roster) HasIDs() bool {
	return r != nil && len(r.byID) > 0
}
