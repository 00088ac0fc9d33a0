package transcript

import "strings"

// Fragment is one incremental result from a speech recognition engine.
type Fragment struct {
	// IsFinal marks committed text. Interim fragments replace each other.
	IsFinal bool `json:"isFinal"`

	Transcript string `json:"transcript"`

	// Error is set when the engine reports a runtime failure, such as
	// "no-speech", "audio-capture", "not-allowed" or "unsupported".
	Error string `json:"error,omitempty"`
}

// Live accumulates a streaming transcript: final fragments are appended to a
// persistent buffer and the latest interim fragment is kept alongside it.
//
// Live is not safe for concurrent use; callers serialise access.
type Live struct {
	final   []string
	interim string
}

// Apply folds f into the buffer. Fragments carrying an error are ignored.
func (l *Live) Apply(f Fragment) {
	if f.Error != "" {
		return
	}
	text := strings.TrimSpace(f.Transcript)
	if !f.IsFinal {
		l.interim = text
		return
	}
	l.interim = ""
	if text != "" {
		l.final = append(l.final, text)
	}
}

// Final returns the committed text, space-joined.
func (l *Live) Final() string {
	return strings.Join(l.final, " ")
}

// Interim returns the current provisional text.
func (l *Live) Interim() string {
	return l.interim
}

// Text returns the committed and provisional text joined by a space.
func (l *Live) Text() string {
	return strings.TrimSpace(l.Final() + " " + l.interim)
}

// CommitInterim promotes pending interim text to final, as engines do when
// recognition stops mid-phrase.
func (l *Live) CommitInterim() {
	if l.interim != "" {
		l.final = append(l.final, l.interim)
		l.interim = ""
	}
}

// Reset discards all text.
func (l *Live) Reset() {
	l.final = nil
	l.interim = ""
}
