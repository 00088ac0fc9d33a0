package transcript_test

import (
	"testing"

	"github.com/MrWong99/voicegrade/internal/transcript"
)

func TestLive_FinalAndInterim(t *testing.T) {
	t.Parallel()

	var l transcript.Live
	l.Apply(transcript.Fragment{Transcript: "张三"})
	if got := l.Text(); got != "张三" {
		t.Fatalf("Text()=%q after interim, want 张三", got)
	}

	l.Apply(transcript.Fragment{Transcript: "张三九十五", IsFinal: true})
	l.Apply(transcript.Fragment{Transcript: "李四"})
	l.Apply(transcript.Fragment{Transcript: "李四八十"})

	if got := l.Final(); got != "张三九十五" {
		t.Errorf("Final()=%q, want 张三九十五", got)
	}
	if got := l.Interim(); got != "李四八十" {
		t.Errorf("Interim()=%q, want 李四八十", got)
	}
	if got := l.Text(); got != "张三九十五 李四八十" {
		t.Errorf("Text()=%q, want %q", got, "张三九十五 李四八十")
	}

	l.Apply(transcript.Fragment{Transcript: " 李四八十八 ", IsFinal: true})
	if got := l.Text(); got != "张三九十五 李四八十八" {
		t.Errorf("Text()=%q, want %q", got, "张三九十五 李四八十八")
	}
}

func TestLive_ErrorFragmentIgnored(t *testing.T) {
	t.Parallel()

	var l transcript.Live
	l.Apply(transcript.Fragment{Transcript: "张三 95", IsFinal: true})
	l.Apply(transcript.Fragment{Error: "no-speech", Transcript: "garbage"})
	if got := l.Text(); got != "张三 95" {
		t.Errorf("Text()=%q, want %q", got, "张三 95")
	}
}

func TestLive_CommitInterimAndReset(t *testing.T) {
	t.Parallel()

	var l transcript.Live
	l.Apply(transcript.Fragment{Transcript: "a", IsFinal: true})
	l.Apply(transcript.Fragment{Transcript: "b"})
	l.CommitInterim()
	if l.Final() != "a b" || l.Interim() != "" {
		t.Errorf("after CommitInterim: final=%q interim=%q", l.Final(), l.Interim())
	}
	l.Reset()
	if l.Text() != "" {
		t.Errorf("Text()=%q after Reset, want empty", l.Text())
	}
}
