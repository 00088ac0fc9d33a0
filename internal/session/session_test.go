package session_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voicegrade/internal/kvstore"
	"github.com/MrWong99/voicegrade/internal/observe"
	"github.com/MrWong99/voicegrade/internal/registry"
	"github.com/MrWong99/voicegrade/internal/session"
	"github.com/MrWong99/voicegrade/internal/transcript"
	"github.com/MrWong99/voicegrade/internal/transcript/oracle"
)

const testRoster = "2023001 张三\n2023002 李四\n王小明"

func newSession(t *testing.T, opts ...session.Option) (*session.Session, *kvstore.MemStore) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	store := kvstore.NewMemStore()
	s, err := session.New(context.Background(), store, append([]session.Option{session.WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.SetRoster(context.Background(), testRoster); err != nil {
		t.Fatalf("SetRoster: %v", err)
	}
	return s, store
}

func record(t *testing.T, s *session.Session, finals ...string) {
	t.Helper()
	ctx := context.Background()
	s.Start(ctx)
	for _, f := range finals {
		if _, err := s.Apply(ctx, transcript.Fragment{IsFinal: true, Transcript: f}); err != nil {
			t.Fatalf("Apply(%q): %v", f, err)
		}
	}
}

func scoreOf(t *testing.T, entries []registry.Entry, name string) int {
	t.Helper()
	for _, e := range entries {
		if e.Name == name {
			if e.Score == nil {
				t.Fatalf("%s has no score", name)
			}
			return *e.Score
		}
	}
	t.Fatalf("no entry named %s in %+v", name, entries)
	return 0
}

func TestNew_RestoresPreferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := kvstore.NewMemStore()
	_ = kvstore.SaveRoster(ctx, store, testRoster)
	_ = kvstore.SaveOracle(ctx, store, true, "gpt-4o-mini")

	s, err := session.New(ctx, store, session.WithMetrics(observe.DefaultMetrics()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap := s.Snapshot(ctx)
	if snap.RosterText != testRoster {
		t.Errorf("RosterText = %q, want the stored text", snap.RosterText)
	}
	if len(snap.Roster) != 3 {
		t.Errorf("roster entries = %d, want 3", len(snap.Roster))
	}
	if !snap.UseOracle || snap.OracleModel != "gpt-4o-mini" {
		t.Errorf("oracle prefs = (%v, %q), want (true, gpt-4o-mini)", snap.UseOracle, snap.OracleModel)
	}
	if snap.OracleAvailable {
		t.Error("OracleAvailable = true without an oracle")
	}
	if snap.State != session.StateIdle {
		t.Errorf("State = %q, want idle", snap.State)
	}
}

func TestSetRoster_Persists(t *testing.T) {
	t.Parallel()
	s, store := newSession(t)

	r, err := s.SetRoster(context.Background(), "赵六 2023009")
	if err != nil {
		t.Fatalf("SetRoster: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("roster len = %d, want 1", r.Len())
	}
	got, err := store.Get(context.Background(), kvstore.KeyRosterText)
	if err != nil || got != "赵六 2023009" {
		t.Errorf("stored roster = (%q, %v)", got, err)
	}
}

func TestLocalRecording(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newSession(t)

	s.Start(ctx)
	p, err := s.Apply(ctx, transcript.Fragment{Transcript: "张三 九十"})
	if err != nil {
		t.Fatalf("Apply interim: %v", err)
	}
	if p.Interim != "张三 九十" || len(p.Pairs) != 1 {
		t.Errorf("interim preview = %+v, want one pair", p)
	}
	if _, err := s.Apply(ctx, transcript.Fragment{IsFinal: true, Transcript: "张三 95"}); err != nil {
		t.Fatalf("Apply final: %v", err)
	}
	p, err = s.Apply(ctx, transcript.Fragment{Transcript: "李四 得 88"})
	if err != nil {
		t.Fatalf("Apply interim: %v", err)
	}
	if p.Transcript != "张三 95 李四 得 88" {
		t.Errorf("Transcript = %q", p.Transcript)
	}
	if len(p.Pairs) != 2 {
		t.Fatalf("preview pairs = %d, want 2", len(p.Pairs))
	}

	out, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if out.Source != session.SourceLocal {
		t.Errorf("Source = %q, want local", out.Source)
	}
	if out.Merged.Added != 2 {
		t.Errorf("Added = %d, want 2", out.Merged.Added)
	}
	entries := s.Entries()
	if scoreOf(t, entries, "张三") != 95 || scoreOf(t, entries, "李四") != 88 {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].StudentID != "2023001" {
		t.Errorf("张三 id = %q, want 2023001", entries[0].StudentID)
	}
	snap := s.Snapshot(ctx)
	if snap.State != session.StateIdle {
		t.Errorf("State = %q, want idle", snap.State)
	}
	if snap.Transcript != "张三 95 李四 得 88" {
		t.Errorf("transcript after stop = %q, want it kept", snap.Transcript)
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newSession(t)
	record(t, s, "张三 95 李四 88")

	first, _ := s.Stop(ctx)
	ids := []string{s.Entries()[0].ID, s.Entries()[1].ID}
	second, _ := s.Stop(ctx)

	if first.Merged.Added != 2 || second.Merged.Added != 0 || second.Merged.Updated != 2 {
		t.Errorf("merges = %+v then %+v", first.Merged, second.Merged)
	}
	entries := s.Entries()
	if len(entries) != 2 || entries[0].ID != ids[0] || entries[1].ID != ids[1] {
		t.Errorf("entries changed identity: %+v", entries)
	}
}

func TestApply_NotRecording(t *testing.T) {
	t.Parallel()
	s, _ := newSession(t)

	_, err := s.Apply(context.Background(), transcript.Fragment{IsFinal: true, Transcript: "张三 95"})
	if !errors.Is(err, session.ErrNotRecording) {
		t.Fatalf("err = %v, want ErrNotRecording", err)
	}
}

func TestApply_EngineError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newSession(t)
	record(t, s, "张三 95")

	p, err := s.Apply(ctx, transcript.Fragment{Error: "not-allowed"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.State != session.StateIdle {
		t.Errorf("State = %q, want idle", p.State)
	}
	if p.Status != "麦克风权限被拒绝" {
		t.Errorf("Status = %q", p.Status)
	}
	if p.Transcript != "张三 95" {
		t.Errorf("Transcript = %q, want it kept", p.Transcript)
	}

	p, _ = s.Apply(ctx, transcript.Fragment{Error: "weird-code"})
	if !strings.HasSuffix(p.Status, "weird-code") {
		t.Errorf("unknown code status = %q", p.Status)
	}
}

func TestStop_EmptyTranscript(t *testing.T) {
	t.Parallel()
	s, _ := newSession(t)
	s.Start(context.Background())

	out, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if out.Source != session.SourceNone {
		t.Errorf("Source = %q, want none", out.Source)
	}
	if n := len(s.Entries()); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
	if st := s.Snapshot(context.Background()).State; st != session.StateIdle {
		t.Errorf("State = %q, want idle", st)
	}
}

func TestStop_Oracle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var got oracle.Request
	o := oracle.Func(func(_ context.Context, req oracle.Request) ([]transcript.ParsedPair, error) {
		got = req
		return []transcript.ParsedPair{
			{StudentID: "2023001", Name: "张三", Score: 91, MatchType: transcript.MatchExact, Confidence: 1, Source: oracle.SourceOracle},
		}, nil
	})
	s, _ := newSession(t, session.WithOracle(o))
	if err := s.SetPreferences(ctx, true, "deepseek-chat"); err != nil {
		t.Fatalf("SetPreferences: %v", err)
	}
	record(t, s, "张山 九十一")

	out, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if out.Source != session.SourceOracle {
		t.Fatalf("Source = %q, want oracle", out.Source)
	}
	if got.Model != "deepseek-chat" || got.Transcript != "张山 九十一" || got.Roster.Len() != 3 {
		t.Errorf("oracle request = %+v", got)
	}
	if scoreOf(t, s.Entries(), "张三") != 91 {
		t.Errorf("entries = %+v", s.Entries())
	}
}

func TestStop_OracleDisabledByPreference(t *testing.T) {
	t.Parallel()
	called := false
	o := oracle.Func(func(context.Context, oracle.Request) ([]transcript.ParsedPair, error) {
		called = true
		return nil, nil
	})
	s, _ := newSession(t, session.WithOracle(o))
	record(t, s, "张三 95")

	out, _ := s.Stop(context.Background())
	if called {
		t.Error("oracle called while disabled")
	}
	if out.Source != session.SourceLocal {
		t.Errorf("Source = %q, want local", out.Source)
	}
}

func TestStop_OracleFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		oracle     oracle.Func
		wantStatus string
	}{
		{
			name: "transport error",
			oracle: func(context.Context, oracle.Request) ([]transcript.ParsedPair, error) {
				return nil, errors.New("connection refused")
			},
			wantStatus: "智能匹配失败",
		},
		{
			name: "no usable rows",
			oracle: func(context.Context, oracle.Request) ([]transcript.ParsedPair, error) {
				return []transcript.ParsedPair{}, nil
			},
			wantStatus: "智能匹配没有结果",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s, _ := newSession(t, session.WithOracle(tc.oracle))
			_ = s.SetPreferences(ctx, true, "")
			record(t, s, "李四 得 88")

			out, err := s.Stop(ctx)
			if err != nil {
				t.Fatalf("Stop: %v", err)
			}
			if out.Source != session.SourceLocal {
				t.Errorf("Source = %q, want local", out.Source)
			}
			if !strings.HasPrefix(out.Status, tc.wantStatus) {
				t.Errorf("Status = %q, want prefix %q", out.Status, tc.wantStatus)
			}
			if scoreOf(t, s.Entries(), "李四") != 88 {
				t.Errorf("entries = %+v", s.Entries())
			}
		})
	}
}

func TestStop_OracleTimeoutFallsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := oracle.Func(func(ctx context.Context, _ oracle.Request) ([]transcript.ParsedPair, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, _ := newSession(t, session.WithOracle(o), session.WithOracleTimeout(20*time.Millisecond))
	_ = s.SetPreferences(ctx, true, "")
	record(t, s, "张三 95")

	out, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if out.Source != session.SourceLocal || out.Cancelled {
		t.Errorf("outcome = %+v, want local fallback", out)
	}
}

// blockingOracle blocks every request until its context ends and signals
// each start on started.
func blockingOracle(started chan<- struct{}) oracle.Func {
	return func(ctx context.Context, _ oracle.Request) ([]transcript.ParsedPair, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestCancelOracle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	started := make(chan struct{}, 1)
	s, _ := newSession(t, session.WithOracle(blockingOracle(started)))
	_ = s.SetPreferences(ctx, true, "")
	record(t, s, "张三 95")

	done := make(chan session.Outcome, 1)
	go func() {
		out, _ := s.Stop(ctx)
		done <- out
	}()
	<-started

	if snap := s.Snapshot(ctx); snap.State != session.StateProcessing || !snap.OraclePending {
		t.Errorf("in flight snapshot = %q pending=%v", snap.State, snap.OraclePending)
	}
	if !s.CancelOracle() {
		t.Fatal("CancelOracle() = false with a request in flight")
	}

	select {
	case out := <-done:
		if !out.Cancelled || out.Source != session.SourceCancelled {
			t.Errorf("outcome = %+v, want cancelled", out)
		}
		if out.Status != "已取消智能匹配" {
			t.Errorf("Status = %q", out.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after cancel")
	}
	if n := len(s.Entries()); n != 0 {
		t.Errorf("entries = %d, want nothing merged", n)
	}
	if s.CancelOracle() {
		t.Error("CancelOracle() = true with nothing in flight")
	}
	if st := s.Snapshot(ctx).State; st != session.StateIdle {
		t.Errorf("State = %q, want idle", st)
	}
}

func TestStop_SecondRequestVoidsFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	started := make(chan struct{}, 1)
	calls := 0
	o := oracle.Func(func(ctx context.Context, req oracle.Request) ([]transcript.ParsedPair, error) {
		calls++
		if calls == 1 {
			started <- struct{}{}
			<-ctx.Done()
			// A late answer from the voided request.
			return []transcript.ParsedPair{{Name: "张三", StudentID: "2023001", Score: 10}}, nil
		}
		return []transcript.ParsedPair{{Name: "张三", StudentID: "2023001", Score: 99}}, nil
	})
	s, _ := newSession(t, session.WithOracle(o))
	_ = s.SetPreferences(ctx, true, "")
	record(t, s, "张三 95")

	first := make(chan session.Outcome, 1)
	go func() {
		out, _ := s.Stop(ctx)
		first <- out
	}()
	<-started

	second, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	out := <-first
	if !out.Cancelled {
		t.Errorf("first outcome = %+v, want cancelled", out)
	}
	if second.Source != session.SourceOracle {
		t.Errorf("second Source = %q, want oracle", second.Source)
	}
	if got := scoreOf(t, s.Entries(), "张三"); got != 99 {
		t.Errorf("score = %d, want 99 from the newer request", got)
	}
}

func TestStart_WhileOracleBusyKeepsNewRecording(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	o := oracle.Func(func(context.Context, oracle.Request) ([]transcript.ParsedPair, error) {
		started <- struct{}{}
		<-release
		return []transcript.ParsedPair{{Name: "张三", StudentID: "2023001", Score: 95}}, nil
	})
	s, _ := newSession(t, session.WithOracle(o))
	_ = s.SetPreferences(ctx, true, "")
	record(t, s, "张三 95")

	done := make(chan session.Outcome, 1)
	go func() {
		out, _ := s.Stop(ctx)
		done <- out
	}()
	<-started

	s.Start(ctx)
	close(release)
	out := <-done
	if out.Source != session.SourceOracle {
		t.Errorf("Source = %q, want oracle", out.Source)
	}

	if st := s.Snapshot(ctx).State; st != session.StateRecording {
		t.Fatalf("State = %q, want the new recording to survive the pending stop", st)
	}
	if _, err := s.Apply(ctx, transcript.Fragment{IsFinal: true, Transcript: "李四 80"}); err != nil {
		t.Fatalf("Apply after the pending stop: %v", err)
	}
	if _, err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := scoreOf(t, s.Entries(), "张三"); got != 95 {
		t.Errorf("张三 = %d, want 95", got)
	}
}

func TestClearTranscript_KeepsEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newSession(t)
	record(t, s, "张三 95")
	_, _ = s.Stop(ctx)

	s.ClearTranscript(ctx)
	snap := s.Snapshot(ctx)
	if snap.Transcript != "" || len(snap.Preview) != 0 {
		t.Errorf("transcript = %q preview = %v, want empty", snap.Transcript, snap.Preview)
	}
	if len(snap.Entries) != 1 {
		t.Errorf("entries = %d, want 1", len(snap.Entries))
	}
}

func TestEntryEditing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newSession(t)

	e := s.AddEntry(ctx)
	name, score := "赵六", 77
	got, err := s.UpdateEntry(ctx, e.ID, registry.Patch{Name: &name, Score: &score})
	if err != nil {
		t.Fatalf("UpdateEntry: %v", err)
	}
	if got.Name != "赵六" || got.Score == nil || *got.Score != 77 {
		t.Errorf("updated = %+v", got)
	}
	if _, err := s.UpdateEntry(ctx, "missing", registry.Patch{}); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("UpdateEntry(missing) err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteEntry(ctx, e.ID); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	s.AddEntry(ctx)
	s.AddEntry(ctx)
	if n := s.ClearEntries(ctx); n != 2 {
		t.Errorf("ClearEntries = %d, want 2", n)
	}
}
