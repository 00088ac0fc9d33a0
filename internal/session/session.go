// Package session holds the single active grading document: the roster, the
// live transcript, the grade registry, the recording state and the oracle
// preference.
//
// A [Session] is driven by its transport. Fragments from the speech engine
// are folded in with [Session.Apply], which returns a fresh local preview.
// [Session.Stop] resolves the finished transcript (through the oracle when
// one is configured and enabled, else locally) and merges the result into
// the registry.
//
// All methods are safe for concurrent use. The session lock is never held
// across an oracle call, so the transcript and the table stay editable while
// a request is in flight.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicegrade/internal/kvstore"
	"github.com/MrWong99/voicegrade/internal/observe"
	"github.com/MrWong99/voicegrade/internal/registry"
	"github.com/MrWong99/voicegrade/internal/roster"
	"github.com/MrWong99/voicegrade/internal/transcript"
	"github.com/MrWong99/voicegrade/internal/transcript/oracle"
)

// ErrNotRecording is returned by [Session.Apply] for a transcript fragment
// that arrives while the session is not recording.
var ErrNotRecording = errors.New("session: not recording")

// State is the recording state of a [Session].
type State string

const (
	// StateIdle means no recording and no oracle request in flight.
	StateIdle State = "idle"

	// StateRecording means fragments are being accepted.
	StateRecording State = "recording"

	// StateProcessing means an oracle request is in flight.
	StateProcessing State = "processing"
)

// Outcome sources reported by [Session.Stop].
const (
	SourceLocal     = "local"
	SourceOracle    = oracle.SourceOracle
	SourceCancelled = "cancelled"
	SourceNone      = "none"
)

// Status texts shown to the user.
const (
	statusReady        = "就绪"
	statusRecording    = "正在录音…"
	statusProcessing   = "正在智能匹配…"
	statusEmpty        = "没有可解析的内容"
	statusNothingFound = "未识别到成绩"
	statusCancelled    = "已取消智能匹配"
	statusOracleFailed = "智能匹配失败，已使用本地解析"
	statusOracleEmpty  = "智能匹配没有结果，已使用本地解析"
	statusCleared      = "已清空转写内容"
	statusRosterSaved  = "名单已保存"
	statusEnginePrefix = "语音识别出错："
)

// engineErrors maps speech engine error codes to status texts.
var engineErrors = map[string]string{
	"unsupported":         "当前浏览器不支持语音识别",
	"not-allowed":         "麦克风权限被拒绝",
	"service-not-allowed": "语音识别服务不可用",
	"audio-capture":       "无法访问麦克风",
	"no-speech":           "没有检测到语音",
	"network":             "语音识别网络错误",
	"aborted":             "语音识别已中断",
}

// Snapshot is a point-in-time copy of the session for rendering.
type Snapshot struct {
	State      State                   `json:"state"`
	Status     string                  `json:"status"`
	Transcript string                  `json:"transcript"`
	Final      string                  `json:"final"`
	Interim    string                  `json:"interim"`
	Preview    []transcript.ParsedPair `json:"preview"`
	Entries    []registry.Entry        `json:"entries"`
	Roster     []roster.Entry          `json:"roster"`
	RosterText string                  `json:"rosterText"`

	UseOracle       bool   `json:"useOracle"`
	OracleModel     string `json:"oracleModel"`
	OracleAvailable bool   `json:"oracleAvailable"`
	OraclePending   bool   `json:"oraclePending"`
}

// Preview is what a fragment stream receives after each fragment.
type Preview struct {
	State      State                   `json:"state"`
	Status     string                  `json:"status"`
	Transcript string                  `json:"transcript"`
	Interim    string                  `json:"interim"`
	Pairs      []transcript.ParsedPair `json:"pairs"`
}

// Outcome describes what [Session.Stop] did.
type Outcome struct {
	// Source is one of [SourceLocal], [SourceOracle], [SourceCancelled] or
	// [SourceNone].
	Source string                  `json:"source"`
	Status string                  `json:"status"`
	Pairs  []transcript.ParsedPair `json:"pairs"`
	Merged registry.Result         `json:"merged"`

	// Cancelled is set when the oracle request was cancelled or superseded;
	// nothing was merged.
	Cancelled bool `json:"cancelled"`
}

// Option configures a [Session].
type Option func(*Session)

// WithOracle enables remote matching through o. A nil o keeps the session
// local-only.
func WithOracle(o oracle.Oracle) Option {
	return func(s *Session) {
		if o != nil {
			s.dispatcher = oracle.NewDispatcher(o)
		}
	}
}

// WithOracleTimeout bounds each oracle request. Zero means no bound.
func WithOracleTimeout(d time.Duration) Option {
	return func(s *Session) { s.oracleTimeout = d }
}

// WithExtractor replaces the default local extractor.
func WithExtractor(e *transcript.Extractor) Option {
	return func(s *Session) { s.extractor.Store(e) }
}

// WithMetrics records session activity on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithRegistry seeds the session with an existing table.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Session) { s.registry = r }
}

// Session is the active grading document.
type Session struct {
	store         kvstore.Store
	extractor     atomic.Pointer[transcript.Extractor]
	dispatcher    *oracle.Dispatcher
	oracleTimeout time.Duration
	metrics       *observe.Metrics
	registry      *registry.Registry

	mu         sync.Mutex
	state      State
	status     string
	live       transcript.Live
	rosterText string
	roster     *roster.Roster
	prefs      kvstore.Preferences
}

// New creates a [Session] and restores the persisted roster and oracle
// preference from store.
func New(ctx context.Context, store kvstore.Store, opts ...Option) (*Session, error) {
	s := &Session{
		store:  store,
		state:  StateIdle,
		status: statusReady,
	}
	for _, o := range opts {
		o(s)
	}
	if s.extractor.Load() == nil {
		s.extractor.Store(transcript.NewExtractor())
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.registry == nil {
		s.registry = registry.New(nil)
	}

	prefs, err := kvstore.LoadPreferences(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("session: new: %w", err)
	}
	s.prefs = prefs
	s.rosterText = prefs.RosterText
	s.roster = roster.Parse(prefs.RosterText)
	return s, nil
}

// SetExtractor replaces the local extractor. Previews already in progress
// finish with the old one.
func (s *Session) SetExtractor(e *transcript.Extractor) {
	if e != nil {
		s.extractor.Store(e)
	}
}

// OracleAvailable reports whether an oracle is configured.
func (s *Session) OracleAvailable() bool {
	return s.dispatcher != nil
}

// Roster returns the current roster.
func (s *Session) Roster() *roster.Roster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster
}

// Entries returns a copy of the registry rows.
func (s *Session) Entries() []registry.Entry {
	return s.registry.List()
}

// Snapshot returns the full session state including a fresh local preview.
func (s *Session) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	text := s.live.Text()
	r := s.roster
	snap := Snapshot{
		State:           s.state,
		Status:          s.status,
		Transcript:      text,
		Final:           s.live.Final(),
		Interim:         s.live.Interim(),
		Roster:          r.Entries(),
		RosterText:      s.rosterText,
		UseOracle:       s.prefs.UseOracle,
		OracleModel:     s.prefs.OracleModel,
		OracleAvailable: s.OracleAvailable(),
	}
	s.mu.Unlock()

	snap.Preview = s.extract(ctx, text, r)
	snap.Entries = s.registry.List()
	if s.dispatcher != nil {
		snap.OraclePending = s.dispatcher.Pending()
	}
	return snap
}

// SetRoster parses text, makes it the active roster and persists it.
func (s *Session) SetRoster(ctx context.Context, text string) (*roster.Roster, error) {
	if err := kvstore.SaveRoster(ctx, s.store, text); err != nil {
		return nil, fmt.Errorf("session: save roster: %w", err)
	}
	r := roster.Parse(text)

	s.mu.Lock()
	s.rosterText = text
	s.roster = r
	s.prefs.RosterText = text
	s.status = statusRosterSaved
	s.mu.Unlock()

	observe.Logger(ctx).Info("roster updated", "entries", r.Len(), "with_ids", r.HasIDs())
	return r, nil
}

// SetPreferences stores the oracle toggle and model id.
func (s *Session) SetPreferences(ctx context.Context, useOracle bool, model string) error {
	model = strings.TrimSpace(model)
	if err := kvstore.SaveOracle(ctx, s.store, useOracle, model); err != nil {
		return fmt.Errorf("session: save preferences: %w", err)
	}
	s.mu.Lock()
	s.prefs.UseOracle = useOracle
	s.prefs.OracleModel = model
	s.mu.Unlock()
	return nil
}

// Start begins accepting fragments. Starting while already recording is a
// no-op. The existing transcript is kept. Starting while a Stop waits on the
// oracle is allowed; the pending Stop still merges its result but leaves the
// new recording running.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRecording {
		return
	}
	s.state = StateRecording
	s.status = statusRecording
	observe.Logger(ctx).Debug("recording started")
}

// Apply folds a speech fragment into the live transcript and returns the
// updated preview. A fragment carrying an engine error ends the recording
// and keeps the transcript. Transcript fragments outside a recording are
// rejected with [ErrNotRecording].
func (s *Session) Apply(ctx context.Context, f transcript.Fragment) (Preview, error) {
	s.mu.Lock()
	switch {
	case f.Error != "":
		s.state = StateIdle
		s.status = engineStatus(f.Error)
		s.metrics.RecordFragment(ctx, "error")
		observe.Logger(ctx).Warn("speech engine error", "code", f.Error)
	case s.state != StateRecording:
		s.mu.Unlock()
		return Preview{}, ErrNotRecording
	default:
		s.live.Apply(f)
		kind := "interim"
		if f.IsFinal {
			kind = "final"
		}
		s.metrics.RecordFragment(ctx, kind)
	}
	p := Preview{
		State:      s.state,
		Status:     s.status,
		Transcript: s.live.Text(),
		Interim:    s.live.Interim(),
	}
	r := s.roster
	s.mu.Unlock()

	p.Pairs = s.extract(ctx, p.Transcript, r)
	return p, nil
}

// Stop ends the recording and resolves the transcript. When the oracle is
// configured and enabled it is asked first; an oracle failure or an empty
// oracle answer falls back to local extraction. A cancelled or superseded
// oracle request merges nothing.
func (s *Session) Stop(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	s.live.CommitInterim()
	text := s.live.Text()
	r := s.roster
	useOracle := s.dispatcher != nil && s.prefs.UseOracle
	model := s.prefs.OracleModel
	if text == "" {
		s.state = StateIdle
		s.status = statusEmpty
		s.mu.Unlock()
		return Outcome{Source: SourceNone, Status: statusEmpty, Pairs: []transcript.ParsedPair{}}, nil
	}
	if useOracle {
		s.state = StateProcessing
		s.status = statusProcessing
	} else {
		s.state = StateIdle
	}
	s.mu.Unlock()

	log := observe.Logger(ctx)
	source := SourceLocal
	status := ""
	var pairs []transcript.ParsedPair

	if useOracle {
		var err error
		pairs, err = s.runOracle(ctx, oracle.Request{Transcript: text, Roster: r, Model: model})
		switch {
		case oracle.IsCancellation(err):
			log.Info("oracle request abandoned", "reason", err)
			return s.cancelled(err), nil
		case err != nil:
			log.Warn("oracle failed, using local extraction", "err", err)
			s.metrics.RecordOracleFallback(ctx, "error")
			status = statusOracleFailed
			pairs = nil
		case len(pairs) == 0:
			log.Info("oracle returned no usable rows, using local extraction")
			s.metrics.RecordOracleFallback(ctx, "empty")
			status = statusOracleEmpty
		default:
			source = SourceOracle
		}
	}
	if source == SourceLocal {
		pairs = s.extract(ctx, text, r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.registry.Merge(ctx, pairs)
	s.metrics.RecordMerge(ctx, source, res.Added, res.Updated)
	summary := statusNothingFound
	if len(pairs) > 0 {
		summary = mergeStatus(len(pairs), res)
	}
	if status == "" {
		status = summary
	} else {
		status += "；" + summary
	}
	s.settle(status)

	log.Info("recording resolved",
		"source", source, "pairs", len(pairs),
		"added", res.Added, "updated", res.Updated, "rejected", res.Rejected)
	return Outcome{Source: source, Status: status, Pairs: pairs, Merged: res}, nil
}

// runOracle sends req through the dispatcher under the optional timeout.
func (s *Session) runOracle(ctx context.Context, req oracle.Request) ([]transcript.ParsedPair, error) {
	if s.oracleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.oracleTimeout)
		defer cancel()
	}
	ctx, span := observe.StartSpan(ctx, "oracle.match")
	start := time.Now()
	pairs, err := s.dispatcher.Run(ctx, req)

	status := "ok"
	switch {
	case oracle.IsCancellation(err):
		status = "cancelled"
	case err != nil:
		status = "error"
	case len(pairs) == 0:
		status = "empty"
	}
	s.metrics.RecordOracle(ctx, status, time.Since(start))
	if oracle.IsCancellation(err) {
		observe.EndSpan(span, nil)
	} else {
		observe.EndSpan(span, err)
	}
	return pairs, err
}

// cancelled settles state after an abandoned oracle request. A superseded
// request leaves state to the newer one.
func (s *Session) cancelled(err error) Outcome {
	out := Outcome{Source: SourceCancelled, Pairs: []transcript.ParsedPair{}, Cancelled: true}
	s.mu.Lock()
	defer s.mu.Unlock()
	out.Status = s.status
	if errors.Is(err, oracle.ErrCancelled) {
		s.settle(statusCancelled)
		out.Status = statusCancelled
	}
	return out
}

// settle ends the processing phase of a Stop. A recording started while the
// oracle was busy owns the state and status from then on. Must be called
// with s.mu held.
func (s *Session) settle(status string) {
	if s.state == StateRecording {
		return
	}
	s.state = StateIdle
	s.status = status
}

// CancelOracle aborts the oracle request in flight and reports whether there
// was one.
func (s *Session) CancelOracle() bool {
	if s.dispatcher == nil {
		return false
	}
	return s.dispatcher.Cancel()
}

// ClearTranscript empties the live transcript. The registry is untouched.
func (s *Session) ClearTranscript(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live.Reset()
	s.status = statusCleared
	observe.Logger(ctx).Debug("transcript cleared")
}

// AddEntry appends an empty row.
func (s *Session) AddEntry(ctx context.Context) registry.Entry {
	return s.registry.Add(ctx)
}

// UpdateEntry patches the row with the given ID.
func (s *Session) UpdateEntry(ctx context.Context, id string, p registry.Patch) (registry.Entry, error) {
	return s.registry.Update(ctx, id, p)
}

// DeleteEntry removes the row with the given ID.
func (s *Session) DeleteEntry(ctx context.Context, id string) error {
	return s.registry.Delete(ctx, id)
}

// ClearEntries removes every row and returns how many were removed.
func (s *Session) ClearEntries(ctx context.Context) int {
	return s.registry.Clear(ctx)
}

func (s *Session) extract(ctx context.Context, text string, r *roster.Roster) []transcript.ParsedPair {
	start := time.Now()
	pairs := s.extractor.Load().Extract(text, r)
	s.metrics.RecordExtract(ctx, time.Since(start))
	return pairs
}

func engineStatus(code string) string {
	if msg, ok := engineErrors[code]; ok {
		return msg
	}
	return statusEnginePrefix + code
}

func mergeStatus(n int, res registry.Result) string {
	return fmt.Sprintf("已录入 %d 条成绩（新增 %d，更新 %d）", n, res.Added, res.Updated)
}
