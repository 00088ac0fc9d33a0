// Package mcptool exposes grade extraction as an MCP tool so assistants can
// turn a dictated transcript into grade rows without the web UI.
//
// The single tool, "extract_scores", takes a roster and a transcript and
// returns the parsed pairs together with the rows they would produce in an
// empty grade table.
package mcptool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicegrade/internal/observe"
	"github.com/MrWong99/voicegrade/internal/registry"
	"github.com/MrWong99/voicegrade/internal/roster"
	"github.com/MrWong99/voicegrade/internal/transcript"
	"github.com/MrWong99/voicegrade/internal/transcript/oracle"
)

// ToolName is the name the tool is registered under.
const ToolName = "extract_scores"

// Input is the tool argument object.
type Input struct {
	Roster     string `json:"roster" jsonschema:"class roster, one student per line as '[id] name'"`
	Transcript string `json:"transcript" jsonschema:"dictated grading transcript, e.g. '张三 95 李四 得 88'"`
	UseOracle  bool   `json:"use_oracle,omitempty" jsonschema:"resolve the transcript with the remote oracle when one is configured"`
	Model      string `json:"model,omitempty" jsonschema:"oracle model override"`
}

// Output is the structured tool result.
type Output struct {
	// Source is "local" or "oracle".
	Source  string                  `json:"source"`
	Pairs   []transcript.ParsedPair `json:"pairs"`
	Entries []registry.Entry        `json:"entries"`

	// Unmatched counts pairs whose subject is not on the roster.
	Unmatched int `json:"unmatched"`
}

// Option is a functional option for [Register] and [NewServer].
type Option func(*tool)

// WithExtractor sets the local extractor. Default: [transcript.NewExtractor].
func WithExtractor(e *transcript.Extractor) Option {
	return func(t *tool) {
		if e != nil {
			t.extractor = e
		}
	}
}

// WithOracle enables the use_oracle argument. Oracle failures fall back to
// local extraction.
func WithOracle(o oracle.Oracle) Option {
	return func(t *tool) { t.oracle = o }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *tool) {
		if m != nil {
			t.metrics = m
		}
	}
}

type tool struct {
	extractor *transcript.Extractor
	oracle    oracle.Oracle
	metrics   *observe.Metrics
}

// NewServer returns an MCP server with the extract_scores tool registered.
func NewServer(version string, opts ...Option) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: "voicegrade", Version: version}, nil)
	Register(s, opts...)
	return s
}

// Register adds the extract_scores tool to s.
func Register(s *mcp.Server, opts ...Option) {
	t := &tool{extractor: transcript.NewExtractor()}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolName,
		Description: "Extract (student, score) pairs from a Chinese grading transcript, resolving names against the roster.",
	}, t.handle)
}

var errEmptyTranscript = errors.New("mcptool: transcript is empty")

func (t *tool) handle(ctx context.Context, _ *mcp.CallToolRequest, in Input) (*mcp.CallToolResult, Output, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "mcptool."+ToolName)

	out, err := t.run(ctx, in)

	status := "ok"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordToolCall(ctx, ToolName, status)
	t.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", ToolName)),
	)
	observe.EndSpan(span, err)
	return nil, out, err
}

func (t *tool) run(ctx context.Context, in Input) (Output, error) {
	text := transcript.Normalize(in.Transcript)
	if text == "" {
		return Output{}, errEmptyTranscript
	}
	r := roster.Parse(in.Roster)
	log := observe.Logger(ctx)

	source := "local"
	var pairs []transcript.ParsedPair
	if in.UseOracle && t.oracle != nil {
		got, err := t.oracle.Match(ctx, oracle.Request{Transcript: in.Transcript, Roster: r, Model: in.Model})
		switch {
		case err != nil:
			log.Warn("oracle failed, using local extraction", "err", err)
		case len(got) == 0:
			log.Info("oracle returned no pairs, using local extraction")
		default:
			source, pairs = oracle.SourceOracle, got
		}
	}
	if pairs == nil {
		pairs = t.extractor.Extract(in.Transcript, r)
	}
	if pairs == nil {
		pairs = []transcript.ParsedPair{}
	}

	entries, res := registry.Merge(nil, pairs)
	if entries == nil {
		entries = []registry.Entry{}
	}
	unmatched := 0
	for _, p := range pairs {
		if p.MatchType == transcript.MatchRaw {
			unmatched++
		}
	}
	log.Debug("extract_scores done", slog.String("source", source), slog.Int("pairs", len(pairs)), slog.Int("added", res.Added))
	return Output{Source: source, Pairs: pairs, Entries: entries, Unmatched: unmatched}, nil
}
