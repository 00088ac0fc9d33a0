package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/voicegrade/internal/roster"
	"github.com/MrWong99/voicegrade/internal/transcript"
	"github.com/MrWong99/voicegrade/pkg/provider/llm"
)

const (
	defaultTemperature = 0.1

	// SourceOracle is the [transcript.ParsedPair] Source of oracle results.
	SourceOracle = "oracle"
)

const systemPrompt = `你是一名助教，负责把老师口述的成绩记录整理成结构化数据。

规则：
- 只从转写文本中提取"学生 + 分数"的记录。
- 学生必须出现在给定的名单中，姓名和学号必须与名单完全一致；名单中没有学号的学生，studentId 返回空字符串。
- 语音识别可能把名字听错（同音字、近音字），请根据名单纠正。
- 分数是 0 到 100 之间的整数；中文数字请转换为阿拉伯数字。
- 同一学生出现多次时，以最后一次为准。

只输出一个 JSON 数组，不要输出任何解释或 Markdown：
[{"studentId": "202401", "name": "张三", "score": 95}]
没有可提取的记录时输出 []。`

// Option is a functional option for configuring an [LLM] oracle.
type Option func(*LLM)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(o *LLM) {
		o.temperature = temp
	}
}

// LLM is an [Oracle] backed by an [llm.Provider]. It is safe for concurrent
// use.
type LLM struct {
	llm         llm.Provider
	temperature float64
}

var _ Oracle = (*LLM)(nil)

// New returns an [LLM] oracle backed by provider.
func New(provider llm.Provider, opts ...Option) *LLM {
	o := &LLM{
		llm:         provider,
		temperature: defaultTemperature,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Match asks the model to resolve req.Transcript against req.Roster and
// returns the validated pairs. A reply without a JSON array yields
// [ErrNoArray]; a reply whose records all fail validation yields an empty
// slice and a nil error.
func (o *LLM) Match(ctx context.Context, req Request) ([]transcript.ParsedPair, error) {
	prompt, err := buildUserPrompt(req.Transcript, req.Roster)
	if err != nil {
		return nil, err
	}

	resp, err := o.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Model:        req.Model,
		Temperature:  o.temperature,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: complete: %w", err)
	}
	if resp == nil {
		return nil, ErrNoArray
	}

	triples, err := parseReply(resp.Content)
	if err != nil {
		return nil, err
	}
	return validate(ctx, triples, req.Roster), nil
}

// buildUserPrompt embeds the JSON-encoded roster and the transcript.
func buildUserPrompt(text string, r *roster.Roster) (string, error) {
	entries := r.Entries()
	if entries == nil {
		entries = []roster.Entry{}
	}
	rosterJSON, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("oracle: encode roster: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("名单：\n")
	sb.Write(rosterJSON)
	sb.WriteString("\n\n转写文本：\n")
	sb.WriteString(text)
	return sb.String(), nil
}

// triple is one record as returned by the model, before validation.
type triple struct {
	StudentID flexString `json:"studentId"`
	Name      string     `json:"name"`
	Score     flexNumber `json:"score"`
}

// parseReply extracts the span from the first '[' to the last ']' and decodes
// it element by element, so one malformed element does not void the rest.
func parseReply(content string) ([]triple, error) {
	start := strings.IndexByte(content, '[')
	end := strings.LastIndexByte(content, ']')
	if start < 0 || end < start {
		return nil, ErrNoArray
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoArray, err)
	}

	out := make([]triple, 0, len(raw))
	for _, r := range raw {
		var t triple
		if err := json.Unmarshal(r, &t); err != nil {
			slog.Debug("oracle: skipping malformed record", "record", string(r), "err", err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// validate keeps only triples that name a roster student with a matching id
// and carry a finite score.
func validate(ctx context.Context, triples []triple, r *roster.Roster) []transcript.ParsedPair {
	pairs := make([]transcript.ParsedPair, 0, len(triples))
	for _, t := range triples {
		name := roster.NormalizeStudentName(t.Name)
		id := roster.NormalizeStudentID(string(t.StudentID))
		if id == "" && strings.TrimSpace(string(t.StudentID)) != "" {
			slog.DebugContext(ctx, "oracle: dropping record with unreadable id", "name", t.Name, "student_id", string(t.StudentID))
			continue
		}

		entry, ok := lookup(r, name, id)
		if !ok {
			slog.DebugContext(ctx, "oracle: dropping record not on roster", "name", t.Name, "student_id", string(t.StudentID))
			continue
		}
		if !t.Score.valid || math.IsNaN(t.Score.value) || math.IsInf(t.Score.value, 0) {
			slog.DebugContext(ctx, "oracle: dropping record with invalid score", "name", name)
			continue
		}

		pairs = append(pairs, transcript.ParsedPair{
			StudentID:    entry.StudentID,
			Name:         entry.Name,
			RawStudentID: id,
			RawName:      t.Name,
			Score:        clamp(t.Score.value),
			MatchType:    transcript.MatchExact,
			Confidence:   1,
			Source:       SourceOracle,
		})
	}
	return transcript.Dedupe(pairs)
}

// lookup finds the roster entry called name whose id equals id.
func lookup(r *roster.Roster, name, id string) (roster.Entry, bool) {
	if name == "" {
		return roster.Entry{}, false
	}
	for _, e := range r.Named(name) {
		if e.StudentID == id {
			return e, true
		}
	}
	return roster.Entry{}, false
}

func clamp(v float64) int {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v)
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("oracle: studentId: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// flexNumber accepts a JSON number or a numeric string. Anything else leaves
// it invalid without failing the surrounding record.
type flexNumber struct {
	value float64
	valid bool
}

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	*f = flexNumber{}
	if string(b) == "null" {
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err == nil {
		f.value, f.valid = v, true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	f.value, f.valid = v, true
	return nil
}
