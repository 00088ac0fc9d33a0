// Package api exposes a [session.Session] over HTTP.
//
// Plain JSON endpoints cover every session operation. The /api/stream
// WebSocket carries speech fragments from the browser and pushes a preview
// back after each one, which keeps the table current while the grader is
// still talking.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voicegrade/internal/export"
	"github.com/MrWong99/voicegrade/internal/observe"
	"github.com/MrWong99/voicegrade/internal/registry"
	"github.com/MrWong99/voicegrade/internal/session"
	"github.com/MrWong99/voicegrade/internal/transcript"
)

// maxBodyBytes bounds request bodies. Rosters are the largest payload.
const maxBodyBytes = 1 << 20

// Option is a functional option for [New].
type Option func(*Server)

// WithExportTitle sets the source of the default sheet title. It is read on
// every export so configuration reloads take effect immediately.
func WithExportTitle(fn func() string) Option {
	return func(s *Server) {
		if fn != nil {
			s.title = fn
		}
	}
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the clock used for export dates.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server serves the grading API for one session.
type Server struct {
	sess    *session.Session
	title   func() string
	now     func() time.Time
	metrics *observe.Metrics
}

// New returns a [Server] for sess.
func New(sess *session.Session, opts ...Option) *Server {
	s := &Server{
		sess:  sess,
		title: func() string { return export.DefaultTitle },
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", s.handleSnapshot)
	mux.HandleFunc("PUT /api/roster", s.handleRoster)
	mux.HandleFunc("PUT /api/preferences", s.handlePreferences)
	mux.HandleFunc("POST /api/recording/start", s.handleStart)
	mux.HandleFunc("POST /api/recording/fragment", s.handleFragment)
	mux.HandleFunc("POST /api/recording/stop", s.handleStop)
	mux.HandleFunc("POST /api/oracle/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /api/transcript", s.handleClearTranscript)
	mux.HandleFunc("POST /api/entries", s.handleAddEntry)
	mux.HandleFunc("PATCH /api/entries/{id}", s.handleUpdateEntry)
	mux.HandleFunc("DELETE /api/entries/{id}", s.handleDeleteEntry)
	mux.HandleFunc("DELETE /api/entries", s.handleClearEntries)
	mux.HandleFunc("GET /api/export.xlsx", s.handleExport)
	mux.HandleFunc("GET /api/stream", s.handleStream)
}

// Handler returns a mux with the API routes mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Snapshot(r.Context()))
}

type rosterRequest struct {
	Text string `json:"text"`
}

type rosterResponse struct {
	Count    int  `json:"count"`
	HasIDs   bool `json:"hasIds"`
	Snapshot any  `json:"snapshot"`
}

// handleRoster accepts the roster either as a JSON {"text": ...} object or
// as a plain text body.
func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	text := string(body)
	if isJSON(r) {
		var req rosterRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		text = req.Text
	}

	ros, err := s.sess.SetRoster(r.Context(), text)
	if err != nil {
		observe.Logger(r.Context()).Error("failed to save roster", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save roster")
		return
	}
	writeJSON(w, http.StatusOK, rosterResponse{
		Count:    ros.Len(),
		HasIDs:   ros.HasIDs(),
		Snapshot: s.sess.Snapshot(r.Context()),
	})
}

type preferencesRequest struct {
	UseOracle   bool   `json:"use_oracle"`
	OracleModel string `json:"oracle_model"`
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.sess.SetPreferences(r.Context(), req.UseOracle, strings.TrimSpace(req.OracleModel)); err != nil {
		observe.Logger(r.Context()).Error("failed to save preferences", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}
	writeJSON(w, http.StatusOK, s.sess.Snapshot(r.Context()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.sess.Start(r.Context())
	writeJSON(w, http.StatusOK, s.sess.Snapshot(r.Context()))
}

func (s *Server) handleFragment(w http.ResponseWriter, r *http.Request) {
	var f transcript.Fragment
	if !decode(w, r, &f) {
		return
	}
	preview, err := s.sess.Apply(r.Context(), f)
	if errors.Is(err, session.ErrNotRecording) {
		writeError(w, http.StatusConflict, "not recording")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// handleStop blocks until the transcript is resolved, which includes the
// oracle round trip when one is used.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	out, err := s.sess.Stop(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: s.sess.CancelOracle()})
}

func (s *Server) handleClearTranscript(w http.ResponseWriter, r *http.Request) {
	s.sess.ClearTranscript(r.Context())
	writeJSON(w, http.StatusOK, s.sess.Snapshot(r.Context()))
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, s.sess.AddEntry(r.Context()))
}

// entryPatch is the PATCH body. A JSON null score clears the score; an
// absent score leaves it unchanged.
type entryPatch struct {
	StudentID *string         `json:"studentId"`
	Name      *string         `json:"name"`
	Score     json.RawMessage `json:"score"`
}

func (p entryPatch) toPatch() (registry.Patch, error) {
	out := registry.Patch{StudentID: p.StudentID, Name: p.Name}
	switch raw := strings.TrimSpace(string(p.Score)); raw {
	case "":
	case "null":
		out.ClearScore = true
	default:
		var v int
		if err := json.Unmarshal(p.Score, &v); err != nil {
			return registry.Patch{}, errors.New("score must be an integer or null")
		}
		out.Score = &v
	}
	return out, nil
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	var body entryPatch
	if !decode(w, r, &body) {
		return
	}
	patch, err := body.toPatch()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := s.sess.UpdateEntry(r.Context(), r.PathValue("id"), patch)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	err := s.sess.DeleteEntry(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type clearResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handleClearEntries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, clearResponse{Removed: s.sess.ClearEntries(r.Context())})
}

// handleExport streams the registry as an xlsx workbook. The optional query
// parameters are title (the homework title in the metadata row) and date
// (YYYY-MM-DD, default today).
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := s.now()
	if d := q.Get("date"); d != "" {
		parsed, err := time.ParseInLocation(export.DateLayout, d, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}
	meta := export.Meta{
		Title:    s.title(),
		Homework: strings.TrimSpace(q.Get("title")),
		Date:     date,
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": export.Filename(date),
	}))
	if err := export.WriteXLSX(w, s.sess.Entries(), meta); err != nil {
		// Headers are already out; the client sees a truncated body.
		observe.Logger(r.Context()).Error("failed to write export", "err", err)
	}
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// decode reads a JSON body into v and writes a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode response", "err", err)
	}
}
