package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voicegrade/internal/observe"
	"github.com/MrWong99/voicegrade/internal/session"
	"github.com/MrWong99/voicegrade/internal/transcript"
)

// Stream message types. Clients send start, fragment, stop and cancel;
// the server answers with preview, outcome, cancelled and error.
const (
	msgStart     = "start"
	msgFragment  = "fragment"
	msgStop      = "stop"
	msgCancel    = "cancel"
	msgPreview   = "preview"
	msgOutcome   = "outcome"
	msgCancelled = "cancelled"
	msgError     = "error"
)

// inbound is a client message. Fragment fields are inlined so a bare
// {"isFinal":true,"transcript":"..."} object is accepted as a fragment.
type inbound struct {
	Type string `json:"type"`
	transcript.Fragment
}

// outbound is a server message. Exactly one payload field is set.
type outbound struct {
	Type      string           `json:"type"`
	Preview   *session.Preview `json:"preview,omitempty"`
	Outcome   *session.Outcome `json:"outcome,omitempty"`
	Cancelled *bool            `json:"cancelled,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// handleStream upgrades to a WebSocket and serves fragments until the client
// goes away. Stop runs in its own goroutine so a cancel message can reach the
// oracle request it is waiting on.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := observe.Logger(ctx)

	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)
	log.Info("stream opened", "remote", r.RemoteAddr)

	for {
		var msg inbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				log.Info("stream closed")
				return
			}
			log.Warn("stream read failed", "err", err)
			return
		}

		switch msg.Type {
		case msgStart:
			s.sess.Start(ctx)
			s.send(ctx, conn, outbound{Type: msgPreview, Preview: s.preview(ctx)})

		case "", msgFragment:
			p, err := s.sess.Apply(ctx, msg.Fragment)
			if err != nil {
				s.send(ctx, conn, outbound{Type: msgError, Error: err.Error()})
				continue
			}
			s.send(ctx, conn, outbound{Type: msgPreview, Preview: &p})

		case msgStop:
			go func() {
				out, err := s.sess.Stop(ctx)
				if err != nil {
					s.send(ctx, conn, outbound{Type: msgError, Error: err.Error()})
					return
				}
				s.send(ctx, conn, outbound{Type: msgOutcome, Outcome: &out})
			}()

		case msgCancel:
			ok := s.sess.CancelOracle()
			s.send(ctx, conn, outbound{Type: msgCancelled, Cancelled: &ok})

		default:
			s.send(ctx, conn, outbound{Type: msgError, Error: "unknown message type " + msg.Type})
		}
	}
}

// preview builds a preview from the current snapshot.
func (s *Server) preview(ctx context.Context) *session.Preview {
	snap := s.sess.Snapshot(ctx)
	return &session.Preview{
		State:      snap.State,
		Status:     snap.Status,
		Transcript: snap.Transcript,
		Interim:    snap.Interim,
		Pairs:      snap.Preview,
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, msg outbound) {
	if err := wsjson.Write(ctx, conn, msg); err != nil && ctx.Err() == nil {
		observe.Logger(ctx).Debug("stream write failed", "type", msg.Type, "err", err)
	}
}
