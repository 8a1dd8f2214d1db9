package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/KafClaw/clawcore/internal/approval"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamBuffer = 32

// streamEvent is one frame sent to approval stream clients.
type streamEvent struct {
	Type    string            `json:"type"`
	Request *approval.Request `json:"request,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// streamReply is a client's answer to a pending request.
type streamReply struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// approvalStream sends the current pending requests, then every new or
// resolved request. Clients answer with streamReply frames.
func (s *Server) approvalStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("Gateway: websocket accept failed", "error", err)
		return
	}
	defer func() {
		if err := ws.Close(websocket.StatusNormalClosure, "stream ended"); err != nil {
			slog.Debug("Gateway: websocket close", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan streamEvent, streamBuffer)
	unsubscribe := s.approvals.Subscribe(func(req approval.Request) {
		ev := streamEvent{Type: "approval_resolved", Request: &req}
		if req.Outcome == approval.Pending {
			ev.Type = "approval_request"
		}
		select {
		case events <- ev:
		default:
			slog.Warn("Gateway: approval stream client is slow, dropping event", "id", req.ID)
		}
	})
	defer unsubscribe()

	for _, req := range s.approvals.Pending() {
		req := req
		if err := wsjson.Write(ctx, ws, streamEvent{Type: "approval_request", Request: &req}); err != nil {
			return
		}
	}

	go func() {
		defer cancel()
		s.readReplies(ctx, ws, events)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := wsjson.Write(ctx, ws, ev); err != nil {
				slog.Debug("Gateway: websocket write", "error", err)
				return
			}
		}
	}
}

func (s *Server) readReplies(ctx context.Context, ws *websocket.Conn, events chan<- streamEvent) {
	for {
		var reply streamReply
		if err := wsjson.Read(ctx, ws, &reply); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("Gateway: websocket read", "error", err)
			}
			return
		}
		var msg string
		if reply.ID == "" {
			msg = "id required"
		} else if err := s.approvals.Respond(reply.ID, reply.Approved); err != nil {
			msg = err.Error()
		}
		if msg == "" {
			continue
		}
		select {
		case events <- streamEvent{Type: "error", Error: msg}:
		case <-ctx.Done():
			return
		}
	}
}
