package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 45 * time.Second
	wsMaxMessage   = 1 << 20
)

// Client frame types.
const (
	wsTypeMessage = "message"
	wsTypeClear   = "clear"
	wsTypeStats   = "stats"
)

// Server frame types.
const (
	wsTypeSession = "session"
	wsTypeReply   = "reply"
	wsTypeCleared = "cleared"
	wsTypeError   = "error"
)

// wsClientFrame is what a WebSocket client sends.
type wsClientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsServerFrame is what the server sends back. Exactly one frame answers
// each client frame.
type wsServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Content   string `json:"content,omitempty"`
	Code      string `json:"code,omitempty"`
	Stats     any    `json:"stats,omitempty"`
}

func newUpgrader(allowAnyOrigin bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAnyOrigin {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
}

// serveWS binds a connection to one session, given by the "session" query
// parameter or generated when absent, and answers frames in order.
func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.StartOrResumeSession(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h.metrics.SessionEvent("ws_connected")
	defer h.metrics.SessionEvent("ws_disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go keepAlive(ctx, conn)

	id := sum.ID
	if !h.writeFrame(conn, wsServerFrame{Type: wsTypeSession, SessionID: id}) {
		return
	}

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		var frame wsClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "session_id", id, "error", err)
			}
			return
		}
		h.metrics.WSMessage("inbound", frame.Type)

		reply := h.handleFrame(ctx, id, frame)
		if !h.writeFrame(conn, reply) {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	}
}

func (h *handler) handleFrame(ctx context.Context, id string, frame wsClientFrame) wsServerFrame {
	switch frame.Type {
	case wsTypeMessage:
		reply, err := h.svc.SendMessage(ctx, id, frame.Content)
		if err != nil {
			return errorFrame(id, err)
		}
		return wsServerFrame{Type: wsTypeReply, SessionID: id, Content: reply}
	case wsTypeClear:
		if err := h.svc.ClearSession(ctx, id); err != nil {
			return errorFrame(id, err)
		}
		return wsServerFrame{Type: wsTypeCleared, SessionID: id}
	case wsTypeStats:
		st, err := h.svc.SessionStats(ctx, id)
		if err != nil {
			return errorFrame(id, err)
		}
		return wsServerFrame{Type: wsTypeStats, SessionID: id, Stats: st}
	}
	return wsServerFrame{Type: wsTypeError, SessionID: id, Code: "invalid_client_message", Content: "unknown frame type " + frame.Type}
}

func errorFrame(id string, err error) wsServerFrame {
	_, code := classify(err)
	return wsServerFrame{Type: wsTypeError, SessionID: id, Code: code, Content: err.Error()}
}

func (h *handler) writeFrame(conn *websocket.Conn, f wsServerFrame) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(f); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			slog.Debug("websocket write failed", "session_id", f.SessionID, "error", err)
		}
		return false
	}
	h.metrics.WSMessage("outbound", f.Type)
	return true
}

// keepAlive pings until ctx ends. WriteControl may run concurrently with
// the handler's writes.
func keepAlive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(wsPingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
