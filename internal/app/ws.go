package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"postwork/api/internal/collab"
	"postwork/api/internal/rbac"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 45 * time.Second
	wsMaxMessage   = 1 << 20
)

// clientMessage is one inbound socket frame.
type clientMessage struct {
	Type string       `json:"type"`
	Edit *collab.Edit `json:"edit,omitempty"`
}

// serverReply answers a single client frame. Room events are written as-is.
type serverReply struct {
	Type     string             `json:"type"`
	Revision int64              `json:"revision,omitempty"`
	Outcome  string             `json:"outcome,omitempty"`
	Version  *collab.VersionRef `json:"version,omitempty"`
	Code     string             `json:"code,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// requestToken reads the bearer token, falling back to ?token= on socket
// upgrades since browsers cannot set headers there.
func requestToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	if websocket.IsWebSocketUpgrade(r) {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || s.corsOrigin == "*" {
				return true
			}
			for _, allowed := range strings.Split(s.corsOrigin, ",") {
				if strings.TrimSpace(allowed) == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleRoomSocket joins the caller to the room before upgrading so a denied
// join is a plain HTTP error.
func (s *HTTPServer) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	h, level, err := s.service.JoinRoom(r.Context(), session, chi.URLParam(r, "pid"), chi.URLParam(r, "vid"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.service.LeaveRoom(h)
		s.log.Warn().Err(err).Str("request_id", requestIDFrom(r.Context())).Msg("websocket upgrade failed")
		return
	}

	cfg := s.service.cfg
	limit := rate.Limit(cfg.WSEditsPerSecond)
	if cfg.WSEditsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.WSEditBurst
	if burst <= 0 {
		burst = 1
	}
	c := &roomConn{
		server:  s,
		conn:    conn,
		handle:  h,
		level:   level,
		limiter: rate.NewLimiter(limit, burst),
		replies: make(chan serverReply, 16),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	key := h.Key()
	log := s.log.Room(key.ProjectID, key.VersionID)
	log.Debug().Str("user_id", session.UserID).Str("role", string(level)).Msg("socket joined")

	go c.writeLoop()
	c.readLoop(context.WithoutCancel(r.Context()))
	log.Debug().Str("user_id", session.UserID).Msg("socket left")
}

type roomConn struct {
	server  *HTTPServer
	conn    *websocket.Conn
	handle  *collab.Handle
	level   rbac.Level
	limiter *rate.Limiter
	replies chan serverReply
	// done closes when the read side exits, stopped when the writer does.
	done    chan struct{}
	stopped chan struct{}
}

// readLoop handles client frames until the socket fails, then leaves the room.
func (c *roomConn) readLoop(ctx context.Context) {
	defer func() {
		close(c.done)
		c.server.service.LeaveRoom(c.handle)
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.server.service.TouchRoom(c.handle)
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.server.service.TouchRoom(c.handle)

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(serverReply{Type: "error", Code: "INVALID_MESSAGE", Error: "invalid JSON message"})
			continue
		}
		if !c.limiter.Allow() {
			c.server.metrics.RecordWSRateLimited()
			c.reply(serverReply{Type: "error", Code: "RATE_LIMITED", Error: "too many messages"})
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *roomConn) dispatch(ctx context.Context, msg clientMessage) {
	service := c.server.service
	switch msg.Type {
	case "ping":
		c.reply(serverReply{Type: "pong"})
	case "edit":
		if msg.Edit == nil {
			c.reply(serverReply{Type: "error", Code: "INVALID_MESSAGE", Error: "edit is required"})
			return
		}
		revision, err := service.ApplyEdit(c.handle, c.level, *msg.Edit)
		if err != nil {
			c.replyError(err)
			return
		}
		c.reply(serverReply{Type: "ack", Revision: revision})
	case "commit":
		version, outcome, err := service.CommitHandle(ctx, c.handle, c.level)
		if err != nil {
			c.replyError(err)
			return
		}
		c.reply(serverReply{
			Type:    "commit",
			Outcome: string(outcome),
			Version: &collab.VersionRef{ID: version.ID, Seq: version.Seq},
		})
	default:
		c.reply(serverReply{Type: "error", Code: "UNKNOWN_TYPE", Error: "unknown message type"})
	}
}

func (c *roomConn) replyError(err error) {
	_, code, message, _ := mapError(err)
	c.reply(serverReply{Type: "error", Code: code, Error: message})
}

func (c *roomConn) reply(r serverReply) {
	select {
	case c.replies <- r:
	case <-c.stopped:
	}
}

// writeLoop is the only writer on the connection. It ends when the room
// closes the handle's event stream or the read side gives up.
func (c *roomConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		close(c.stopped)
		_ = c.conn.Close()
	}()

	events := c.handle.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room closed"))
				return
			}
			if !c.write(ev) {
				return
			}
		case r := <-c.replies:
			if !c.write(r) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *roomConn) write(v any) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v) == nil
}
