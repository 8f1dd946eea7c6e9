// ABOUTME: WebSocket chat transport speaking the token/complete/error protocol
// ABOUTME: One connection serves sequential turns against a single session

package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley-gateway/internal/metrics"
	"github.com/parleyhq/parley-gateway/internal/turn"
)

const (
	// writeTimeout bounds any single write to the socket.
	writeTimeout = 10 * time.Second

	// pingInterval must stay well under pongTimeout so a healthy client
	// always refreshes the read deadline in time.
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second

	// maxMessageBytes caps inbound frames.
	maxMessageBytes = 1 << 20
)

// clientMessage is the only payload clients send: the next user message.
type clientMessage struct {
	Message string `json:"message"`
}

// serverUnit is one protocol unit sent to the client. Type is "token",
// "complete", or "error"; token units carry Content, error units Detail.
type serverUnit struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Handler upgrades /ws/chat/{session_id} requests and relays turn events
// over the socket.
type Handler struct {
	engine   *turn.Engine
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the WebSocket chat handler. metrics may be nil.
func NewHandler(engine *turn.Engine, m *metrics.Metrics) *Handler {
	return &Handler{
		engine:  engine,
		metrics: m,
		logger:  slog.Default().With("component", "stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gateway fronts its own clients; origin policy is left to
			// the deployment (tailnet or reverse proxy).
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler for paths of the form
// /ws/chat/{session_id}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/chat/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.metrics.IncActiveStreams()
	defer h.metrics.DecActiveStreams()

	logger := h.logger.With("session_id", sessionID, "remote", r.RemoteAddr)
	logger.Info("stream opened")

	c := newWSConn(conn, logger)
	go c.writePump()
	go c.readPump()

	h.serve(r, c, sessionID, logger)
	c.shutdown()
	logger.Info("stream closed")
}

// serve processes client frames strictly in order: the next frame is not
// acted on until the current turn's terminal unit has been queued. The read
// pump keeps answering pings in the background meanwhile.
func (h *Handler) serve(r *http.Request, c *wsConn, sessionID string, logger *slog.Logger) {
	for data := range c.inbound {
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !c.send(serverUnit{Type: "error", Detail: "invalid message"}) {
				return
			}
			continue
		}
		// An empty message starts no turn
		if strings.TrimSpace(msg.Message) == "" {
			continue
		}

		h.runTurn(r, c, sessionID, msg.Message, logger)
	}
}

// runTurn relays one turn's events to the socket. If the client goes away
// mid-turn the events are drained anyway so the turn finishes and persists
// server-side; a later history read shows the full exchange.
func (h *Handler) runTurn(r *http.Request, c *wsConn, sessionID, text string, logger *slog.Logger) {
	events := h.engine.Stream(r.Context(), turn.Request{
		SessionID: sessionID,
		Text:      text,
		Mode:      turn.ModeWebSocket,
	})

	clientGone := false
	for ev := range events {
		if clientGone {
			continue
		}
		var unit serverUnit
		switch ev.Kind {
		case turn.EventFragment:
			unit = serverUnit{Type: "token", Content: ev.Fragment}
		case turn.EventComplete:
			unit = serverUnit{Type: "complete"}
		case turn.EventError:
			unit = serverUnit{Type: "error", Detail: ev.Err.Error()}
		}
		if !c.send(unit) {
			clientGone = true
			logger.Info("client disconnected mid-turn, finishing server-side")
		}
	}
}

// wsConn owns one upgraded socket. Frames arrive on inbound; everything
// written to the socket, protocol units and pings alike, goes through the
// writer goroutine so writes never interleave.
type wsConn struct {
	conn       *websocket.Conn
	inbound    chan []byte
	outbound   chan serverUnit
	writerDone chan struct{}
	logger     *slog.Logger
}

func newWSConn(conn *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{
		conn:       conn,
		inbound:    make(chan []byte, 8),
		outbound:   make(chan serverUnit, 32),
		writerDone: make(chan struct{}),
		logger:     logger,
	}
}

// readPump feeds client frames into inbound and keeps the read deadline
// fresh from pongs. It closes inbound when the client goes away.
func (c *wsConn) readPump() {
	defer close(c.inbound)

	c.conn.SetReadLimit(maxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		select {
		case c.inbound <- data:
		case <-c.writerDone:
			return
		}
	}
}

// writePump is the socket's only writer. It drains outbound and keeps the
// client alive with pings; closing outbound flushes whatever is queued and
// ends the connection with a close frame.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case unit, ok := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(unit); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send queues a unit for the writer. False means the writer is gone and the
// unit was dropped, which is the relay's signal that the client went away.
func (c *wsConn) send(unit serverUnit) bool {
	select {
	case <-c.writerDone:
		return false
	default:
	}
	select {
	case c.outbound <- unit:
		return true
	case <-c.writerDone:
		return false
	}
}

// shutdown flushes queued units, sends the close frame, and waits for the
// writer to exit. The caller closes the socket afterwards, which stops the
// read pump.
func (c *wsConn) shutdown() {
	close(c.outbound)
	<-c.writerDone
}
