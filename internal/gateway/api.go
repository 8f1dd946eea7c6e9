// ABOUTME: HTTP API handlers for chat, session history, and session listing
// ABOUTME: Serves JSON endpoints plus the SSE streaming variant of chat

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley-gateway/internal/turn"
)

// ChatRequest is the body of POST /api/chat and POST /api/chat/stream.
// SessionID is optional; the gateway mints one when it is absent.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the reply from POST /api/chat.
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// historyMessage is one message in a history response.
type historyMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"`
}

// historyResponse is the body of GET /api/sessions/{id}/history.
type historyResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []historyMessage `json:"messages"`
}

// sessionSummary is one session in a listing response.
type sessionSummary struct {
	SessionID    string `json:"session_id"`
	MessageCount int64  `json:"message_count"`
	LastActivity string `json:"last_activity"`
}

// parseChatRequest parses and validates a ChatRequest from the given reader.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}
	return &req, nil
}

// orNewSession returns the requested session ID, minting a fresh one when
// the client did not choose.
func orNewSession(sessionID string) string {
	if sessionID == "" {
		return uuid.New().String()
	}
	return sessionID
}

// turnErrorStatus maps a failed turn to an HTTP status: the gateway is at
// fault for store trouble, the upstream for generation trouble, and a
// canceled wait for the session lock means the service was too busy for the
// client's patience.
func turnErrorStatus(err error) int {
	var terr *turn.Error
	if !errors.As(err, &terr) {
		return http.StatusInternalServerError
	}
	switch terr.Stage {
	case turn.StageLock:
		return http.StatusServiceUnavailable
	case turn.StageGenerate:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleChat serves POST /api/chat: one complete turn, reply in the
// response body.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessionID := orNewSession(req.SessionID)

	reply, err := g.engine.Run(r.Context(), turn.Request{
		SessionID: sessionID,
		Text:      req.Message,
		Mode:      turn.ModeHTTP,
	})
	if err != nil {
		g.logger.Error("chat turn failed", "session_id", sessionID, "error", err)
		g.sendJSONError(w, turnErrorStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ChatResponse{Response: reply, SessionID: sessionID})
}

// handleChatStream serves POST /api/chat/stream: one turn streamed as SSE.
// The first event names the session so clients learn minted IDs; then token
// events carry fragments and a single complete or error event ends the turn.
func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessionID := orNewSession(req.SessionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "session", map[string]string{"session_id": sessionID})
	flusher.Flush()

	events := g.engine.Stream(r.Context(), turn.Request{
		SessionID: sessionID,
		Text:      req.Message,
		Mode:      turn.ModeSSE,
	})
	g.relaySSE(r.Context(), w, flusher, sessionID, events)
}

// relaySSE writes turn events to the response as SSE. If the client goes
// away mid-turn the remaining events are drained so the turn finishes and
// persists server-side.
func (g *Gateway) relaySSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, events <-chan turn.Event) {
	clientGone := false
	for ev := range events {
		if clientGone {
			continue
		}
		select {
		case <-ctx.Done():
			clientGone = true
			g.logger.Info("client disconnected mid-turn, finishing server-side", "session_id", sessionID)
			continue
		default:
		}

		switch ev.Kind {
		case turn.EventFragment:
			g.writeSSEEvent(w, "token", map[string]string{"content": ev.Fragment})
		case turn.EventComplete:
			g.writeSSEEvent(w, "complete", map[string]string{})
		case turn.EventError:
			g.writeSSEEvent(w, "error", map[string]string{"detail": ev.Err.Error()})
		}
		flusher.Flush()
	}
}

// handleListSessions serves GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Parse optional limit parameter (default 100, max 1000)
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > 1000 {
			limit = 1000
		}
	}

	infos, err := g.store.ListSessions(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	sessions := make([]sessionSummary, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, sessionSummary{
			SessionID:    info.SessionID,
			MessageCount: info.MessageCount,
			LastActivity: info.LastActivity.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleSessionHistory serves GET /api/sessions/{id}/history. The optional
// since query parameter returns only messages with a sequence number
// greater than the given value, which lets reconnecting clients catch up.
func (g *Gateway) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	sessionID := strings.TrimSuffix(path, "/history")
	if sessionID == path {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if sessionID == "" || strings.Contains(sessionID, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	since := int64(-1)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		since = parsed
	}

	msgs, err := g.store.GetMessagesSince(r.Context(), sessionID, since)
	if err != nil {
		g.logger.Error("failed to read history", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := historyResponse{SessionID: sessionID, Messages: make([]historyMessage, 0, len(msgs))}
	for _, msg := range msgs {
		resp.Messages = append(resp.Messages, historyMessage{
			Role:      msg.Role,
			Content:   msg.Content,
			Seq:       msg.Seq,
			Timestamp: msg.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeSSEEvent writes a single SSE event with JSON data.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
