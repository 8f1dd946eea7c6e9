// ABOUTME: Go client for the gateway's HTTP API
// ABOUTME: Single-shot chat, SSE streaming, history and session reads, health

package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Client talks to a running gateway over HTTP. It carries no retry or
// timeout policy; callers bound each call with its context.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the gateway at baseURL, e.g.
// "http://localhost:8000".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// ChatResponse is the reply to a single-shot chat turn.
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// HistoryMessage is one message in a session's history.
type HistoryMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"`
}

// History is a session's message history.
type History struct {
	SessionID string           `json:"session_id"`
	Messages  []HistoryMessage `json:"messages"`
}

// SessionSummary is one session in a listing.
type SessionSummary struct {
	SessionID    string `json:"session_id"`
	MessageCount int64  `json:"message_count"`
	LastActivity string `json:"last_activity"`
}

// TurnError is a turn the gateway reported as failed over a stream.
type TurnError struct {
	Detail string
}

func (e *TurnError) Error() string { return e.Detail }

// chatRequest is the body of the chat endpoints.
type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// SendMessage runs one complete turn via POST /api/chat and returns the
// assistant's reply. An empty sessionID lets the gateway mint one; the
// response carries the id the turn ran under.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string) (*ChatResponse, error) {
	body, err := json.Marshal(chatRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// StreamMessage runs one turn via POST /api/chat/stream, calling onFragment
// for each token in order. It returns the session id the turn ran under once
// the stream ends. A turn the gateway failed surfaces as a *TurnError; an
// error from onFragment aborts the stream and is returned as-is.
func (c *Client) StreamMessage(ctx context.Context, sessionID, message string, onFragment func(content string) error) (string, error) {
	body, err := json.Marshal(chatRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}

	turnSession := sessionID
	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event == "" {
				continue
			}
			done, err := dispatchEvent(event, data, &turnSession, onFragment)
			if done || err != nil {
				return turnSession, err
			}
			event, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil {
		return turnSession, fmt.Errorf("reading stream: %w", err)
	}
	return turnSession, errors.New("stream ended before completion")
}

// dispatchEvent handles one SSE event. done reports that a terminal event
// arrived.
func dispatchEvent(event, data string, turnSession *string, onFragment func(string) error) (done bool, err error) {
	switch event {
	case "session":
		var payload struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err == nil && payload.SessionID != "" {
			*turnSession = payload.SessionID
		}
		return false, nil
	case "token":
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return false, fmt.Errorf("decoding token event: %w", err)
		}
		return false, onFragment(payload.Content)
	case "complete":
		return true, nil
	case "error":
		var payload struct {
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return true, fmt.Errorf("decoding error event: %w", err)
		}
		return true, &TurnError{Detail: payload.Detail}
	default:
		// Unknown event types are skipped so the protocol can grow
		return false, nil
	}
}

// GetHistory reads a session's messages via GET /api/sessions/{id}/history.
// sinceSeq limits the read to messages with a greater sequence number; pass
// a negative value for the full history.
func (c *Client) GetHistory(ctx context.Context, sessionID string, sinceSeq int64) (*History, error) {
	url := c.baseURL + "/api/sessions/" + sessionID + "/history"
	if sinceSeq >= 0 {
		url += "?since=" + strconv.FormatInt(sinceSeq, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var out History
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// ListSessions lists known sessions via GET /api/sessions, most recently
// active first. limit caps the listing; pass 0 for the server default.
func (c *Client) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	url := c.baseURL + "/api/sessions"
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var out struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return out.Sessions, nil
}

// Health probes GET /health and returns nil when the gateway answers OK.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy [%d]", resp.StatusCode)
	}
	return nil
}

// apiError turns a non-200 response into an error, preferring the JSON
// {"error": ...} body the gateway sends.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("gateway error [%d]: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("gateway error [%d]: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
