// ABOUTME: Interactive terminal client for chatting through parley-gateway.
// ABOUTME: Speaks the WebSocket token protocol by default, SSE with -sse.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func main() {
	// Parse command line flags
	server := flag.String("server", "http://localhost:8000", "Gateway server URL")
	session := flag.String("session", "", "Session ID to resume (defaults to a fresh one)")
	useSSE := flag.Bool("sse", false, "Stream over SSE instead of WebSocket")
	flag.Parse()

	sessionID := *session
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	fmt.Printf("parley-chat connected to %s\n", *server)
	fmt.Printf("Session: %s\n", sessionID)
	if *useSSE {
		fmt.Println("Transport: SSE")
	} else {
		fmt.Println("Transport: WebSocket")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	// Setup context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &chatClient{server: *server, sessionID: sessionID, useSSE: *useSSE}
	defer c.closeConn()

	if err := c.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// chatClient holds the interactive session state, including the lazily dialed
// WebSocket connection.
type chatClient struct {
	server    string
	sessionID string
	useSSE    bool
	conn      *websocket.Conn
}

func (c *chatClient) run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Printf("[%s]> ", shortID(c.sessionID))

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if input == "/help" {
			printHelp()
			fmt.Println()
			continue
		}

		if input == "/new" {
			c.closeConn()
			c.sessionID = uuid.New().String()
			fmt.Printf("Started fresh session %s\n\n", c.sessionID)
			continue
		}

		if input == "/sessions" {
			if err := c.listSessions(ctx); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		if input == "/history" {
			if err := c.fetchHistory(ctx); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		// Send message and stream the reply
		var err error
		if c.useSSE {
			err = c.sendSSE(ctx, input)
		} else {
			err = c.sendWebSocket(ctx, input)
		}
		if err != nil {
			fmt.Printf("[error] %v\n", err)
		}
		fmt.Println()
	}
}

// printHelp displays available commands.
func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /history       Show this session's conversation history")
	fmt.Println("  /sessions      List sessions stored on the gateway")
	fmt.Println("  /new           Start a fresh session")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

// ensureConn dials the gateway's WebSocket endpoint if no connection is open.
func (c *chatClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	wsBase := strings.Replace(c.server, "https://", "wss://", 1)
	wsBase = strings.Replace(wsBase, "http://", "ws://", 1)
	url := fmt.Sprintf("%s/ws/chat/%s", wsBase, c.sessionID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	c.conn = conn
	return conn, nil
}

// closeConn drops the WebSocket connection so the next turn redials.
func (c *chatClient) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// sendWebSocket submits one message over the persistent WebSocket and prints
// streamed tokens until the turn's terminal event arrives.
func (c *chatClient) sendWebSocket(ctx context.Context, content string) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}

	if err := conn.WriteJSON(map[string]string{"message": content}); err != nil {
		c.closeConn()
		return fmt.Errorf("sending message: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.closeConn()
			return ctx.Err()
		default:
		}

		var unit struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Detail  string `json:"detail"`
		}
		if err := conn.ReadJSON(&unit); err != nil {
			c.closeConn()
			return fmt.Errorf("reading stream: %w", err)
		}

		switch unit.Type {
		case "token":
			fmt.Print(unit.Content)
		case "complete":
			fmt.Println()
			return nil
		case "error":
			fmt.Printf("\033[31m[error] %s\033[0m\n", unit.Detail)
			return nil
		}
	}
}

// chatRequest is the JSON body sent to POST /api/chat/stream.
type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// sendSSE submits one message over the SSE endpoint and prints streamed tokens.
func (c *chatClient) sendSSE(ctx context.Context, content string) error {
	bodyBytes, err := json.Marshal(chatRequest{Message: content, SessionID: c.sessionID})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat/stream", c.server)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			var errResp map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
				if msg, ok := errResp["error"]; ok {
					return fmt.Errorf("%s", msg)
				}
			}
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	return streamSSE(ctx, resp.Body)
}

func streamSSE(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				done, err := handleSSEEvent(eventType, data)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	return scanner.Err()
}

// handleSSEEvent prints one parsed event. The bool result reports whether the
// turn reached its terminal event.
func handleSSEEvent(eventType, data string) (bool, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return false, fmt.Errorf("parsing event data: %w", err)
	}

	switch eventType {
	case "session":
		// Session confirmation, nothing to print

	case "token":
		if text, ok := payload["content"].(string); ok {
			fmt.Print(text)
		}

	case "complete":
		fmt.Println()
		return true, nil

	case "error":
		if detail, ok := payload["detail"].(string); ok {
			fmt.Printf("\033[31m[error] %s\033[0m\n", detail)
		}
		return true, nil

	default:
		// Ignore unknown events silently
	}

	return false, nil
}

// historyMessage represents one message in the history response.
type historyMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"`
}

// historyResponse represents the response from GET /api/sessions/{id}/history.
type historyResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []historyMessage `json:"messages"`
}

// fetchHistory fetches and displays the current session's conversation.
func (c *chatClient) fetchHistory(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/sessions/%s/history", c.server, c.sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var history historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(history.Messages) == 0 {
		fmt.Println("No conversation history")
		return nil
	}

	fmt.Printf("History for %s (%d messages):\n", history.SessionID, len(history.Messages))
	fmt.Println(strings.Repeat("-", 60))

	for _, msg := range history.Messages {
		prefix := "  "
		if msg.Role == "user" {
			prefix = "\033[34m→\033[0m " // Blue arrow for user messages
		} else if msg.Role == "assistant" {
			prefix = "\033[32m←\033[0m " // Green arrow for assistant messages
		}

		text := msg.Content
		if len(text) > 200 {
			text = text[:197] + "..."
		}
		fmt.Printf("%s%s\n", prefix, text)
	}

	fmt.Println(strings.Repeat("-", 60))
	return nil
}

// sessionSummary is one session in the listing response.
type sessionSummary struct {
	SessionID    string `json:"session_id"`
	MessageCount int64  `json:"message_count"`
	LastActivity string `json:"last_activity"`
}

// listSessions fetches and displays sessions stored on the gateway.
func (c *chatClient) listSessions(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/sessions", c.server)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var payload struct {
		Sessions []sessionSummary `json:"sessions"`
		Count    int              `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if payload.Count == 0 {
		fmt.Println("No sessions stored")
		return nil
	}

	fmt.Println("Stored sessions:")
	for _, s := range payload.Sessions {
		marker := " "
		if s.SessionID == c.sessionID {
			marker = "*"
		}
		fmt.Printf("%s %s  %d messages  %s\n", marker, s.SessionID, s.MessageCount, s.LastActivity)
	}
	return nil
}

// shortID trims a session ID for the prompt.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
