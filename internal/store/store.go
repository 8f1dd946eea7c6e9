// ABOUTME: Store interface and data types for conversation persistence
// ABOUTME: Defines Message, SessionInfo and the Store interface for the message log

package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidRole is returned when appending a message with an unknown role
var ErrInvalidRole = errors.New("invalid message role")

// Role constants for message authorship
const (
	RoleUser      = "user"      // Message sent by the end user
	RoleAssistant = "assistant" // Reply generated by the model
	RoleSystem    = "system"    // System instruction (normally injected at call time, rarely persisted)
)

// ValidRole reports whether role is one of the known message roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one record in a session's conversation log.
// Immutable once appended; Seq is assigned by the store in append order.
type Message struct {
	ID        string
	SessionID string
	Seq       int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// SessionInfo summarizes one session for listing purposes
type SessionInfo struct {
	SessionID    string
	MessageCount int64
	LastActivity time.Time
}

// Store defines the interface for the per-session message log.
//
// Sessions exist implicitly: the first append for an unknown session id
// creates it, and reads on an unused id return an empty log.
type Store interface {
	// AppendMessage durably appends one message, assigning the next
	// sequence number for the session. The returned record carries the
	// assigned id, seq and timestamp.
	AppendMessage(ctx context.Context, sessionID, role, content string) (*Message, error)

	// GetMessages returns the full log for a session in seq order.
	GetMessages(ctx context.Context, sessionID string) ([]*Message, error)

	// GetMessagesSince returns messages with seq > sinceSeq, in seq order.
	GetMessagesSince(ctx context.Context, sessionID string, sinceSeq int64) ([]*Message, error)

	// ListSessions returns per-session summaries ordered by most recent
	// activity. A limit <= 0 applies a default.
	ListSessions(ctx context.Context, limit int) ([]*SessionInfo, error)

	// Close releases any resources held by the store
	Close() error
}
