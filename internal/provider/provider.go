// ABOUTME: Provider interface and error taxonomy for language-model calls
// ABOUTME: Defines single-shot and streaming generation over a session's history

package provider

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley-gateway/internal/store"
)

// FragmentFunc receives one non-empty fragment of generated text.
// Returning an error stops the stream; that error is propagated verbatim
// (it is a consumer decision, not a provider failure).
type FragmentFunc func(ctx context.Context, fragment string) error

// Provider generates a reply from an ordered message history.
//
// Both modes prepend the configured system instructions before calling the
// model; callers pass only persisted conversation history.
type Provider interface {
	// Generate returns the full reply text in one call.
	Generate(ctx context.Context, history []*store.Message) (string, error)

	// GenerateStream calls onFragment for each fragment in arrival order and
	// returns the full reply, which equals the concatenation of all fragments
	// passed to onFragment. The underlying connection is released when ctx is
	// canceled or the stream ends.
	GenerateStream(ctx context.Context, history []*store.Message, onFragment FragmentFunc) (string, error)
}

// Error describes a failed provider call. Retryable reports whether the
// failure was transport-level (timeout, connection reset, throttling) rather
// than a rejected request. Callers decide whether to retry; this package
// never retries on its own.
type Error struct {
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Retryable {
		return fmt.Sprintf("provider call failed (retryable): %v", e.Err)
	}
	return fmt.Sprintf("provider call failed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
