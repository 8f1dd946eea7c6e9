// ABOUTME: Turn engine that runs one conversation round under the session lock
// ABOUTME: Persists the user message, generates a reply, persists the reply

package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley-gateway/internal/metrics"
	"github.com/parleyhq/parley-gateway/internal/provider"
	"github.com/parleyhq/parley-gateway/internal/session"
	"github.com/parleyhq/parley-gateway/internal/store"
)

// Stages of a turn, in execution order. A failed turn reports the stage that
// stopped it.
const (
	StageLock            = "lock"
	StageAppendUser      = "append_user"
	StageGenerate        = "generate"
	StageAppendAssistant = "append_assistant"
)

// Transport mode labels for instrumentation.
const (
	ModeHTTP      = "http"
	ModeSSE       = "sse"
	ModeWebSocket = "websocket"
)

// streamBuffer smooths fragment bursts between the provider and the
// consumer without letting either run far ahead.
const streamBuffer = 32

// sendTimeout bounds how long a stream send waits on a stalled consumer
// before the event is dropped. A consumer that stopped draining must not
// wedge a turn that is holding its session's lock.
const sendTimeout = 5 * time.Second

// Error reports a turn failure and the stage it happened in.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("turn failed at %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Request describes one turn: which session it belongs to, what the user
// said, and which transport carried it (used only for instrumentation).
type Request struct {
	SessionID string
	Text      string
	Mode      string
}

// EventKind discriminates stream events.
type EventKind int

const (
	EventFragment EventKind = iota
	EventComplete
	EventError
)

// Event is one step of a streaming turn. Fragments arrive in generation
// order, followed by exactly one terminal event, either EventComplete or
// EventError, after which the channel closes.
type Event struct {
	Kind     EventKind
	Fragment string
	Err      error
}

// Engine executes turns. Each turn holds its session's lock from admission
// until both messages are persisted, so turns on one session never
// interleave while separate sessions proceed in parallel.
type Engine struct {
	store    store.Store
	provider provider.Provider
	locks    *session.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEngine wires a turn engine. metrics may be nil.
func NewEngine(st store.Store, p provider.Provider, locks *session.Registry, m *metrics.Metrics) *Engine {
	return &Engine{
		store:    st,
		provider: p,
		locks:    locks,
		metrics:  m,
		logger:   slog.Default().With("component", "turn"),
	}
}

// Run executes a complete turn and returns the assistant's reply.
//
// ctx governs only admission: once the session lock is held the turn runs to
// completion regardless of the caller, bounded by the provider's own
// timeout. If the reply was generated but could not be persisted, Run still
// returns it; the gap is logged and counted.
func (e *Engine) Run(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	logger := e.logger.With("session_id", req.SessionID, "mode", req.Mode)

	fail := func(stage string, err error) error {
		e.observeFailure(req.Mode, stage, time.Since(start))
		logger.Error("turn failed", "stage", stage, "error", err)
		return &Error{Stage: stage, Err: err}
	}

	release, err := e.locks.Acquire(ctx, req.SessionID)
	if err != nil {
		return "", fail(StageLock, err)
	}
	defer release()

	// The turn is admitted; from here on the caller going away must not
	// abort it.
	tctx := context.WithoutCancel(ctx)

	userMsg, err := e.store.AppendMessage(tctx, req.SessionID, store.RoleUser, req.Text)
	if err != nil {
		return "", fail(StageAppendUser, err)
	}

	reply, err := e.generate(tctx, req.SessionID, nil)
	if err != nil {
		return "", fail(StageGenerate, err)
	}

	if _, err := e.store.AppendMessage(tctx, req.SessionID, store.RoleAssistant, reply); err != nil {
		// The caller still gets the reply it was generated for; only the
		// log is short one message.
		e.observeFailure(req.Mode, StageAppendAssistant, time.Since(start))
		logger.Error("assistant reply not persisted", "user_seq", userMsg.Seq, "error", err)
		return reply, nil
	}

	e.metrics.ObserveTurn(req.Mode, metrics.StatusOK, time.Since(start))
	logger.Info("turn completed", "user_seq", userMsg.Seq, "duration", time.Since(start))
	return reply, nil
}

// Stream executes a turn, delivering the reply as ordered fragments on the
// returned channel.
//
// The caller must drain the channel until it closes, even after it stops
// caring about the result; the turn keeps running server-side and the
// channel always ends with its single terminal event. ctx governs only
// admission, exactly as in Run.
func (e *Engine) Stream(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, streamBuffer)
	go e.runStream(ctx, req, events)
	return events
}

func (e *Engine) runStream(ctx context.Context, req Request, events chan<- Event) {
	defer close(events)

	start := time.Now()
	logger := e.logger.With("session_id", req.SessionID, "mode", req.Mode)

	send := func(ev Event) {
		select {
		case events <- ev:
		case <-time.After(sendTimeout):
			logger.Warn("event channel stalled, dropping event", "kind", int(ev.Kind))
		}
	}

	fail := func(stage string, err error) {
		e.observeFailure(req.Mode, stage, time.Since(start))
		logger.Error("turn failed", "stage", stage, "error", err)
		send(Event{Kind: EventError, Err: &Error{Stage: stage, Err: err}})
	}

	release, err := e.locks.Acquire(ctx, req.SessionID)
	if err != nil {
		fail(StageLock, err)
		return
	}
	defer release()

	tctx := context.WithoutCancel(ctx)

	userMsg, err := e.store.AppendMessage(tctx, req.SessionID, store.RoleUser, req.Text)
	if err != nil {
		fail(StageAppendUser, err)
		return
	}

	reply, err := e.generate(tctx, req.SessionID, func(_ context.Context, fragment string) error {
		send(Event{Kind: EventFragment, Fragment: fragment})
		e.metrics.IncFragmentRelayed()
		return nil
	})
	if err != nil {
		fail(StageGenerate, err)
		return
	}

	if _, err := e.store.AppendMessage(tctx, req.SessionID, store.RoleAssistant, reply); err != nil {
		// The client already holds the full reply, so it gets a normal
		// completion; only the log is short one message.
		e.observeFailure(req.Mode, StageAppendAssistant, time.Since(start))
		logger.Error("assistant reply not persisted", "user_seq", userMsg.Seq, "error", err)
		send(Event{Kind: EventComplete})
		return
	}

	e.metrics.ObserveTurn(req.Mode, metrics.StatusOK, time.Since(start))
	logger.Info("turn completed", "user_seq", userMsg.Seq, "duration", time.Since(start))
	send(Event{Kind: EventComplete})
}

// generate reads the session history, now including the freshly appended
// user message, and asks the provider for a reply. onFragment may be nil
// for single-shot generation.
func (e *Engine) generate(ctx context.Context, sessionID string, onFragment provider.FragmentFunc) (string, error) {
	history, err := e.store.GetMessages(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("reading history: %w", err)
	}
	if onFragment == nil {
		return e.provider.Generate(ctx, history)
	}
	return e.provider.GenerateStream(ctx, history, onFragment)
}

func (e *Engine) observeFailure(mode, stage string, elapsed time.Duration) {
	e.metrics.IncTurnFailure(stage)
	e.metrics.ObserveTurn(mode, metrics.StatusFailed, elapsed)
}
