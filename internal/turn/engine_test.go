// ABOUTME: Tests for the turn engine state machine
// ABOUTME: Covers persistence ordering, failure stages, and stream terminals

package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley-gateway/internal/provider"
	"github.com/parleyhq/parley-gateway/internal/session"
	"github.com/parleyhq/parley-gateway/internal/store"
)

// mockStore is an in-memory Store with per-role failure injection.
type mockStore struct {
	mu       sync.Mutex
	messages map[string][]*store.Message
	failRole string
}

var _ store.Store = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{messages: make(map[string][]*store.Message)}
}

func (m *mockStore) AppendMessage(_ context.Context, sessionID, role, content string) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRole == role {
		return nil, errors.New("disk full")
	}
	msg := &store.Message{
		ID:        fmt.Sprintf("msg-%s-%d", sessionID, len(m.messages[sessionID])),
		SessionID: sessionID,
		Seq:       int64(len(m.messages[sessionID])),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	return msg, nil
}

func (m *mockStore) GetMessages(_ context.Context, sessionID string) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Message, len(m.messages[sessionID]))
	copy(out, m.messages[sessionID])
	return out, nil
}

func (m *mockStore) GetMessagesSince(_ context.Context, sessionID string, sinceSeq int64) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Message
	for _, msg := range m.messages[sessionID] {
		if msg.Seq > sinceSeq {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockStore) ListSessions(_ context.Context, _ int) ([]*store.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.SessionInfo
	for id, msgs := range m.messages {
		out = append(out, &store.SessionInfo{SessionID: id, MessageCount: int64(len(msgs))})
	}
	return out, nil
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) roles(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.messages[sessionID] {
		out = append(out, msg.Role)
	}
	return out
}

// mockProvider replays canned fragments, optionally failing afterwards. A
// delay between fragments makes cancellation observable: the mock aborts if
// the context it is handed ever fires.
type mockProvider struct {
	mu        sync.Mutex
	fragments []string
	err       error
	delay     time.Duration
	histories [][]*store.Message
}

var _ provider.Provider = (*mockProvider)(nil)

func (p *mockProvider) record(history []*store.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.histories = append(p.histories, history)
}

func (p *mockProvider) lastHistory() []*store.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.histories) == 0 {
		return nil
	}
	return p.histories[len(p.histories)-1]
}

func (p *mockProvider) Generate(ctx context.Context, history []*store.Message) (string, error) {
	return p.GenerateStream(ctx, history, func(context.Context, string) error { return nil })
}

func (p *mockProvider) GenerateStream(ctx context.Context, history []*store.Message, onFragment provider.FragmentFunc) (string, error) {
	p.record(history)
	var full strings.Builder
	for _, f := range p.fragments {
		if p.delay > 0 {
			select {
			case <-time.After(p.delay):
			case <-ctx.Done():
				return "", &provider.Error{Retryable: true, Err: ctx.Err()}
			}
		}
		if err := onFragment(ctx, f); err != nil {
			return "", err
		}
		full.WriteString(f)
	}
	if p.err != nil {
		return "", &provider.Error{Err: p.err}
	}
	return full.String(), nil
}

func newTestEngine(t *testing.T, st store.Store, p provider.Provider) *Engine {
	t.Helper()
	locks := session.NewRegistry(time.Minute, time.Hour)
	t.Cleanup(locks.Close)
	return NewEngine(st, p, locks, nil)
}

// collectEvents drains the channel until it closes.
func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("event channel never closed")
		}
	}
}

func assertSingleTerminal(t *testing.T, events []Event, want EventKind) {
	t.Helper()
	require.NotEmpty(t, events)
	terminals := 0
	for _, ev := range events {
		if ev.Kind != EventFragment {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals, "a turn must produce exactly one terminal event")
	assert.Equal(t, want, events[len(events)-1].Kind, "the terminal event must be last")
}

func fragmentText(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == EventFragment {
			b.WriteString(ev.Fragment)
		}
	}
	return b.String()
}

func TestRun_PersistsUserAndReply(t *testing.T) {
	st := newMockStore()
	p := &mockProvider{fragments: []string{"Hi", " there."}}
	e := newTestEngine(t, st, p)

	reply, err := e.Run(context.Background(), Request{SessionID: "s1", Text: "hello", Mode: ModeHTTP})
	require.NoError(t, err)
	assert.Equal(t, "Hi there.", reply)

	msgs, err := st.GetMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, int64(0), msgs[0].Seq)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there.", msgs[1].Content)
	assert.Equal(t, int64(1), msgs[1].Seq)
}

func TestRun_ProviderSeesHistoryEndingWithUserMessage(t *testing.T) {
	st := newMockStore()
	ctx := context.Background()
	_, err := st.AppendMessage(ctx, "s1", store.RoleUser, "earlier question")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, "s1", store.RoleAssistant, "earlier answer")
	require.NoError(t, err)

	p := &mockProvider{fragments: []string{"ok"}}
	e := newTestEngine(t, st, p)

	_, err = e.Run(ctx, Request{SessionID: "s1", Text: "new question", Mode: ModeHTTP})
	require.NoError(t, err)

	history := p.lastHistory()
	require.Len(t, history, 3)
	assert.Equal(t, "earlier question", history[0].Content)
	assert.Equal(t, "earlier answer", history[1].Content)
	assert.Equal(t, store.RoleUser, history[2].Role)
	assert.Equal(t, "new question", history[2].Content)
}

func TestRun_GenerateFailureKeepsUserMessage(t *testing.T) {
	st := newMockStore()
	p := &mockProvider{err: errors.New("model unavailable")}
	e := newTestEngine(t, st, p)

	_, err := e.Run(context.Background(), Request{SessionID: "s1", Text: "hello", Mode: ModeHTTP})
	require.Error(t, err)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StageGenerate, terr.Stage)

	// The user's message stays; the next turn's history includes it
	assert.Equal(t, []string{store.RoleUser}, st.roles("s1"))
}

func TestRun_AppendAssistantFailureStillReturnsReply(t *testing.T) {
	st := newMockStore()
	st.failRole = store.RoleAssistant
	p := &mockProvider{fragments: []string{"the reply"}}
	e := newTestEngine(t, st, p)

	reply, err := e.Run(context.Background(), Request{SessionID: "s1", Text: "hello", Mode: ModeHTTP})
	require.NoError(t, err)
	assert.Equal(t, "the reply", reply)

	assert.Equal(t, []string{store.RoleUser}, st.roles("s1"))
}

func TestRun_SerializesTurnsOnOneSession(t *testing.T) {
	st := newMockStore()
	p := &mockProvider{fragments: []string{"reply"}, delay: 10 * time.Millisecond}
	e := newTestEngine(t, st, p)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := e.Run(context.Background(), Request{SessionID: "shared", Text: fmt.Sprintf("msg %d", n), Mode: ModeHTTP})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	// Strict user/assistant alternation proves turns never interleaved
	roles := st.roles("shared")
	require.Len(t, roles, 6)
	for i, role := range roles {
		if i%2 == 0 {
			assert.Equal(t, store.RoleUser, role, "position %d", i)
		} else {
			assert.Equal(t, store.RoleAssistant, role, "position %d", i)
		}
	}

	msgs, err := st.GetMessages(context.Background(), "shared")
	require.NoError(t, err)
	for i, msg := range msgs {
		assert.Equal(t, int64(i), msg.Seq)
	}
}

func TestStream_DeliversFragmentsThenComplete(t *testing.T) {
	st := newMockStore()
	p := &mockProvider{fragments: []string{"One", ", two", ", three."}}
	e := newTestEngine(t, st, p)

	events := collectEvents(t, e.Stream(context.Background(), Request{SessionID: "s1", Text: "count", Mode: ModeWebSocket}))

	assertSingleTerminal(t, events, EventComplete)
	assert.Equal(t, "One, two, three.", fragmentText(events))

	// What the client saw fragment by fragment is exactly what persisted
	msgs, err := st.GetMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, fragmentText(events), msgs[1].Content)
}

func TestStream_EmptyReplyStillCompletes(t *testing.T) {
	st := newMockStore()
	p := &mockProvider{}
	e := newTestEngine(t, st, p)

	events := collectEvents(t, e.Stream(context.Background(), Request{SessionID: "s1", Text: "say nothing", Mode: ModeWebSocket}))

	assertSingleTerminal(t, events, EventComplete)
	assert.Empty(t, fragmentText(events))
	assert.Equal(t, []string{store.RoleUser, store.RoleAssistant}, st.roles("s1"))
}

func TestStream_GenerateFailureSendsSingleError(t *testing.T) {
	st := newMockStore()
	p := &mockProvider{fragments: []string{"partial, "}, err: errors.New("upstream hiccup")}
	e := newTestEngine(t, st, p)

	events := collectEvents(t, e.Stream(context.Background(), Request{SessionID: "s1", Text: "hello", Mode: ModeWebSocket}))

	assertSingleTerminal(t, events, EventError)
	assert.Equal(t, "partial, ", fragmentText(events))

	var terr *Error
	require.ErrorAs(t, events[len(events)-1].Err, &terr)
	assert.Equal(t, StageGenerate, terr.Stage)

	// Nothing assistant-side persisted, the user message stays
	assert.Equal(t, []string{store.RoleUser}, st.roles("s1"))
}

func TestStream_AppendUserFailureSendsSingleError(t *testing.T) {
	st := newMockStore()
	st.failRole = store.RoleUser
	p := &mockProvider{fragments: []string{"never sent"}}
	e := newTestEngine(t, st, p)

	events := collectEvents(t, e.Stream(context.Background(), Request{SessionID: "s1", Text: "hello", Mode: ModeWebSocket}))

	assertSingleTerminal(t, events, EventError)
	assert.Empty(t, fragmentText(events))

	var terr *Error
	require.ErrorAs(t, events[0].Err, &terr)
	assert.Equal(t, StageAppendUser, terr.Stage)
	assert.Empty(t, st.roles("s1"))
}

func TestStream_AppendAssistantFailureStillCompletes(t *testing.T) {
	st := newMockStore()
	st.failRole = store.RoleAssistant
	p := &mockProvider{fragments: []string{"full reply"}}
	e := newTestEngine(t, st, p)

	events := collectEvents(t, e.Stream(context.Background(), Request{SessionID: "s1", Text: "hello", Mode: ModeWebSocket}))

	// The client already holds the reply, so it sees a normal completion
	assertSingleTerminal(t, events, EventComplete)
	assert.Equal(t, "full reply", fragmentText(events))
	assert.Equal(t, []string{store.RoleUser}, st.roles("s1"))
}

func TestStream_LockTimeoutReportsLockStage(t *testing.T) {
	st := newMockStore()
	p := &mockProvider{fragments: []string{"unused"}}
	e := newTestEngine(t, st, p)

	release, err := e.locks.Acquire(context.Background(), "busy")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	events := collectEvents(t, e.Stream(ctx, Request{SessionID: "busy", Text: "hello", Mode: ModeWebSocket}))

	assertSingleTerminal(t, events, EventError)

	var terr *Error
	require.ErrorAs(t, events[0].Err, &terr)
	assert.Equal(t, StageLock, terr.Stage)

	// An abandoned queued turn leaves no trace in the log
	assert.Empty(t, st.roles("busy"))
}

func TestStream_CallerGoneGenerationStillCompletes(t *testing.T) {
	st := newMockStore()
	p := &mockProvider{fragments: []string{"a", "b", "c"}, delay: 10 * time.Millisecond}
	e := newTestEngine(t, st, p)

	ctx, cancel := context.WithCancel(context.Background())
	ch := e.Stream(ctx, Request{SessionID: "s1", Text: "hello", Mode: ModeWebSocket})

	// Simulate the client vanishing after the first fragment arrives
	first := <-ch
	assert.Equal(t, EventFragment, first.Kind)
	cancel()

	events := append([]Event{first}, collectEvents(t, ch)...)

	assertSingleTerminal(t, events, EventComplete)
	assert.Equal(t, "abc", fragmentText(events))

	// Both sides of the turn persisted despite the disconnect
	msgs, err := st.GetMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "abc", msgs[1].Content)
}
