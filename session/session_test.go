package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Packeting1/voicerelay/asr"
	"github.com/Packeting1/voicerelay/llm"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool

	events chan asr.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan asr.Event, 16)}
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) SendAudio(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Receive(timeout time.Duration) asr.Event {
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(timeout):
		return asr.Event{}
	}
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type fakeModel struct {
	mu     sync.Mutex
	calls  []llm.ChatRequest
	chunks []llm.ChatChunk
	gate   chan struct{} // when set, the stream stalls until closed
}

func (m *fakeModel) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.ChatChunk, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	gate := m.gate
	chunks := m.chunks
	m.mu.Unlock()

	out := make(chan llm.ChatChunk)
	go func() {
		defer close(out)
		if gate != nil {
			<-gate
		}
		for _, c := range chunks {
			out <- c
		}
	}()
	return out, nil
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type memHistory struct {
	mu    sync.Mutex
	turns []llm.Turn
}

func (h *memHistory) History(ctx context.Context, id string, limit int) ([]llm.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Turn(nil), h.turns...), nil
}

func (h *memHistory) AppendTurn(ctx context.Context, id, user, assistant string, max int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, llm.Turn{User: user, Assistant: assistant})
	return nil
}

func (h *memHistory) ResetHistory(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
	return nil
}

func (h *memHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []any
}

func (e *recordingEmitter) Emit(event any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) snapshot() []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]any(nil), e.events...)
}

func countEvents[T any](events []any) int {
	n := 0
	for _, ev := range events {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

func findEvent[T any](events []any) (T, bool) {
	for _, ev := range events {
		if typed, ok := ev.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

type fixture struct {
	conn    *fakeConn
	model   *fakeModel
	history *memHistory
	emitter *recordingEmitter
	dials   int
	sess    *Session
}

func newFixture(t *testing.T, model *fakeModel) *fixture {
	t.Helper()
	f := &fixture{
		conn:    newFakeConn(),
		model:   model,
		history: &memHistory{},
		emitter: &recordingEmitter{},
	}
	f.sess = New("test-session", Options{
		Dial: func(ctx context.Context) (Conn, error) {
			f.dials++
			return f.conn, nil
		},
		Model:        model,
		History:      f.history,
		HistoryLimit: 10,
		Emitter:      f.emitter,
		Logger:       log.New(io.Discard),
	})
	require.NoError(t, f.sess.Start(context.Background()))
	t.Cleanup(f.sess.Close)
	return f
}

func final(text string) asr.Event {
	return asr.Event{Kind: asr.FinalEvent, Text: text}
}

func TestSessionForwardsAudio(t *testing.T) {
	f := newFixture(t, &fakeModel{})

	f.sess.ForwardAudio(context.Background(), []byte{1, 2})
	f.sess.ForwardAudio(context.Background(), []byte{3, 4})
	assert.Equal(t, 2, f.conn.frameCount())
	assert.Equal(t, 1, f.dials)
}

func TestSessionEmitsCleanedPartial(t *testing.T) {
	f := newFixture(t, &fakeModel{})

	f.conn.events <- asr.Event{Kind: asr.PartialEvent, Text: "<|zh|><|NEUTRAL|>hello"}

	require.Eventually(t, func() bool {
		_, ok := findEvent[RecognitionPartialEvent](f.emitter.snapshot())
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	ev, _ := findEvent[RecognitionPartialEvent](f.emitter.snapshot())
	assert.Equal(t, "hello", ev.Text)
	assert.Equal(t, 0, f.model.callCount())
}

func TestSessionFinalTriggersOneCompletion(t *testing.T) {
	model := &fakeModel{chunks: []llm.ChatChunk{{Content: "Hi there."}}}
	f := newFixture(t, model)

	f.conn.events <- final("hello")
	f.conn.events <- final("hello") // repeated final must not re-trigger

	require.Eventually(t, func() bool {
		_, ok := findEvent[AICompleteEvent](f.emitter.snapshot())
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, model.callCount())
	events := f.emitter.snapshot()
	assert.Equal(t, 1, countEvents[AIStartEvent](events))
	assert.Equal(t, 1, countEvents[RecognitionFinalEvent](events))

	complete, _ := findEvent[AICompleteEvent](events)
	assert.Equal(t, "Hi there.", complete.FullResponse)
	assert.Equal(t, 1, f.history.count())
}

func TestSessionFiltersReasoningFromReply(t *testing.T) {
	model := &fakeModel{chunks: []llm.ChatChunk{
		{Content: "<think>pondering"},
		{Content: " deeply</think>"},
		{Content: "Four."},
	}}
	f := newFixture(t, model)

	f.conn.events <- final("what is two plus two")

	require.Eventually(t, func() bool {
		_, ok := findEvent[AICompleteEvent](f.emitter.snapshot())
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	events := f.emitter.snapshot()
	var shown string
	for _, ev := range events {
		if c, ok := ev.(AIChunkEvent); ok {
			shown += c.Content
		}
	}
	assert.Equal(t, "Four.", shown)

	complete, _ := findEvent[AICompleteEvent](events)
	assert.Equal(t, "Four.", complete.FullResponse)
}

func TestSessionFallsBackWhenReplyAllHidden(t *testing.T) {
	model := &fakeModel{chunks: []llm.ChatChunk{
		{Content: "<think>nothing worth"},
		{Content: " saying</think>"},
	}}
	f := newFixture(t, model)

	f.conn.events <- final("say something")

	require.Eventually(t, func() bool {
		_, ok := findEvent[AICompleteEvent](f.emitter.snapshot())
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	complete, _ := findEvent[AICompleteEvent](f.emitter.snapshot())
	assert.Equal(t, llm.FallbackReply, complete.FullResponse)

	// An exchange with no visible reply stays out of the history.
	assert.Equal(t, 0, f.history.count())
}

func TestSessionSkipsCompletionWhileBusy(t *testing.T) {
	model := &fakeModel{
		chunks: []llm.ChatChunk{{Content: "done"}},
		gate:   make(chan struct{}),
	}
	f := newFixture(t, model)

	f.conn.events <- final("first")
	require.Eventually(t, func() bool {
		return model.callCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// A second utterance while the call is in flight is reported but
	// not queued.
	f.conn.events <- final("second")
	require.Eventually(t, func() bool {
		return countEvents[RecognitionFinalEvent](f.emitter.snapshot()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	close(model.gate)
	require.Eventually(t, func() bool {
		_, ok := findEvent[AICompleteEvent](f.emitter.snapshot())
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, model.callCount())
}

func TestSessionIgnoresEmptyFinal(t *testing.T) {
	f := newFixture(t, &fakeModel{})

	f.conn.events <- final("<|zh|><|EMO_UNKNOWN|>")
	f.conn.events <- asr.Event{Kind: asr.PartialEvent, Text: "ping"}

	require.Eventually(t, func() bool {
		_, ok := findEvent[RecognitionPartialEvent](f.emitter.snapshot())
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, f.model.callCount())
	assert.Equal(t, 0, countEvents[RecognitionFinalEvent](f.emitter.snapshot()))
}

func TestSessionReconnectsAfterDeadConnection(t *testing.T) {
	f := newFixture(t, &fakeModel{})

	f.conn.Disconnect()
	f.sess.ForwardAudio(context.Background(), []byte{1, 2})

	assert.Equal(t, 2, f.dials)
	assert.Equal(t, 2, countEvents[ASRConnectedEvent](f.emitter.snapshot()))
}

func TestSessionCloseIdempotent(t *testing.T) {
	f := newFixture(t, &fakeModel{})

	f.sess.Close()
	f.sess.Close()
	assert.False(t, f.conn.Connected())

	// Frames after close are dropped.
	f.sess.ForwardAudio(context.Background(), []byte{1})
	assert.Equal(t, 0, f.conn.frameCount())
	assert.Equal(t, 1, f.dials)
}

func TestSessionReset(t *testing.T) {
	f := newFixture(t, &fakeModel{})
	f.history.AppendTurn(context.Background(), "test-session", "q", "a", 10)

	f.sess.Reset(context.Background())
	assert.Equal(t, 0, f.history.count())
	assert.Equal(t, 1, countEvents[ConversationResetEvent](f.emitter.snapshot()))
}
