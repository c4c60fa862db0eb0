package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Packeting1/voicerelay/asr"
	"github.com/Packeting1/voicerelay/llm"
)

// ErrPoolExhausted means every pooled connection is busy. Surfaced as
// a value so the caller decides; here it fails session setup.
var ErrPoolExhausted = errors.New("session: connection pool exhausted")

// Conn is the slice of the recognition client a session drives.
// *asr.Client implements it.
type Conn interface {
	Connected() bool
	SendAudio(frame []byte) error
	Receive(timeout time.Duration) asr.Event
	Disconnect() error
}

// DialFunc opens a dedicated, stream-configured connection for one
// session.
type DialFunc func(ctx context.Context) (Conn, error)

// HistoryStore persists conversation turns per session.
type HistoryStore interface {
	History(ctx context.Context, id string, limit int) ([]llm.Turn, error)
	AppendTurn(ctx context.Context, id, userText, assistantText string, maxTurns int) error
	ResetHistory(ctx context.Context, id string) error
}

type Options struct {
	// Pool, when set, is the shared connection pool. Otherwise Dial
	// opens a dedicated connection.
	Pool *asr.Pool
	Dial DialFunc

	Model        llm.LanguageModel
	History      HistoryStore
	HistoryLimit int
	Emitter      Emitter
	Logger       *log.Logger
}

// Session orchestrates one user's lifecycle: it borrows or owns a
// recognition connection, forwards audio, listens for recognition
// events, triggers completions, and filters the replies.
type Session struct {
	ID string

	pool    *asr.Pool
	dial    DialFunc
	model   llm.LanguageModel
	history HistoryStore
	limit   int
	emitter Emitter
	log     *log.Logger

	mu        sync.Mutex
	conn      Conn
	lastFinal string
	aiBusy    bool
	closed    bool

	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

func New(id string, opts Options) *Session {
	return &Session{
		ID:      id,
		pool:    opts.Pool,
		dial:    opts.Dial,
		model:   opts.Model,
		history: opts.History,
		limit:   opts.HistoryLimit,
		emitter: opts.Emitter,
		log:     opts.Logger,
	}
}

func (s *Session) pooled() bool { return s.pool != nil }

// Start acquires a connection, notifies the boundary, and spawns the
// listener. Also the second half of every reconnect.
func (s *Session) Start(ctx context.Context) error {
	var conn Conn

	if s.pooled() {
		client, err := s.pool.Acquire(ctx, s.ID)
		if err != nil {
			s.emitter.Emit(ASRConnectionFailed(err))
			return err
		}
		if client == nil {
			s.emitter.Emit(ASRConnectionFailed(ErrPoolExhausted))
			return ErrPoolExhausted
		}
		conn = client

		stats := s.pool.Stats()
		s.emitter.Emit(ASRConnected("pool", &stats))
	} else {
		c, err := s.dial(ctx)
		if err != nil {
			s.emitter.Emit(ASRConnectionFailed(err))
			return err
		}
		conn = c
		s.emitter.Emit(ASRConnected("dedicated", nil))
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	lctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.listenCancel = cancel
	s.listenDone = done
	s.mu.Unlock()
	go s.listen(lctx, conn, done)

	s.log.Info("session started", "session", s.ID, "pooled", s.pooled())
	return nil
}

// ForwardAudio pushes one inbound frame to the recognition backend
// immediately; it never waits on recognition results. A dead or failed
// connection triggers a single inline reconnect; if that fails too,
// the next frame tries again.
func (s *Session) ForwardAudio(ctx context.Context, frame []byte) {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if conn == nil || !conn.Connected() {
		s.log.Warn("recognition connection lost, reconnecting", "session", s.ID)
		s.reconnect(ctx)
		return
	}

	if err := conn.SendAudio(frame); err != nil {
		s.log.Error("forward audio", "session", s.ID, "error", err)
		s.reconnect(ctx)
	}
}

// listen polls the connection for recognition events until cancelled
// or the transport dies. Partials refresh the live display; novel
// finals trigger a completion.
func (s *Session) listen(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !conn.Connected() {
			s.log.Warn("listener stopping, connection closed", "session", s.ID)
			return
		}

		ev := conn.Receive(asr.StreamPollTimeout)
		switch ev.Kind {
		case asr.PartialEvent:
			s.handlePartial(ev.Text)
		case asr.FinalEvent:
			s.handleFinal(ctx, ev.Text)
		}
	}
}

func (s *Session) handlePartial(raw string) {
	s.emitter.Emit(RecognitionPartial(asr.CleanTranscript(raw)))
}

func (s *Session) handleFinal(ctx context.Context, raw string) {
	display := asr.CleanTranscript(raw)

	s.mu.Lock()
	if strings.TrimSpace(display) == "" || display == s.lastFinal {
		s.mu.Unlock()
		return
	}
	s.lastFinal = display
	launch := !s.aiBusy
	if launch {
		s.aiBusy = true
	}
	s.mu.Unlock()

	s.emitter.Emit(RecognitionFinal(display))

	// One completion in flight per session: a final arriving during a
	// call updates state above but does not queue another call.
	if launch {
		go s.respond(ctx, display)
	}
}

func (s *Session) respond(ctx context.Context, input string) {
	defer func() {
		s.mu.Lock()
		s.aiBusy = false
		s.mu.Unlock()
	}()

	history, err := s.history.History(ctx, s.ID, s.limit)
	if err != nil {
		s.log.Error("load history", "session", s.ID, "error", err)
	}

	s.emitter.Emit(AIStart(input))

	stream, err := s.model.ChatStream(ctx, llm.ChatRequest{
		Input:   input,
		History: history,
	})
	if err != nil {
		s.log.Error("completion request", "session", s.ID, "error", err)
		s.emitter.Emit(AIError())
		return
	}

	filter := llm.NewResponseFilter()
	var full strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			s.log.Error("completion stream", "session", s.ID, "error", chunk.Err)
			s.emitter.Emit(AIError())
			return
		}
		full.WriteString(chunk.Content)
		if visible := filter.Feed(chunk.Content); visible != "" {
			s.emitter.Emit(AIChunk(visible))
		}
	}
	if tail := filter.Flush(); tail != "" {
		s.emitter.Emit(AIChunk(tail))
	}

	// The persisted copy gets the whole-string filter so history never
	// carries reasoning spans.
	filtered := llm.StripHidden(full.String())
	if filtered == "" {
		// Nothing visible survived the filter; substitute the fallback
		// and keep the empty exchange out of history.
		s.emitter.Emit(AIChunk(llm.FallbackReply))
		s.emitter.Emit(AIComplete(llm.FallbackReply))
		return
	}
	s.emitter.Emit(AIComplete(filtered))

	if err := s.history.AppendTurn(ctx, s.ID, input, filtered, s.limit); err != nil {
		s.log.Error("append turn", "session", s.ID, "error", err)
	}
}

// reconnect tears the current connection down and runs the start
// sequence once. Not retried in a loop.
func (s *Session) reconnect(ctx context.Context) {
	s.stopListener()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		if s.pooled() {
			s.pool.Release(s.ID)
		} else if err := conn.Disconnect(); err != nil {
			s.log.Error("disconnect before reconnect", "session", s.ID, "error", err)
		}
	}

	if err := s.Start(ctx); err != nil {
		s.log.Error("reconnect failed", "session", s.ID, "error", err)
	}
}

// Reset clears the conversation history.
func (s *Session) Reset(ctx context.Context) {
	if err := s.history.ResetHistory(ctx, s.ID); err != nil {
		s.log.Error("reset history", "session", s.ID, "error", err)
		return
	}
	s.emitter.Emit(ConversationReset())
}

// Close cancels the listener and returns the connection exactly once:
// released back to the pool in pooled mode, closed in dedicated mode.
// Safe to call even if setup partially failed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.stopListener()

	if s.pooled() {
		s.pool.Release(s.ID)
	} else if conn != nil {
		if err := conn.Disconnect(); err != nil {
			s.log.Error("disconnect", "session", s.ID, "error", err)
		}
	}
	s.log.Info("session closed", "session", s.ID)
}

func (s *Session) stopListener() {
	s.mu.Lock()
	cancel, done := s.listenCancel, s.listenDone
	s.listenCancel, s.listenDone = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
