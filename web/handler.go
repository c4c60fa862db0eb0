package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Packeting1/voicerelay/asr"
	"github.com/Packeting1/voicerelay/audio"
	"github.com/Packeting1/voicerelay/config"
	"github.com/Packeting1/voicerelay/db"
	"github.com/Packeting1/voicerelay/llm"
	"github.com/Packeting1/voicerelay/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type Handler struct {
	cfg   *config.Config
	pool  *asr.Pool
	model llm.LanguageModel
	store *db.Store
	norm  *audio.Normalizer

	log     *log.Logger
	hearLog *log.Logger

	mu     sync.Mutex
	active int
}

func NewHandler(
	cfg *config.Config,
	pool *asr.Pool,
	model llm.LanguageModel,
	store *db.Store,
	logger, hearLogger *log.Logger,
) *Handler {
	return &Handler{
		cfg:     cfg,
		pool:    pool,
		model:   model,
		store:   store,
		norm:    audio.NewNormalizer(cfg.TargetSampleRate, hearLogger),
		log:     logger,
		hearLog: hearLogger,
	}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws/chat", h.handleChat)
	r.Get("/ws/upload", h.handleUpload)
	r.Get("/api/pool/stats", h.handlePoolStats)
	r.Post("/api/recognize", h.handleRecognize)

	return r
}

// wsEmitter serializes boundary events onto one websocket. Gorilla
// connections allow only one concurrent writer, so every Emit goes
// through the mutex.
type wsEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *wsEmitter) Emit(event any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteJSON(event)
}

// inbound is the envelope for text frames from the browser. Binary
// frames carry raw audio and skip JSON entirely.
type inbound struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Filename string `json:"filename,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	sessionID := uuid.NewString()
	emitter := &wsEmitter{conn: conn}

	h.mu.Lock()
	h.active++
	count := h.active
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.active--
		h.mu.Unlock()
	}()

	if _, err := h.store.CreateSession(ctx, sessionID); err != nil {
		h.log.Error("create session", "session", sessionID, "error", err)
	}
	defer func() {
		if err := h.store.RemoveSession(context.Background(), sessionID); err != nil {
			h.log.Error("remove session", "session", sessionID, "error", err)
		}
	}()

	emitter.Emit(session.UserConnected(sessionID, count))

	opts := session.Options{
		Model:        h.model,
		History:      h.store,
		HistoryLimit: h.cfg.HistoryLimit,
		Emitter:      emitter,
		Logger:       h.log,
	}
	if h.cfg.UseConnectionPool {
		opts.Pool = h.pool
	} else {
		opts.Dial = h.dialDedicated
	}

	sess := session.New(sessionID, opts)
	if err := sess.Start(ctx); err != nil {
		h.log.Error("session start", "session", sessionID, "error", err)
		return
	}
	defer sess.Close()

	uploader := h.newUploader(emitter)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("websocket read", "session", sessionID, "error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			sess.ForwardAudio(ctx, data)

		case websocket.TextMessage:
			var msg inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				h.log.Warn("bad client message", "session", sessionID, "error", err)
				continue
			}
			switch msg.Type {
			case "audio_data":
				raw, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					emitter.Emit(session.UploadError("invalid base64 audio"))
					continue
				}
				go uploader.HandleAudioData(ctx, sessionID, raw)
			case "reset_conversation":
				sess.Reset(ctx)
			}
		}
	}
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	sessionID := uuid.NewString()
	emitter := &wsEmitter{conn: conn}
	uploader := h.newUploader(emitter)

	if _, err := h.store.CreateSession(ctx, sessionID); err != nil {
		h.log.Error("create session", "session", sessionID, "error", err)
	}
	defer func() {
		if err := h.store.RemoveSession(context.Background(), sessionID); err != nil {
			h.log.Error("remove session", "session", sessionID, "error", err)
		}
	}()

	filename := "upload"
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			uploader.HandleFile(ctx, sessionID, data, filename)

		case websocket.TextMessage:
			var msg inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				h.log.Warn("bad upload message", "session", sessionID, "error", err)
				continue
			}
			if msg.Filename != "" {
				filename = msg.Filename
			}
			if msg.Type == "upload" && msg.Data != "" {
				raw, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					emitter.Emit(session.UploadError("invalid base64 audio"))
					continue
				}
				uploader.HandleFile(ctx, sessionID, raw, filename)
			}
		}
	}
}

// recognizeDebug carries what the server actually did to an uploaded
// blob, for clients that want to double-check their encoding.
type recognizeDebug struct {
	OriginalSize  int        `json:"original_size"`
	ProcessedSize int        `json:"processed_size"`
	SampleRate    int        `json:"sample_rate"`
	Filename      string     `json:"filename"`
	AudioInfo     audio.Info `json:"audio_info"`
}

type recognizeResponse struct {
	Success     bool            `json:"success"`
	Text        string          `json:"text,omitempty"`
	LLMResponse string          `json:"llm_response,omitempty"`
	Error       string          `json:"error,omitempty"`
	Debug       *recognizeDebug `json:"debug_info,omitempty"`
}

// handleRecognize runs one-shot recognition over a multipart upload
// and answers with the transcript plus a single completion. Unlike the
// websocket flows it keeps no session and no history.
func (h *Handler) handleRecognize(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		h.writeRecognize(w, http.StatusBadRequest, recognizeResponse{Error: "missing audio file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeRecognize(w, http.StatusBadRequest, recognizeResponse{Error: "read audio file"})
		return
	}

	info := audio.Probe(data)
	pcm, rate := h.norm.Normalize(data, header.Filename)
	debug := &recognizeDebug{
		OriginalSize:  len(data),
		ProcessedSize: len(pcm),
		SampleRate:    rate,
		Filename:      header.Filename,
		AudioInfo:     info,
	}

	client := asr.NewClient(h.cfg.ASRURL(), h.cfg.ASRSkipVerify, h.hearLog)
	raw, err := client.Recognize(r.Context(), pcm, rate, nil)
	if err != nil {
		h.log.Error("batch recognition", "filename", header.Filename, "error", err)
		h.writeRecognize(w, http.StatusInternalServerError, recognizeResponse{
			Error: "recognition failed",
			Debug: debug,
		})
		return
	}

	text := asr.CleanTranscript(raw)
	if text == "" {
		h.writeRecognize(w, http.StatusOK, recognizeResponse{
			Error: "no speech recognized",
			Debug: debug,
		})
		return
	}

	reply, err := h.completeOnce(r.Context(), text)
	if err != nil {
		h.log.Error("completion request", "error", err)
		h.writeRecognize(w, http.StatusInternalServerError, recognizeResponse{
			Error: "completion failed",
			Text:  text,
			Debug: debug,
		})
		return
	}

	h.writeRecognize(w, http.StatusOK, recognizeResponse{
		Success:     true,
		Text:        text,
		LLMResponse: reply,
		Debug:       debug,
	})
}

// completeOnce collects a whole streamed completion without history.
func (h *Handler) completeOnce(ctx context.Context, input string) (string, error) {
	stream, err := h.model.ChatStream(ctx, llm.ChatRequest{Input: input})
	if err != nil {
		return "", err
	}

	var full strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		full.WriteString(chunk.Content)
	}

	if reply := llm.StripHidden(full.String()); reply != "" {
		return reply, nil
	}
	return llm.FallbackReply, nil
}

func (h *Handler) writeRecognize(w http.ResponseWriter, status int, resp recognizeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("encode recognition result", "error", err)
	}
}

func (h *Handler) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	var stats asr.Stats
	if h.pool != nil {
		stats = h.pool.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		h.log.Error("encode pool stats", "error", err)
	}
}

// dialDedicated opens a stream-configured connection owned by exactly
// one session.
func (h *Handler) dialDedicated(ctx context.Context) (session.Conn, error) {
	client := asr.NewClient(h.cfg.ASRURL(), h.cfg.ASRSkipVerify, h.hearLog)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	if err := client.SendConfig(asr.StreamConfig()); err != nil {
		client.Disconnect()
		return nil, err
	}
	return client, nil
}

func (h *Handler) newUploader(emitter session.Emitter) *session.Uploader {
	return &session.Uploader{
		NewClient: func() *asr.Client {
			return asr.NewClient(h.cfg.ASRURL(), h.cfg.ASRSkipVerify, h.hearLog)
		},
		Model:        h.model,
		Normalizer:   h.norm,
		History:      h.store,
		HistoryLimit: h.cfg.HistoryLimit,
		Emitter:      emitter,
		Logger:       h.log,
	}
}
