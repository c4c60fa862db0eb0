package session

import (
	"github.com/Packeting1/voicerelay/asr"
	"github.com/Packeting1/voicerelay/audio"
)

// Emitter delivers boundary events to the client-facing relay. Web
// handlers implement it over a websocket; tests record what they get.
type Emitter interface {
	Emit(event any) error
}

type UserConnectedEvent struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	ActiveUsers int    `json:"active_users"`
}

func UserConnected(userID string, activeUsers int) UserConnectedEvent {
	return UserConnectedEvent{
		Type:        "user_connected",
		UserID:      userID,
		ActiveUsers: activeUsers,
	}
}

type ASRConnectedEvent struct {
	Type           string     `json:"type"`
	Message        string     `json:"message"`
	ConnectionMode string     `json:"connection_mode"`
	PoolStats      *asr.Stats `json:"pool_stats,omitempty"`
}

func ASRConnected(mode string, stats *asr.Stats) ASRConnectedEvent {
	return ASRConnectedEvent{
		Type:           "asr_connected",
		Message:        "recognition backend connected",
		ConnectionMode: mode,
		PoolStats:      stats,
	}
}

type ASRConnectionFailedEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func ASRConnectionFailed(err error) ASRConnectionFailedEvent {
	return ASRConnectionFailedEvent{
		Type:    "asr_connection_failed",
		Message: "could not reach the recognition backend",
		Error:   err.Error(),
	}
}

type RecognitionPartialEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func RecognitionPartial(text string) RecognitionPartialEvent {
	return RecognitionPartialEvent{Type: "recognition_partial", Text: text}
}

type RecognitionFinalEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func RecognitionFinal(text string) RecognitionFinalEvent {
	return RecognitionFinalEvent{Type: "recognition_final", Text: text}
}

// RecognitionSegmentEvent reports one finalized fragment while a
// whole file is being recognized.
type RecognitionSegmentEvent struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Accumulated string `json:"accumulated"`
}

func RecognitionSegment(text, accumulated string) RecognitionSegmentEvent {
	return RecognitionSegmentEvent{
		Type:        "recognition_segment",
		Text:        text,
		Accumulated: accumulated,
	}
}

type AIStartEvent struct {
	Type     string `json:"type"`
	UserText string `json:"user_text"`
}

func AIStart(userText string) AIStartEvent {
	return AIStartEvent{Type: "ai_start", UserText: userText}
}

type AIChunkEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func AIChunk(content string) AIChunkEvent {
	return AIChunkEvent{Type: "ai_chunk", Content: content}
}

type AICompleteEvent struct {
	Type         string `json:"type"`
	FullResponse string `json:"full_response"`
}

func AIComplete(fullResponse string) AICompleteEvent {
	return AICompleteEvent{Type: "ai_complete", FullResponse: fullResponse}
}

type AIErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func AIError() AIErrorEvent {
	return AIErrorEvent{
		Type:  "ai_error",
		Error: "the assistant is temporarily unavailable, please try again later",
	}
}

type FileReceivedEvent struct {
	Type string     `json:"type"`
	Size int        `json:"size"`
	Info audio.Info `json:"info"`
}

func FileReceived(info audio.Info) FileReceivedEvent {
	return FileReceivedEvent{Type: "file_received", Size: info.Size, Info: info}
}

type ProcessingEvent struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	ProcessedSize int    `json:"processed_size,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
}

func Processing(message string, processedSize, sampleRate int) ProcessingEvent {
	return ProcessingEvent{
		Type:          "processing",
		Message:       message,
		ProcessedSize: processedSize,
		SampleRate:    sampleRate,
	}
}

type UploadProgressEvent struct {
	Type     string  `json:"type"`
	Progress float64 `json:"progress,omitempty"`
	Current  int     `json:"current,omitempty"`
	Total    int     `json:"total,omitempty"`
	Message  string  `json:"message,omitempty"`
	Filename string  `json:"filename,omitempty"`
}

func UploadProgress(current, total int, filename string) UploadProgressEvent {
	var pct float64
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	}
	return UploadProgressEvent{
		Type:     "upload_progress",
		Progress: pct,
		Current:  current,
		Total:    total,
		Filename: filename,
	}
}

type UploadCompleteEvent struct {
	Type           string `json:"type"`
	Message        string `json:"message,omitempty"`
	RecognizedText string `json:"recognized_text,omitempty"`
	LLMResponse    string `json:"llm_response,omitempty"`
}

func UploadComplete(recognized, reply string) UploadCompleteEvent {
	return UploadCompleteEvent{
		Type:           "upload_complete",
		Message:        "file processed",
		RecognizedText: recognized,
		LLMResponse:    reply,
	}
}

type UploadErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func UploadError(message string) UploadErrorEvent {
	return UploadErrorEvent{Type: "upload_error", Error: message}
}

type ConversationResetEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func ConversationReset() ConversationResetEvent {
	return ConversationResetEvent{
		Type:    "conversation_reset",
		Message: "conversation history cleared",
	}
}

type PoolStatsEvent struct {
	Type  string    `json:"type"`
	Stats asr.Stats `json:"stats"`
}

func PoolStats(stats asr.Stats) PoolStatsEvent {
	return PoolStatsEvent{Type: "pool_stats", Stats: stats}
}
