package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Packeting1/voicerelay/asr"
	"github.com/Packeting1/voicerelay/audio"
	"github.com/Packeting1/voicerelay/llm"
)

// progressEvery is how many audio frames go out between upload
// progress events.
const progressEvery = 50

// Uploader runs whole-file recognition: a client hands over a complete
// audio file and gets the transcript plus one completion back. Each
// upload uses its own fresh connection, never the pool.
type Uploader struct {
	NewClient    func() *asr.Client
	Model        llm.LanguageModel
	Normalizer   *audio.Normalizer
	History      HistoryStore
	HistoryLimit int
	Emitter      Emitter
	Logger       *log.Logger
}

// HandleFile processes a binary file upload: normalize, stream the
// whole file through a two-pass connection with progress reporting,
// then reply to the transcript.
func (u *Uploader) HandleFile(ctx context.Context, sessionID string, data []byte, filename string) {
	u.Emitter.Emit(FileReceived(audio.Probe(data)))

	pcm, rate := u.Normalizer.Normalize(data, filename)
	if len(pcm) == 0 {
		u.Emitter.Emit(UploadError("could not decode audio file"))
		return
	}
	u.Emitter.Emit(Processing("audio normalized", len(pcm), rate))

	text, err := u.streamFile(ctx, pcm, rate, filename)
	if err != nil {
		u.Logger.Error("upload recognition", "session", sessionID, "error", err)
		u.Emitter.Emit(UploadError("recognition failed"))
		return
	}
	if text == "" {
		u.Emitter.Emit(UploadError("no speech recognized"))
		return
	}
	u.Emitter.Emit(RecognitionFinal(text))

	u.respond(ctx, sessionID, text)
}

// HandleAudioData processes inline audio sent mid-conversation as one
// complete clip, using batch offline recognition with per-segment
// progress.
func (u *Uploader) HandleAudioData(ctx context.Context, sessionID string, data []byte) {
	pcm, rate := u.Normalizer.Normalize(data, "audio_data")
	if len(pcm) == 0 {
		u.Emitter.Emit(UploadError("could not decode audio data"))
		return
	}
	u.Emitter.Emit(Processing("audio normalized", len(pcm), rate))

	text, err := u.NewClient().Recognize(ctx, pcm, rate, func(seg asr.Segment) {
		u.Emitter.Emit(RecognitionSegment(
			asr.CleanTranscript(seg.Text),
			asr.CleanTranscript(seg.Accumulated),
		))
	})
	if err != nil {
		u.Logger.Error("batch recognition", "session", sessionID, "error", err)
		u.Emitter.Emit(UploadError("recognition failed"))
		return
	}

	text = asr.CleanTranscript(text)
	if text == "" {
		u.Emitter.Emit(UploadError("no speech recognized"))
		return
	}
	u.Emitter.Emit(RecognitionFinal(text))

	u.respond(ctx, sessionID, text)
}

// streamFile pushes normalized PCM through a dedicated two-pass
// connection in stride-sized frames and collects the finals.
func (u *Uploader) streamFile(ctx context.Context, pcm []byte, rate int, filename string) (string, error) {
	client := u.NewClient()
	if err := client.Connect(ctx); err != nil {
		return "", err
	}
	defer client.Disconnect()

	if err := client.SendConfig(asr.UploadStreamConfig(rate, filename)); err != nil {
		return "", fmt.Errorf("send upload config: %w", err)
	}

	// 60ms of mono 16-bit audio per frame, matching the stream framing.
	stride := 60 * 10 / 10 * rate * 2 / 1000
	total := (len(pcm) + stride - 1) / stride

	for i := 0; i < total; i++ {
		start := i * stride
		end := start + stride
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := client.SendAudio(pcm[start:end]); err != nil {
			return "", fmt.Errorf("send audio frame %d/%d: %w", i+1, total, err)
		}
		if (i+1)%progressEvery == 0 || i+1 == total {
			u.Emitter.Emit(UploadProgress(i+1, total, filename))
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}

	if err := client.SendConfig(asr.EndOfSpeech()); err != nil {
		return "", fmt.Errorf("send end of speech: %w", err)
	}

	deadline := time.Now().Add(asr.BatchOverallTimeout)
	var acc strings.Builder
	for time.Now().Before(deadline) && client.Connected() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		ev := client.Receive(asr.BatchPollTimeout)
		if ev.Kind == asr.FinalEvent {
			if text := strings.TrimSpace(ev.Text); text != "" {
				acc.WriteString(text)
				acc.WriteString(" ")
			}
		}
		if ev.Done {
			break
		}
	}

	return asr.CleanTranscript(strings.TrimSpace(acc.String())), nil
}

// respond asks the model for one reply to the transcript, filters it,
// and persists the turn.
func (u *Uploader) respond(ctx context.Context, sessionID, input string) {
	history, err := u.History.History(ctx, sessionID, u.HistoryLimit)
	if err != nil {
		u.Logger.Error("load history", "session", sessionID, "error", err)
	}

	u.Emitter.Emit(AIStart(input))

	stream, err := u.Model.ChatStream(ctx, llm.ChatRequest{
		Input:   input,
		History: history,
	})
	if err != nil {
		u.Logger.Error("completion request", "session", sessionID, "error", err)
		u.Emitter.Emit(AIError())
		return
	}

	filter := llm.NewResponseFilter()
	var full strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			u.Logger.Error("completion stream", "session", sessionID, "error", chunk.Err)
			u.Emitter.Emit(AIError())
			return
		}
		full.WriteString(chunk.Content)
		if visible := filter.Feed(chunk.Content); visible != "" {
			u.Emitter.Emit(AIChunk(visible))
		}
	}
	if tail := filter.Flush(); tail != "" {
		u.Emitter.Emit(AIChunk(tail))
	}

	filtered := llm.StripHidden(full.String())
	if filtered == "" {
		u.Emitter.Emit(AIChunk(llm.FallbackReply))
		u.Emitter.Emit(UploadComplete(input, llm.FallbackReply))
		return
	}
	u.Emitter.Emit(UploadComplete(input, filtered))

	if err := u.History.AppendTurn(ctx, sessionID, input, filtered, u.HistoryLimit); err != nil {
		u.Logger.Error("append turn", "session", sessionID, "error", err)
	}
}
