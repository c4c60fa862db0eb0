package asr

import "encoding/json"

// Mode selects how the backend segments and finalizes recognition.
type Mode int

const (
	// ModeTwoPass streams fast provisional results followed by a
	// corrected final result per utterance.
	ModeTwoPass Mode = iota
	// ModeOffline recognizes a complete buffer in one pass.
	ModeOffline
)

func (m Mode) String() string {
	switch m {
	case ModeOffline:
		return "offline"
	default:
		return "2pass"
	}
}

// Framing returns the chunk geometry the backend expects for this mode.
func (m Mode) Framing() (chunkSize []int, chunkInterval int) {
	switch m {
	case ModeOffline:
		return []int{5, 10, 5}, 10
	default:
		return []int{5, 10, 5}, 10
	}
}

// ConfigFrame is the JSON control frame sent over the recognition
// socket. A frame with only IsSpeaking set signals end of speech.
type ConfigFrame struct {
	Mode          string `json:"mode,omitempty"`
	ChunkSize     []int  `json:"chunk_size,omitempty"`
	ChunkInterval int    `json:"chunk_interval,omitempty"`
	AudioFS       int    `json:"audio_fs,omitempty"`
	WavName       string `json:"wav_name,omitempty"`
	WavFormat     string `json:"wav_format,omitempty"`
	IsSpeaking    *bool  `json:"is_speaking,omitempty"`
	Hotwords      string `json:"hotwords,omitempty"`
	ITN           bool   `json:"itn,omitempty"`
}

// StreamConfig is the opening frame for a continuous two-pass session.
func StreamConfig() ConfigFrame {
	chunkSize, chunkInterval := ModeTwoPass.Framing()
	return ConfigFrame{
		Mode:          ModeTwoPass.String(),
		ChunkSize:     chunkSize,
		ChunkInterval: chunkInterval,
		WavName:       "stream",
		IsSpeaking:    boolPtr(true),
	}
}

// OfflineConfig is the opening frame for whole-buffer recognition.
func OfflineConfig(sampleRate int, wavName string) ConfigFrame {
	chunkSize, chunkInterval := ModeOffline.Framing()
	return ConfigFrame{
		Mode:          ModeOffline.String(),
		ChunkSize:     chunkSize,
		ChunkInterval: chunkInterval,
		AudioFS:       sampleRate,
		WavName:       wavName,
		WavFormat:     "pcm",
		IsSpeaking:    boolPtr(true),
		ITN:           true,
	}
}

// UploadStreamConfig is the opening frame for two-pass recognition of
// an uploaded file.
func UploadStreamConfig(sampleRate int, wavName string) ConfigFrame {
	cfg := StreamConfig()
	cfg.AudioFS = sampleRate
	cfg.WavName = wavName
	cfg.WavFormat = "pcm"
	cfg.ITN = true
	return cfg
}

// EndOfSpeech tells the backend the current utterance is over.
func EndOfSpeech() ConfigFrame {
	return ConfigFrame{IsSpeaking: boolPtr(false)}
}

func boolPtr(b bool) *bool { return &b }

// EventKind tags a recognition event.
type EventKind int

const (
	// NoEvent means the poll elapsed or the frame carried nothing
	// usable. It is a liveness signal, not a failure.
	NoEvent EventKind = iota
	// PartialEvent is a fast provisional transcript for the current
	// utterance.
	PartialEvent
	// FinalEvent is a corrected transcript for a finished utterance.
	FinalEvent
)

// Event is a recognition result decoded from an inbound text frame.
type Event struct {
	Kind EventKind
	Text string
	// Done is the backend's explicit end-of-input marker, used to
	// terminate batch recognition.
	Done bool
}

type wireEvent struct {
	Text    string `json:"text"`
	Mode    string `json:"mode"`
	IsFinal bool   `json:"is_final"`
}

// parseEvent decodes an inbound text frame. Frames that are not valid
// JSON yield NoEvent; the protocol treats them as noise.
func parseEvent(raw []byte) Event {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}
	}

	ev := Event{Text: w.Text, Done: w.IsFinal}
	switch w.Mode {
	case "2pass-online":
		ev.Kind = PartialEvent
	case "2pass-offline", "offline":
		ev.Kind = FinalEvent
	}
	return ev
}
