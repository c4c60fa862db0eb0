package audio

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Decoder converts a compressed container into a canonical WAV blob.
type Decoder interface {
	Decode(data []byte, filename string) ([]byte, error)
}

// FFmpegDecoder shells out to ffmpeg for everything the WAV path
// cannot handle directly.
type FFmpegDecoder struct {
	SampleRate int
}

func (d *FFmpegDecoder) Decode(data []byte, filename string) ([]byte, error) {
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".bin"
	}

	in, err := os.CreateTemp("", "voicerelay-in-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create temp input: %w", err)
	}
	defer os.Remove(in.Name())

	if _, err := in.Write(data); err != nil {
		in.Close()
		return nil, fmt.Errorf("write temp input: %w", err)
	}
	in.Close()

	out, err := os.CreateTemp("", "voicerelay-out-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp output: %w", err)
	}
	out.Close()
	defer os.Remove(out.Name())

	rate := d.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}

	cmd := exec.Command(
		"ffmpeg",
		"-i", in.Name(),
		"-ar", fmt.Sprintf("%d", rate),
		"-ac", "1",
		"-f", "wav",
		"-y",
		out.Name(),
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, output)
	}

	return os.ReadFile(out.Name())
}
