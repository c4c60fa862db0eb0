package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/charmbracelet/log"
)

const DefaultSampleRate = 16000

// Format is the container detected from magic bytes.
type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatOgg     Format = "ogg"
	FormatFLAC    Format = "flac"
	FormatUnknown Format = "unknown"
)

// Info describes an uploaded audio blob without decoding it fully.
type Info struct {
	Size       int     `json:"size"`
	Format     Format  `json:"format"`
	Channels   int     `json:"channels"`
	SampleRate int     `json:"sample_rate"`
	Duration   float64 `json:"duration"`
}

// DetectFormat sniffs the container from magic bytes.
func DetectFormat(data []byte) Format {
	switch {
	case len(data) >= 12 &&
		bytes.HasPrefix(data, []byte("RIFF")) &&
		bytes.Contains(data[:12], []byte("WAVE")):
		return FormatWAV
	case bytes.HasPrefix(data, []byte("ID3")),
		len(data) >= 2 && data[0] == 0xff && data[1]&0xe0 == 0xe0:
		return FormatMP3
	case bytes.HasPrefix(data, []byte("OggS")):
		return FormatOgg
	case bytes.HasPrefix(data, []byte("fLaC")):
		return FormatFLAC
	default:
		return FormatUnknown
	}
}

// Probe returns container metadata. Only WAV headers are parsed; other
// formats report size and magic only.
func Probe(data []byte) Info {
	info := Info{
		Size:   len(data),
		Format: DetectFormat(data),
	}

	if info.Format != FormatWAV {
		return info
	}

	wav, err := parseWAV(data)
	if err != nil {
		return info
	}

	info.Channels = wav.channels
	info.SampleRate = wav.sampleRate
	frames := len(wav.data) / wav.blockAlign()
	if wav.sampleRate > 0 {
		info.Duration = float64(frames) / float64(wav.sampleRate)
	}
	return info
}

// Normalizer converts arbitrary uploaded audio into mono 16-bit
// little-endian PCM at a target rate. It never panics or returns an
// error to callers: anything it cannot decode comes back as an empty
// buffer at the default rate.
type Normalizer struct {
	TargetRate int
	Decoder    Decoder
	log        *log.Logger
}

func NewNormalizer(targetRate int, logger *log.Logger) *Normalizer {
	if targetRate <= 0 {
		targetRate = DefaultSampleRate
	}
	return &Normalizer{
		TargetRate: targetRate,
		Decoder:    &FFmpegDecoder{SampleRate: targetRate},
		log:        logger,
	}
}

// Normalize returns (pcm, sampleRate). Non-WAV containers go through
// the external decoder, which emits a canonical WAV that re-enters the
// same pipeline.
func (n *Normalizer) Normalize(data []byte, filename string) ([]byte, int) {
	pcm, rate, err := n.normalize(data, filename, true)
	if err != nil {
		n.log.Warn("audio decode failed", "file", filename, "error", err)
		return nil, n.TargetRate
	}
	return pcm, rate
}

func (n *Normalizer) normalize(
	data []byte,
	filename string,
	allowExternal bool,
) ([]byte, int, error) {
	if DetectFormat(data) == FormatWAV {
		wav, err := parseWAV(data)
		if err != nil {
			return nil, 0, err
		}

		pcm, err := toMono16(wav.data, wav.channels, wav.sampleWidth())
		if err != nil {
			return nil, 0, err
		}

		if wav.sampleRate != n.TargetRate {
			pcm = Resample(pcm, wav.sampleRate, n.TargetRate)
		}
		return pcm, n.TargetRate, nil
	}

	if !allowExternal || n.Decoder == nil {
		return nil, 0, fmt.Errorf("unsupported container: %s", DetectFormat(data))
	}

	wavData, err := n.Decoder.Decode(data, filename)
	if err != nil {
		return nil, 0, fmt.Errorf("external decode: %w", err)
	}
	return n.normalize(wavData, filename, false)
}

type wavFile struct {
	channels      int
	sampleRate    int
	bitsPerSample int
	data          []byte
}

func (w *wavFile) sampleWidth() int { return w.bitsPerSample / 8 }
func (w *wavFile) blockAlign() int {
	ba := w.channels * w.sampleWidth()
	if ba == 0 {
		return 1
	}
	return ba
}

// parseWAV walks RIFF chunks looking for fmt and data.
func parseWAV(data []byte) (*wavFile, error) {
	if len(data) < 12 || !bytes.HasPrefix(data, []byte("RIFF")) ||
		string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE file")
	}

	w := &wavFile{}
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		pos += 8
		if size < 0 || pos+size > len(data) {
			size = len(data) - pos
		}
		body := data[pos : pos+size]

		switch id {
		case "fmt ":
			if len(body) < 16 {
				return nil, fmt.Errorf("short fmt chunk: %d bytes", len(body))
			}
			w.channels = int(binary.LittleEndian.Uint16(body[2:4]))
			w.sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			w.bitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
		case "data":
			w.data = body
		}

		pos += size
		if size%2 == 1 {
			pos++ // RIFF chunks are word-aligned
		}
	}

	if w.channels == 0 || w.sampleRate == 0 {
		return nil, fmt.Errorf("missing fmt chunk")
	}
	if w.data == nil {
		return nil, fmt.Errorf("missing data chunk")
	}
	switch w.bitsPerSample {
	case 8, 16, 32:
	default:
		return nil, fmt.Errorf("unsupported sample width: %d bits", w.bitsPerSample)
	}
	return w, nil
}

// toMono16 downmixes by averaging channels per sample frame and scales
// samples into the signed 16-bit range.
func toMono16(data []byte, channels, sampleWidth int) ([]byte, error) {
	if sampleWidth == 2 && channels == 1 {
		return data, nil
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}

	var samples []int
	switch sampleWidth {
	case 1:
		samples = make([]int, len(data))
		for i, b := range data {
			// 8-bit WAV is unsigned; center then scale up.
			samples[i] = (int(b) - 128) * 256
		}
	case 2:
		samples = make([]int, len(data)/2)
		for i := range samples {
			samples[i] = int(int16(binary.LittleEndian.Uint16(data[2*i:])))
		}
	case 4:
		samples = make([]int, len(data)/4)
		for i := range samples {
			samples[i] = int(int32(binary.LittleEndian.Uint32(data[4*i:]))) / 65536
		}
	default:
		return nil, fmt.Errorf("unsupported sample width: %d bytes", sampleWidth)
	}

	if channels > 1 {
		mono := make([]int, 0, len(samples)/channels)
		for i := 0; i+channels <= len(samples); i += channels {
			sum := 0
			for _, s := range samples[i : i+channels] {
				sum += s
			}
			mono = append(mono, sum/channels)
		}
		samples = mono
	}

	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return out, nil
}

// Resample converts mono 16-bit PCM between rates using linear
// interpolation. Positions past the last source sample clamp to it.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}

	ratio := float64(toRate) / float64(fromRate)
	outLen := int(float64(len(samples)) * ratio)
	out := make([]byte, 2*outLen)

	for i := 0; i < outLen; i++ {
		srcPos := float64(i) / ratio
		idx := int(srcPos)

		var v int16
		if idx >= len(samples)-1 {
			v = samples[len(samples)-1]
		} else {
			t := srcPos - float64(idx)
			v = int16(float64(samples[idx])*(1-t) + float64(samples[idx+1])*t)
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}
