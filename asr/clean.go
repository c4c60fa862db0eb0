package asr

import (
	"regexp"
	"strings"
)

// Rich-transcription backends tag results with language and event
// markers like <|zh|><|NEUTRAL|><|Speech|>.
var richTagPattern = regexp.MustCompile(`<\|[^|]*\|>\s*`)

// CleanTranscript strips rich-transcription markers and surrounding
// whitespace from recognized text before it is displayed or compared.
func CleanTranscript(text string) string {
	return strings.TrimSpace(richTagPattern.ReplaceAllString(text, ""))
}
