package llm

import (
	"regexp"
	"strings"
)

const (
	startMarker = "<think>"
	endMarker   = "</think>"
)

type filterMode int

const (
	// modeLeadingSkip discards whitespace until real content arrives.
	modeLeadingSkip filterMode = iota
	// modeNormal passes characters through verbatim.
	modeNormal
	// modeHidden discards everything inside a reasoning span.
	modeHidden
)

// ResponseFilter strips hidden reasoning spans from an incrementally
// arriving token stream, one character at a time, so markers split
// across token boundaries are still caught. Everything outside a span
// is forwarded as early as possible; whitespace before the first real
// character is suppressed.
//
// While a possible marker is being matched, characters are buffered
// (never more than the longest marker). If the match fails, the
// buffered characters are flushed (or discarded inside a hidden span)
// and the character that broke the match is re-evaluated fresh, so a
// marker starting immediately after a failed match is still honored.
type ResponseFilter struct {
	mode    filterMode
	owner   filterMode // state to resume when a hidden span ends
	pending string
}

func NewResponseFilter() *ResponseFilter {
	return &ResponseFilter{mode: modeLeadingSkip}
}

// Feed consumes one chunk and returns the text now safe to show.
func (f *ResponseFilter) Feed(chunk string) string {
	var out strings.Builder
	for i := 0; i < len(chunk); i++ {
		f.step(chunk[i], &out)
	}
	return out.String()
}

// Flush ends the stream. A pending partial match becomes literal text
// unless the filter is inside a hidden span (discarded) or never left
// the leading-whitespace state (suppressed).
func (f *ResponseFilter) Flush() string {
	pending := f.pending
	f.pending = ""
	if f.mode == modeHidden || f.mode == modeLeadingSkip {
		return ""
	}
	return pending
}

func (f *ResponseFilter) marker() string {
	if f.mode == modeHidden {
		return endMarker
	}
	return startMarker
}

func (f *ResponseFilter) step(c byte, out *strings.Builder) {
	marker := f.marker()

	if f.pending != "" {
		candidate := f.pending + string(c)
		if candidate == marker {
			f.pending = ""
			if f.mode == modeHidden {
				f.mode = f.owner
			} else {
				f.owner = f.mode
				f.mode = modeHidden
			}
			return
		}
		if strings.HasPrefix(marker, candidate) {
			f.pending = candidate
			return
		}

		// Match broke. Release what was buffered, then give the
		// breaking character a fresh look in the owning state.
		buffered := f.pending
		f.pending = ""
		if f.mode != modeHidden {
			f.release(buffered, out)
		}
		f.step(c, out)
		return
	}

	switch f.mode {
	case modeHidden:
		if c == marker[0] {
			f.pending = string(c)
		}
	case modeLeadingSkip:
		switch {
		case isSpace(c):
			// dropped
		case c == marker[0]:
			f.pending = string(c)
		default:
			out.WriteByte(c)
			f.mode = modeNormal
		}
	case modeNormal:
		if c == marker[0] {
			f.pending = string(c)
			return
		}
		out.WriteByte(c)
	}
}

// release emits failed-match buffer contents, still honoring the
// leading-whitespace rule.
func (f *ResponseFilter) release(buffered string, out *strings.Builder) {
	for i := 0; i < len(buffered); i++ {
		if f.mode == modeLeadingSkip {
			if isSpace(buffered[i]) {
				continue
			}
			f.mode = modeNormal
		}
		out.WriteByte(buffered[i])
	}
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

var (
	hiddenSpanPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)
	blankLinePattern  = regexp.MustCompile(`\n\s*\n`)
)

// StripHidden removes every reasoning span from a complete string and
// collapses the blank lines left behind. Used for the persisted copy
// of a reply; live display goes through ResponseFilter instead.
func StripHidden(text string) string {
	text = hiddenSpanPattern.ReplaceAllString(text, "")
	text = blankLinePattern.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}
