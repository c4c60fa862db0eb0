package asr

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// BatchFrameSize matches the backend's reference client framing.
	BatchFrameSize = 960

	// StreamPollTimeout is the receive poll used by continuous
	// sessions; BatchPollTimeout the one used while draining batch
	// results.
	StreamPollTimeout = 1 * time.Second
	BatchPollTimeout  = 5 * time.Second

	// BatchOverallTimeout bounds a whole batch recognition. Hitting
	// it returns whatever text accumulated so far.
	BatchOverallTimeout = 60 * time.Second
)

// Segment is one finalized fragment reported during batch recognition.
type Segment struct {
	Text        string
	Accumulated string
}

// Recognize runs whole-buffer recognition over this connection: one
// offline config frame, the PCM split into fixed-size binary frames,
// an end-of-speech frame, then polling until the backend flags the
// result final or the overall bound elapses. It returns the
// concatenation of all finalized fragments, best effort. The progress
// callback, if set, fires per finalized fragment.
func (c *Client) Recognize(
	ctx context.Context,
	pcm []byte,
	sampleRate int,
	progress func(Segment),
) (string, error) {
	if err := c.Connect(ctx); err != nil {
		return "", err
	}
	defer c.Disconnect()

	if err := c.SendConfig(OfflineConfig(sampleRate, "uploaded_audio")); err != nil {
		return "", err
	}

	var (
		mu          sync.Mutex
		accumulated strings.Builder
	)
	deadline := time.Now().Add(BatchOverallTimeout)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			if time.Now().After(deadline) {
				c.log.Warn("batch recognition timed out, returning partial text")
				return nil
			}
			if c.State() == StateClosed {
				return nil
			}

			ev := c.Receive(BatchPollTimeout)
			if ev.Kind == FinalEvent && strings.TrimSpace(ev.Text) != "" {
				mu.Lock()
				accumulated.WriteString(strings.TrimSpace(ev.Text))
				accumulated.WriteString(" ")
				snapshot := accumulated.String()
				mu.Unlock()

				if progress != nil {
					progress(Segment{
						Text:        strings.TrimSpace(ev.Text),
						Accumulated: strings.TrimSpace(snapshot),
					})
				}
			}
			if ev.Done {
				return nil
			}
		}
	})

	g.Go(func() error {
		for pos := 0; pos < len(pcm); pos += BatchFrameSize {
			select {
			case <-gctx.Done():
				return nil
			default:
			}

			end := pos + BatchFrameSize
			if end > len(pcm) {
				end = len(pcm)
			}
			if err := c.SendAudio(pcm[pos:end]); err != nil {
				return err
			}
		}
		return c.SendConfig(EndOfSpeech())
	})

	err := g.Wait()

	mu.Lock()
	text := strings.TrimSpace(accumulated.String())
	mu.Unlock()
	return text, err
}
