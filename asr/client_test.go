package asr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{}

// wsServer runs handler against every websocket connection and returns
// the ws:// URL to dial.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error("upgrade:", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientConnectSendsStreamConfig(t *testing.T) {
	got := make(chan ConfigFrame, 1)
	url := wsServer(t, func(conn *websocket.Conn) {
		var cfg ConfigFrame
		if err := conn.ReadJSON(&cfg); err != nil {
			t.Error("read config:", err)
			return
		}
		got <- cfg
	})

	c := NewClient(url, false, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.SendConfig(StreamConfig()))
	assert.Equal(t, StateStreaming, c.State())

	select {
	case cfg := <-got:
		assert.Equal(t, "2pass", cfg.Mode)
		assert.Equal(t, []int{5, 10, 5}, cfg.ChunkSize)
		assert.Equal(t, 10, cfg.ChunkInterval)
		require.NotNil(t, cfg.IsSpeaking)
		assert.True(t, *cfg.IsSpeaking)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the config frame")
	}
}

func TestClientSendAudioRequiresConfig(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	c := NewClient(url, false, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	err := c.SendAudio([]byte{0, 0})
	assert.ErrorIs(t, err, ErrNoConfig)
}

func TestClientSendWithoutConnect(t *testing.T) {
	c := NewClient("ws://nowhere", false, testLogger())
	assert.ErrorIs(t, c.SendConfig(StreamConfig()), ErrNotConnected)
	assert.ErrorIs(t, c.SendAudio([]byte{0}), ErrNotConnected)
}

func TestClientReceiveParsesEvents(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"text": "hel", "mode": "2pass-online", "is_final": false,
		})
		// Binary frames and unparseable text are noise between events.
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(map[string]any{
			"text": "hello there", "mode": "2pass-offline", "is_final": false,
		})
		time.Sleep(time.Second)
	})

	c := NewClient(url, false, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	ev := c.Receive(2 * time.Second)
	assert.Equal(t, PartialEvent, ev.Kind)
	assert.Equal(t, "hel", ev.Text)

	ev = c.Receive(2 * time.Second)
	assert.Equal(t, FinalEvent, ev.Kind)
	assert.Equal(t, "hello there", ev.Text)
	assert.False(t, ev.Done)
	assert.True(t, c.Connected())
}

func TestClientReceiveTimeoutKeepsConnection(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})

	c := NewClient(url, false, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	ev := c.Receive(50 * time.Millisecond)
	assert.Equal(t, NoEvent, ev.Kind)
	assert.True(t, c.Connected())
}

func TestClientReceiveDeliversEventsAfterQuietPoll(t *testing.T) {
	release := make(chan struct{})
	url := wsServer(t, func(conn *websocket.Conn) {
		<-release
		conn.WriteJSON(map[string]any{
			"text": "late partial", "mode": "2pass-online", "is_final": false,
		})
		time.Sleep(time.Second)
	})

	c := NewClient(url, false, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	// Quiet intervals are routine during continuous streaming. Polls
	// that elapse must not cost events that arrive afterwards.
	for i := 0; i < 3; i++ {
		ev := c.Receive(50 * time.Millisecond)
		require.Equal(t, NoEvent, ev.Kind)
	}
	require.True(t, c.Connected())

	close(release)
	ev := c.Receive(2 * time.Second)
	assert.Equal(t, PartialEvent, ev.Kind)
	assert.Equal(t, "late partial", ev.Text)
}

func TestClientDisconnectIdempotent(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	c := NewClient(url, false, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Connected())
}

// fakeBackend implements just enough of the offline recognition flow:
// one config frame, binary audio until the end-of-speech frame, one
// final result.
func fakeBackend(t *testing.T, result string) (url string, sawConfig chan ConfigFrame) {
	sawConfig = make(chan ConfigFrame, 1)
	url = wsServer(t, func(conn *websocket.Conn) {
		kind, raw, err := conn.ReadMessage()
		if err != nil || kind != websocket.TextMessage {
			t.Error("expected config frame first")
			return
		}
		var cfg ConfigFrame
		if err := json.Unmarshal(raw, &cfg); err != nil {
			t.Error("bad config frame:", err)
			return
		}
		sawConfig <- cfg

		audioBytes := 0
		for {
			kind, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				audioBytes += len(raw)
				continue
			}
			var end ConfigFrame
			if err := json.Unmarshal(raw, &end); err == nil &&
				end.IsSpeaking != nil && !*end.IsSpeaking {
				break
			}
		}
		if audioBytes == 0 {
			t.Error("backend saw no audio before end of speech")
		}

		conn.WriteJSON(map[string]any{
			"text": result, "mode": "offline", "is_final": true,
		})
		conn.ReadMessage()
	})
	return url, sawConfig
}

func TestRecognizeWholeBuffer(t *testing.T) {
	url, sawConfig := fakeBackend(t, "hello world")

	c := NewClient(url, false, testLogger())
	var segments []Segment
	text, err := c.Recognize(context.Background(), make([]byte, 4000), 16000,
		func(seg Segment) { segments = append(segments, seg) })
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	require.Len(t, segments, 1)
	assert.Equal(t, "hello world", segments[0].Text)

	cfg := <-sawConfig
	assert.Equal(t, "offline", cfg.Mode)
	assert.Equal(t, 16000, cfg.AudioFS)
	assert.Equal(t, "pcm", cfg.WavFormat)
	assert.True(t, cfg.ITN)
}
