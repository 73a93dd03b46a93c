package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoLiveInterview/internal/protocol"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeJSON(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func nextEvent(t *testing.T, ch *Channel) Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestChannelDeliversTypedEvents(t *testing.T) {
	received := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		writeJSON(t, conn, protocol.Connected("iv-1"))
		writeJSON(t, conn, protocol.Transcript("Hello, tell me about yourself?"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session_resumed"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.BinaryMessage, protocol.EncodePCM16(make([]float32, 480)))
		writeJSON(t, conn, protocol.Warning(1, 2, "careful"))

		for i := 0; i < 2; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
		conn.ReadMessage()
	}))
	defer srv.Close()

	ch, err := Dial(context.Background(), DefaultConfig(wsURL(srv)))
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, "iv-1", ch.InterviewID())
	assert.Equal(t, StateConnected, ch.State())

	assert.Equal(t, EventConnected, nextEvent(t, ch).Kind)

	ev := nextEvent(t, ch)
	assert.Equal(t, EventTranscript, ev.Kind)
	assert.Equal(t, "Hello, tell me about yourself?", ev.Message.Text)

	ev = nextEvent(t, ch)
	assert.Equal(t, EventAudio, ev.Kind, "unknown and malformed messages are skipped")
	assert.Len(t, ev.Audio, 960)

	ev = nextEvent(t, ch)
	assert.Equal(t, EventWarning, ev.Kind)
	assert.Equal(t, 1, ev.Message.Strikes)

	require.NoError(t, ch.Send(context.Background(), protocol.EndInterview()))
	require.NoError(t, ch.SendAudio(context.Background(), protocol.AudioFrame{Samples: make([]float32, 4)}))

	assert.JSONEq(t, `{"type":"end_interview"}`, string(<-received))
	assert.Len(t, <-received, 16)
}

func TestChannelConnectTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := DefaultConfig(wsURL(srv))
	cfg.ConnectTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := Dial(context.Background(), cfg)
	require.ErrorIs(t, err, ErrConnectTimeout)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestChannelRejectedWithCloseCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4004, "interview not found"),
			time.Now().Add(time.Second))
		conn.ReadMessage()
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), DefaultConfig(wsURL(srv)))
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "4004")
}

func TestChannelReportsDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		writeJSON(t, conn, protocol.Connected("iv-2"))
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4003, "terminated"),
			time.Now().Add(time.Second))
		conn.Close()
	}))
	defer srv.Close()

	ch, err := Dial(context.Background(), DefaultConfig(wsURL(srv)))
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, EventConnected, nextEvent(t, ch).Kind)
	ev := nextEvent(t, ch)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrDisconnected)
	assert.Equal(t, 4003, ev.CloseCode)

	_, open := <-ch.Events()
	assert.False(t, open)
	assert.ErrorIs(t, ch.Send(context.Background(), protocol.EndInterview()), ErrDisconnected)
}
