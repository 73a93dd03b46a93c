package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMock(t *testing.T, cfg *MockConfig) (*MockServer, string) {
	t.Helper()
	mock := NewMockServer(cfg)
	srv := httptest.NewServer(http.HandlerFunc(mock.HandleWebSocket))
	t.Cleanup(srv.Close)
	return mock, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, conn Conn) Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend event")
		return Event{}
	}
}

func TestWSDialerConversation(t *testing.T) {
	cfg := DefaultMockConfig("")
	cfg.Questions = []string{"Why Go?"}
	mock, url := startMock(t, cfg)

	conn, err := NewWSDialer(url).Dial(context.Background(), Setup{InterviewID: "iv-1", ExperienceLevel: "mid"})
	require.NoError(t, err)
	defer conn.Close()

	ev := nextEvent(t, conn)
	assert.Equal(t, EventTranscript, ev.Kind)
	assert.Equal(t, cfg.Greeting, ev.Text)
	assert.Equal(t, EventAudio, nextEvent(t, conn).Kind)
	assert.Len(t, nextEvent(t, conn).Audio, cfg.ChunkSamples*2)
	assert.Equal(t, EventTurnComplete, nextEvent(t, conn).Kind)

	require.NoError(t, conn.SendAudio(context.Background(), make([]byte, 320)))
	require.NoError(t, conn.SendText(context.Background(), "[User interrupted]"))
	assert.Equal(t, EventInterrupted, nextEvent(t, conn).Kind)

	require.NoError(t, conn.SendTurnComplete(context.Background()))
	ev = nextEvent(t, conn)
	assert.Equal(t, EventTranscript, ev.Kind)
	assert.Equal(t, "Why Go?", ev.Text)

	require.NoError(t, conn.End(context.Background()))
	for ev := range conn.Events() {
		if ev.Kind == EventClosed {
			assert.NoError(t, ev.Err, "normal closure")
		}
	}

	stats := mock.Stats()
	assert.Equal(t, int64(1), stats.Sessions)
	assert.Equal(t, int64(320), stats.AudioBytes)
	assert.Equal(t, []string{"[User interrupted]"}, stats.Texts)
	assert.Equal(t, int64(1), stats.Ended)
}

func TestWSDialerSetupRejectedIsPermanent(t *testing.T) {
	cfg := DefaultMockConfig("")
	cfg.RejectSetup = true
	mock, url := startMock(t, cfg)

	d := NewWSDialer(url)
	d.InitialInterval = 10 * time.Millisecond
	_, err := d.Dial(context.Background(), Setup{InterviewID: "iv-2"})
	require.ErrorIs(t, err, ErrSetupRejected)
	assert.Contains(t, err.Error(), "after 1 attempts")
	assert.Equal(t, int64(0), mock.Stats().Sessions)
}

func TestWSDialerRetriesUntilAvailable(t *testing.T) {
	mock := NewMockServer(DefaultMockConfig(""))
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		mock.HandleWebSocket(w, r)
	}))
	defer srv.Close()

	d := NewWSDialer("ws" + strings.TrimPrefix(srv.URL, "http"))
	d.InitialInterval = 5 * time.Millisecond
	conn, err := d.Dial(context.Background(), Setup{InterviewID: "iv-3"})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestWSDialerGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewWSDialer("ws" + strings.TrimPrefix(srv.URL, "http"))
	d.InitialInterval = time.Millisecond
	d.MaxRetries = 2
	_, err := d.Dial(context.Background(), Setup{InterviewID: "iv-4"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "first attempt plus two retries")
}

func TestInterviewerInstructions(t *testing.T) {
	assert.Contains(t, InterviewerInstructions("senior"), "senior level candidate")
}
