package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoLiveInterview/internal/backend"
	"GoLiveInterview/internal/protocol"
	"GoLiveInterview/internal/session"
	"GoLiveInterview/internal/store"
	"GoLiveInterview/internal/vad"
	"GoLiveInterview/internal/violation"
)

type harness struct {
	mgr   *Manager
	mock  *backend.MockServer
	store *store.MemoryStore
	url   string
}

// 测试用 VAD：首个采样大于 0.5 即为语音
var firstSampleVAD = vad.Func(func(samples []float32) bool {
	return len(samples) > 0 && samples[0] > 0.5
})

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SilenceFrames = 3
	cfg.Face.PollInterval = 20 * time.Millisecond
	cfg.Face.GraceWindow = 50 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, mockCfg *backend.MockConfig, opts ...Option) *harness {
	t.Helper()
	if mockCfg == nil {
		mockCfg = backend.DefaultMockConfig("")
	}
	mock := backend.NewMockServer(mockCfg)
	backendSrv := httptest.NewServer(http.HandlerFunc(mock.HandleWebSocket))
	t.Cleanup(backendSrv.Close)

	dialer := backend.NewWSDialer("ws" + strings.TrimPrefix(backendSrv.URL, "http"))
	dialer.ConnectTimeout = 2 * time.Second
	return newHarnessWithDialer(t, dialer, mock, opts...)
}

func newHarnessWithDialer(t *testing.T, dialer backend.Dialer, mock *backend.MockServer, opts ...Option) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	return newHarnessWithStore(t, dialer, mock, mem, mem, opts...)
}

// newHarnessWithStore 运行时写 st，断言读 mem（st 通常包装 mem）
func newHarnessWithStore(t *testing.T, dialer backend.Dialer, mock *backend.MockServer, st store.Store, mem *store.MemoryStore, opts ...Option) *harness {
	t.Helper()
	opts = append([]Option{WithClassifier(func() vad.Classifier { return firstSampleVAD })}, opts...)
	mgr := NewManager(testConfig(), st, dialer, opts...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mgr.HandleWebSocket(w, r, strings.TrimPrefix(r.URL.Path, "/ws/interview/"))
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
		srv.Close()
	})

	return &harness{mgr: mgr, mock: mock, store: mem, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (h *harness) create(t *testing.T, resumeID string) *store.Interview {
	t.Helper()
	iv, err := h.mgr.CreateInterview(context.Background(), resumeID, session.LevelMid)
	require.NoError(t, err)
	return iv
}

func (h *harness) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url+"/ws/interview/"+id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func sendFrame(t *testing.T, conn *websocket.Conn, speech bool) {
	t.Helper()
	frame := make([]float32, protocol.CaptureFrameSamples)
	if speech {
		frame[0] = 0.9
	}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFloat32(frame)))
}

// readUntil 读取消息直到出现指定类型，跳过音频和其他控制消息
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.MessageType) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		if msg.Type == want {
			return msg
		}
	}
}

// readClose 读取直到连接关闭，返回关闭码
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr.Code
	}
}

func mockTexts(h *harness) []string {
	return h.mock.Stats().Texts
}

func TestWarnThenTerminateOverWebSocket(t *testing.T) {
	h := newHarness(t, nil)
	iv := h.create(t, "resume-1")
	conn := h.dial(t, iv.ID)

	connected := readUntil(t, conn, protocol.TypeConnected)
	assert.Equal(t, iv.ID, connected.InterviewID)
	rt, ok := h.mgr.Get(iv.ID)
	require.True(t, ok)

	send(t, conn, protocol.CheatingDetected("tab_switch", 1.0, nil))
	warning := readUntil(t, conn, protocol.TypeWarning)
	assert.Equal(t, 1, warning.Strikes)
	assert.Equal(t, 2, warning.MaxStrikes)
	assert.Contains(t, warning.Message, "One more violation will terminate your interview")

	assert.Eventually(t, func() bool {
		for _, text := range mockTexts(h) {
			if text == "[System: Warning issued to candidate. Strike 1 of 2]" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	send(t, conn, protocol.CheatingDetected("copy_attempt", 0.9, map[string]any{"action": "copy"}))
	terminated := readUntil(t, conn, protocol.TypeTerminated)
	assert.Equal(t, 2, terminated.Strikes)
	assert.Equal(t, violation.TerminatedMessage, terminated.Message)
	assert.Equal(t, int(session.CloseTerminated), readClose(t, conn))
	<-rt.Done()
	assert.Equal(t, session.StateTerminated, rt.Session().State())

	stored, err := h.store.GetInterview(context.Background(), iv.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminated, stored.Status)
	assert.Equal(t, 2, stored.Strikes)
	assert.Contains(t, stored.TerminationReason, "tab_switch, copy_attempt")

	events, err := h.store.ListEvents(context.Background(), iv.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].StrikeNumber)
	assert.Equal(t, 2, events[1].StrikeNumber)

	assert.Eventually(t, func() bool { return h.mock.Stats().Ended == 1 }, 2*time.Second, 10*time.Millisecond)
	_, live := h.mgr.Get(iv.ID)
	assert.False(t, live)
}

func TestRejectsUnknownAndFinishedInterviews(t *testing.T) {
	h := newHarness(t, nil)

	conn := h.dial(t, "missing")
	assert.Equal(t, int(session.CloseNotFound), readClose(t, conn))

	iv := h.create(t, "resume-2")
	_, err := h.mgr.EndInterview(context.Background(), iv.ID)
	require.NoError(t, err)

	conn = h.dial(t, iv.ID)
	assert.Equal(t, int(session.CloseNotInProgress), readClose(t, conn))
}

func TestSecondConnectionIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	iv := h.create(t, "resume-3")

	first := h.dial(t, iv.ID)
	readUntil(t, first, protocol.TypeConnected)

	second := h.dial(t, iv.ID)
	assert.Equal(t, int(session.CloseNotInProgress), readClose(t, second))
}

func TestBackendFailureClosesWith4002(t *testing.T) {
	dialer := backend.DialerFunc(func(ctx context.Context, setup backend.Setup) (backend.Conn, error) {
		return nil, errors.New("quota exceeded")
	})
	h := newHarnessWithDialer(t, dialer, nil)
	iv := h.create(t, "resume-4")

	conn := h.dial(t, iv.ID)
	msg := readUntil(t, conn, protocol.TypeError)
	assert.Contains(t, msg.Message, "quota exceeded")
	assert.Equal(t, int(session.CloseBackendFailure), readClose(t, conn))

	// 面试保持进行中，可以重新连接
	rt, ok := h.mgr.Get(iv.ID)
	require.True(t, ok)
	assert.Equal(t, session.StateConnecting, rt.Session().State())
}

func TestBargeInAndTurnCompletion(t *testing.T) {
	mockCfg := backend.DefaultMockConfig("")
	mockCfg.AudioChunks = 100
	mockCfg.ChunkInterval = 20 * time.Millisecond
	h := newHarness(t, mockCfg)
	iv := h.create(t, "resume-5")
	conn := h.dial(t, iv.ID)

	readUntil(t, conn, protocol.TypeConnected)
	greeting := readUntil(t, conn, protocol.TypeTranscript)
	assert.Equal(t, mockCfg.Greeting, greeting.Text)

	// 面试官说话时候选人开口：插话
	sendFrame(t, conn, true)
	readUntil(t, conn, protocol.TypeInterrupted)
	sendFrame(t, conn, true)

	for i := 0; i < 3; i++ {
		sendFrame(t, conn, false)
	}

	assert.Eventually(t, func() bool { return h.mock.Stats().TurnsComplete == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{BargeInText}, mockTexts(h), "barge-in sent once per turn")
	assert.Equal(t, int64(2*protocol.CaptureFrameSamples*protocol.PCM16SampleSize), h.mock.Stats().AudioBytes,
		"only speech frames are forwarded")

	rt, ok := h.mgr.Get(iv.ID)
	require.True(t, ok)
	stats := rt.Session().Recorder.Stats()
	assert.Equal(t, int64(5), stats.FramesIn)
	assert.Equal(t, int64(2), stats.SpeechFrames)
	assert.Equal(t, int64(1), stats.BargeIns)
	assert.Equal(t, int64(1), stats.TurnsComplete)
}

func TestSilenceWithoutSpeechDoesNotCompleteTurn(t *testing.T) {
	h := newHarness(t, nil)
	iv := h.create(t, "resume-6")
	conn := h.dial(t, iv.ID)
	readUntil(t, conn, protocol.TypeConnected)

	for i := 0; i < 10; i++ {
		sendFrame(t, conn, false)
	}
	send(t, conn, protocol.Message{Type: protocol.TypeText, Text: "ping"})

	assert.Eventually(t, func() bool { return len(mockTexts(h)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), h.mock.Stats().TurnsComplete)
	assert.Equal(t, int64(0), h.mock.Stats().AudioBytes)
}

func TestSignalMessagesFeedAggregator(t *testing.T) {
	h := newHarness(t, nil)
	iv := h.create(t, "resume-7")
	conn := h.dial(t, iv.ID)
	readUntil(t, conn, protocol.TypeConnected)

	send(t, conn, protocol.SignalState(protocol.SignalVisibility, false))
	warning := readUntil(t, conn, protocol.TypeWarning)
	assert.Equal(t, 1, warning.Strikes)

	// 同一次切屏产生的失焦不重复计数
	send(t, conn, protocol.SignalState(protocol.SignalFocus, false))
	send(t, conn, protocol.SignalFaceCount(2))

	terminated := readUntil(t, conn, protocol.TypeTerminated)
	assert.Equal(t, 2, terminated.Strikes)
	assert.Equal(t, int(session.CloseTerminated), readClose(t, conn))

	events, err := h.store.ListEvents(context.Background(), iv.ID)
	require.NoError(t, err)
	byKind := map[string]bool{}
	for _, ev := range events {
		byKind[ev.EventType] = ev.ResultedInStrike
	}
	assert.Equal(t, map[string]bool{
		"tab_switch":     true,
		"window_blur":    false,
		"multiple_faces": true,
	}, byKind)
}

func TestEndInterviewReturnsSummary(t *testing.T) {
	evaluator := EvaluatorFunc(func(ctx context.Context, snap session.Snapshot, transcript []session.TranscriptEntry) (map[string]any, error) {
		return map[string]any{"transcript_entries": len(transcript)}, nil
	})
	h := newHarness(t, nil, WithEvaluator(evaluator))
	iv := h.create(t, "resume-8")
	conn := h.dial(t, iv.ID)

	readUntil(t, conn, protocol.TypeConnected)
	readUntil(t, conn, protocol.TypeTranscript)
	send(t, conn, protocol.Message{Type: protocol.TypeText, Text: "I build services in Go."})
	assert.Eventually(t, func() bool { return len(mockTexts(h)) == 1 }, 2*time.Second, 10*time.Millisecond)

	summary, err := h.mgr.EndInterview(context.Background(), iv.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.QuestionsAsked)
	assert.Equal(t, 2, summary.Evaluation["transcript_entries"])
	assert.Empty(t, summary.TerminationReason)
	assert.Equal(t, int(session.CloseNormal), readClose(t, conn))

	_, err = h.mgr.EndInterview(context.Background(), iv.ID)
	assert.ErrorIs(t, err, store.ErrInvalidStatus)

	stored, err := h.store.GetInterview(context.Background(), iv.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.Evaluation["transcript_entries"])
}

func TestEndInterviewMessageFromBrowser(t *testing.T) {
	h := newHarness(t, nil)
	iv := h.create(t, "resume-9")
	conn := h.dial(t, iv.ID)
	readUntil(t, conn, protocol.TypeConnected)

	send(t, conn, protocol.EndInterview())
	assert.Equal(t, int(session.CloseNormal), readClose(t, conn))

	assert.Eventually(t, func() bool {
		stored, err := h.store.GetInterview(context.Background(), iv.ID)
		return err == nil && stored.Status == session.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBrowserDisconnectEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	iv := h.create(t, "resume-10")
	conn := h.dial(t, iv.ID)
	readUntil(t, conn, protocol.TypeConnected)

	rt, ok := h.mgr.Get(iv.ID)
	require.True(t, ok)
	conn.Close()

	select {
	case <-rt.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish after disconnect")
	}
	assert.Equal(t, session.StateDisconnected, rt.Session().State())
	assert.Eventually(t, func() bool { return h.mock.Stats().Ended == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReportViolationWithoutBrowser(t *testing.T) {
	h := newHarness(t, nil)
	iv := h.create(t, "resume-11")
	ctx := context.Background()

	rep, err := h.mgr.ReportViolation(ctx, iv.ID, "right_click", 0.3, nil)
	require.NoError(t, err)
	assert.True(t, rep.Recorded)
	assert.Equal(t, "IGNORED", rep.Outcome)
	assert.Equal(t, 0, rep.Strikes)

	rep, err = h.mgr.ReportViolation(ctx, iv.ID, "tab_switch", 1.0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Strikes)
	assert.False(t, rep.Terminated)
	assert.NotEmpty(t, rep.WarningMessage)

	rt, ok := h.mgr.Get(iv.ID)
	require.True(t, ok)

	rep, err = h.mgr.ReportViolation(ctx, iv.ID, "phone_detected", 0.95, nil)
	require.NoError(t, err)
	assert.True(t, rep.Terminated)
	assert.Len(t, rep.Events, 2)
	assert.Equal(t, violation.KindLookingAway, rep.Events[1].Event.Kind)
	<-rt.Done()

	// 终止后的上报只回显状态
	rep, err = h.mgr.ReportViolation(ctx, iv.ID, "tab_switch", 1.0, nil)
	require.NoError(t, err)
	assert.False(t, rep.Recorded)
	assert.True(t, rep.Terminated)
	assert.Equal(t, 2, rep.Strikes)

	status, err := h.mgr.GetStatus(ctx, iv.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminated, status.Status)

	_, err = h.mgr.ReportViolation(ctx, "missing", "tab_switch", 1.0, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateInterviewConflict(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, "resume-12")

	_, err := h.mgr.CreateInterview(context.Background(), "resume-12", session.LevelSenior)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 1, h.mgr.ActiveSessions())
}

func TestUpdateTuningAppliesToLiveSessions(t *testing.T) {
	h := newHarness(t, nil)
	iv := h.create(t, "resume-13")

	tuned := violation.DefaultConfig()
	tuned.Threshold = 0.9
	h.mgr.UpdateTuning(tuned)

	rep, err := h.mgr.ReportViolation(context.Background(), iv.ID, "window_blur", 0.85, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Strikes)
}

// blockingStore 记录终止性 strike 时阻塞，直到测试放行
type blockingStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) RecordEvent(ctx context.Context, ev *store.CheatingEvent) error {
	if ev.StrikeNumber == 2 {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.MemoryStore.RecordEvent(ctx, ev)
}

func TestTerminalStrikeWinsOverConcurrentEnd(t *testing.T) {
	mock := backend.NewMockServer(backend.DefaultMockConfig(""))
	mem := store.NewMemoryStore()
	st := &blockingStore{MemoryStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWithStore(t, backend.DialerFunc(func(ctx context.Context, setup backend.Setup) (backend.Conn, error) {
		return nil, errors.New("not dialed in this test")
	}), mock, st, mem)

	iv := h.create(t, "resume-14")
	ctx := context.Background()
	rt, ok := h.mgr.Get(iv.ID)
	require.True(t, ok)

	rep, err := h.mgr.ReportViolation(ctx, iv.ID, "tab_switch", 1.0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Strikes)

	reports := make(chan *Report, 1)
	go func() {
		rep, err := h.mgr.ReportViolation(ctx, iv.ID, "copy_attempt", 0.9, nil)
		assert.NoError(t, err)
		reports <- rep
	}()

	select {
	case <-st.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("terminal strike was not persisted")
	}

	// 终止判定已经抢占控制器：存储写入尚未完成时，正常结束和新的轮次都被拒绝
	assert.Equal(t, session.StateTerminating, rt.Session().State())
	_, err = h.mgr.EndInterview(ctx, iv.ID)
	assert.ErrorIs(t, err, store.ErrInvalidStatus)
	_, ok = rt.Controller().BeginHumanTurn()
	assert.False(t, ok)
	assert.False(t, rt.Controller().BeginAgentTurn())

	close(st.release)
	var terminal *Report
	select {
	case terminal = <-reports:
	case <-time.After(3 * time.Second):
		t.Fatal("report did not return")
	}
	require.NotNil(t, terminal)
	assert.True(t, terminal.Terminated)
	assert.Equal(t, 2, terminal.Strikes)
	<-rt.Done()

	stored, err := mem.GetInterview(ctx, iv.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminated, stored.Status)
	assert.Equal(t, terminal.TerminationReason, stored.TerminationReason)
	assert.Contains(t, stored.TerminationReason, "tab_switch, copy_attempt")
}

func TestStrikeAfterCompletionIsNotCounted(t *testing.T) {
	h := newHarness(t, nil)
	iv := h.create(t, "resume-15")
	ctx := context.Background()
	rt, ok := h.mgr.Get(iv.ID)
	require.True(t, ok)

	_, err := h.mgr.ReportViolation(ctx, iv.ID, "tab_switch", 1.0, nil)
	require.NoError(t, err)

	summary, err := h.mgr.EndInterview(ctx, iv.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, summary.Status)

	// 运行时已经结束，迟到的终止性事件只进审计日志
	rep := rt.Report(violation.NewEvent(violation.KindCopyAttempt, 0.9, nil))
	assert.False(t, rep.Recorded)
	assert.False(t, rep.Terminated)
	assert.Equal(t, "IGNORED", rep.Outcome)
	assert.Equal(t, 1, rep.Strikes)
	assert.Empty(t, rep.TerminationReason)

	stored, err := h.store.GetInterview(ctx, iv.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, stored.Status)
	assert.Empty(t, stored.TerminationReason)

	records := rt.Aggregator().Log().Records()
	require.Len(t, records, 2)
	assert.Equal(t, violation.ReasonSessionClosed, records[1].Reason)
}

func TestWarningAckReturnsToActive(t *testing.T) {
	h := newHarness(t, nil)
	iv := h.create(t, "resume-16")
	conn := h.dial(t, iv.ID)
	readUntil(t, conn, protocol.TypeConnected)
	rt, ok := h.mgr.Get(iv.ID)
	require.True(t, ok)

	send(t, conn, protocol.CheatingDetected("right_click", 1.0, nil))
	readUntil(t, conn, protocol.TypeWarning)
	require.Eventually(t, func() bool {
		return rt.Session().State() == session.StateWarned
	}, 2*time.Second, 5*time.Millisecond)

	send(t, conn, protocol.WarningAck())
	require.Eventually(t, func() bool {
		return rt.Session().State() == session.StateActive
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rt.Session().Strikes())

	// 回到 Active 之后下一次违规仍然终止
	send(t, conn, protocol.CheatingDetected("copy_attempt", 0.9, nil))
	readUntil(t, conn, protocol.TypeTerminated)
	assert.Equal(t, int(session.CloseTerminated), readClose(t, conn))
}
