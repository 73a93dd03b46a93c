package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"GoLiveInterview/internal/backend"
	"GoLiveInterview/internal/logger"
	"GoLiveInterview/internal/protocol"
	"GoLiveInterview/internal/session"
	"GoLiveInterview/internal/signals"
	"GoLiveInterview/internal/store"
	"GoLiveInterview/internal/turn"
	"GoLiveInterview/internal/vad"
	"GoLiveInterview/internal/violation"
)

// 会话结束原因
const (
	ReasonCandidateEnded = "interview ended by candidate"
	ReasonBackendEnded   = "interviewer ended the session"
	ReasonBackendFailure = "interviewer connection lost"
	ReasonBrowserLost    = "candidate connection lost"
	ReasonShutdown       = "server shutting down"
)

// BargeInText 候选人打断面试官时发给后端的提示
const BargeInText = "[User interrupted]"

// ErrNotAttached 浏览器尚未连接
var ErrNotAttached = errors.New("browser not attached")

// Runtime 一场面试的服务端运行时
type Runtime struct {
	mgr  *Manager
	cfg  Config
	sess *session.Session
	agg  *violation.Aggregator
	ctrl *turn.Controller

	sources    *signals.Set
	visibility *signals.EdgeSource
	focus      *signals.EdgeSource
	guard      *signals.ActionGuard
	faces      *signals.ReportedFaceDetector
	signalCh   chan violation.Event
	classifier vad.Classifier

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	browser  *websocket.Conn
	backend  backend.Conn
	attached bool
	summary  *Summary

	writeMu sync.Mutex

	// 只在浏览器读循环中访问
	silenceFrames int
}

func newRuntime(m *Manager, iv *store.Interview, cfg Config) *Runtime {
	sess := session.New(iv.ID, iv.ResumeID, iv.ExperienceLevel, cfg.MaxStrikes)
	acfg := cfg.AntiCheat
	acfg.MaxStrikes = sess.MaxStrikes

	ctx, cancel := context.WithCancel(m.ctx)
	rt := &Runtime{
		mgr:        m,
		cfg:        cfg,
		sess:       sess,
		agg:        violation.NewAggregator(acfg, sess.Events()),
		ctrl:       turn.NewController(sess),
		sources:    signals.NewSet(),
		visibility: signals.NewVisibilitySource(),
		focus:      signals.NewFocusSource(),
		guard:      signals.NewActionGuard(),
		faces:      signals.NewReportedFaceDetector(),
		signalCh:   make(chan violation.Event, 32),
		classifier: m.classifier(),
		ctx:        ctx,
		cancel:     cancel,
	}

	rt.sources.Add(rt.visibility, nil)
	rt.sources.Add(rt.focus, nil)
	rt.sources.Add(rt.guard, nil)
	rt.sources.Add(signals.NewFacePresence(rt.faces, cfg.Face))

	rt.agg.SetGate(rt.admit)
	rt.agg.Subscribe(rt.onOutcome)
	rt.ctrl.SetStateChangeHandler(func(oldState, newState session.State) {
		logger.Info("relay", sess.ID, "state %s -> %s", oldState, newState)
	})

	// 清理顺序：通知后端结束，停止信号源，断开后端，关闭浏览器连接，最后持久化
	rt.ctrl.AddTeardown("backend-end", rt.endBackend)
	rt.ctrl.AddTeardown("signals", rt.stopSignals)
	rt.ctrl.AddTeardown("backend-close", rt.closeBackend)
	rt.ctrl.AddTeardown("browser-close", rt.closeBrowser)
	rt.ctrl.AddTeardown("persist", rt.persist)
	return rt
}

// Session 会话数据
func (rt *Runtime) Session() *session.Session {
	return rt.sess
}

// Controller 轮次控制器
func (rt *Runtime) Controller() *turn.Controller {
	return rt.ctrl
}

// Aggregator 违规聚合器
func (rt *Runtime) Aggregator() *violation.Aggregator {
	return rt.agg
}

// Done 会话结束并完成清理后关闭
func (rt *Runtime) Done() <-chan struct{} {
	return rt.ctrl.Done()
}

// Summary 结束摘要，未结束时为 nil
func (rt *Runtime) Summary() *Summary {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.summary
}

// Report 提交一个违规事件。终止判定在聚合器内已抢占控制器，这里执行清理。
func (rt *Runtime) Report(ev violation.Event) *Report {
	out := rt.agg.Submit(ev)
	if out.Kind == violation.Terminated {
		rt.ctrl.Terminate(context.Background(), out.TerminationReason)
	}

	rep := &Report{
		Recorded:   out.Reason != violation.ReasonAlreadyTerminated && out.Reason != violation.ReasonSessionClosed,
		Outcome:    out.Kind.String(),
		Strikes:    rt.agg.Strikes(),
		MaxStrikes: out.MaxStrikes,
		Terminated: rt.agg.Terminated(),
	}
	if out.Kind != violation.Ignored {
		rep.WarningMessage = out.Message
	}
	if rep.Terminated {
		rep.TerminationReason = rt.agg.TerminationReason()
		rep.Events = rt.agg.StrikeList()
	}
	return rep
}

func (rt *Runtime) attach(conn *websocket.Conn) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.attached || rt.sess.State().IsFinal() {
		return false
	}
	if _, final := rt.ctrl.Target(); final {
		return false
	}
	rt.attached = true
	rt.browser = conn
	return true
}

func (rt *Runtime) detach() {
	rt.mu.Lock()
	rt.attached = false
	rt.browser = nil
	rt.mu.Unlock()
}

// run 在 HTTP 处理协程中运行，直到浏览器连接结束
func (rt *Runtime) run(conn *websocket.Conn, bc backend.Conn) {
	rt.mu.Lock()
	rt.backend = bc
	rt.mu.Unlock()

	if !rt.ctrl.Activate() {
		// 拨号期间会话已被结束
		bc.Close()
		return
	}
	rt.sess.Recorder.RecordEvent(session.EventActivate, nil)
	if err := rt.sendBrowser(protocol.Connected(rt.sess.ID)); err != nil {
		rt.ctrl.Disconnect(context.Background(), ReasonBrowserLost)
		return
	}
	logger.Success("relay", rt.sess.ID, "interview session started")

	rt.sources.Start(rt.ctx, rt.enqueueSignal)
	go rt.signalLoop()
	go rt.backendLoop(bc)

	rt.readLoop(conn)

	rt.ctrl.Disconnect(context.Background(), ReasonBrowserLost)
	stats := rt.sess.Recorder.Stats()
	log.Printf("[relay] session %s audio stats - frames: %d, speech: %d, filter rate: %.1f%%",
		rt.sess.ID, stats.FramesIn, stats.SpeechFrames, stats.FilterRate)
}

// enqueueSignal 信号源的输出，交给 signalLoop 串行提交
func (rt *Runtime) enqueueSignal(ev violation.Event) {
	select {
	case rt.signalCh <- ev:
	case <-rt.ctx.Done():
	}
}

func (rt *Runtime) signalLoop() {
	for {
		select {
		case ev := <-rt.signalCh:
			rt.Report(ev)
		case <-rt.ctx.Done():
			return
		}
	}
}

// admit 在聚合器锁内调用：终止判定立即抢占控制器，会话已经结束时新的 strike 不再生效
func (rt *Runtime) admit(out violation.Outcome) bool {
	if out.Kind == violation.Terminated {
		return rt.ctrl.Claim(session.StateTerminated, out.TerminationReason)
	}
	_, final := rt.ctrl.Target()
	return !final
}

// onOutcome 聚合器观察者：持久化每条记录，把警告和终止推送给候选人与面试官
func (rt *Runtime) onOutcome(out violation.Outcome, rec violation.Record) {
	rt.persistEvent(rec)

	switch out.Kind {
	case violation.Warned:
		rt.sess.RecordStrike(out.StrikeNumber)
		rt.persistStrikes(out.StrikeNumber)
		rt.sess.Recorder.RecordEvent(session.EventWarning, map[string]any{
			"strike": out.StrikeNumber, "event_type": rec.Event.Kind.String(),
		})
		logger.Warning("anticheat", rt.sess.ID, "strike %d/%d: %s (confidence %.2f)",
			out.StrikeNumber, out.MaxStrikes, rec.Event.Kind, rec.Event.Confidence)

		// 先进入 Warned，客户端收到警告后的确认才能回到 Active
		rt.ctrl.Warn()
		rt.sendBrowser(protocol.Warning(out.StrikeNumber, out.MaxStrikes, out.Message))
		rt.sendBackendText(fmt.Sprintf("[System: Warning issued to candidate. Strike %d of %d]",
			out.StrikeNumber, out.MaxStrikes))

	case violation.Terminated:
		rt.sess.RecordStrike(out.StrikeNumber)
		rt.persistStrikes(out.StrikeNumber)
		rt.sess.Recorder.RecordEvent(session.EventTerminate, map[string]any{
			"strike": out.StrikeNumber, "event_type": rec.Event.Kind.String(),
		})
		logger.Error("anticheat", rt.sess.ID, "strike %d/%d: %s, terminating interview",
			out.StrikeNumber, out.MaxStrikes, rec.Event.Kind)

		rt.sendBrowser(protocol.Terminated(out.StrikeNumber, out.Message))
	}
}

func (rt *Runtime) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(protocol.MaxAudioMessageSize + 4096)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if _, final := rt.ctrl.Target(); !final {
					log.Printf("[relay] session %s read error: %v", rt.sess.ID, err)
				}
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			samples, err := protocol.DecodeFloat32(data)
			if err != nil {
				log.Printf("[relay] session %s dropping audio frame: %v", rt.sess.ID, err)
				continue
			}
			rt.handleAudio(samples, len(data))
		case websocket.TextMessage:
			if stop := rt.handleText(data); stop {
				return
			}
		}
	}
}

// handleText 处理一条控制消息，返回 true 表示读循环应结束
func (rt *Runtime) handleText(data []byte) bool {
	msg, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("[relay] session %s ignoring message: %v", rt.sess.ID, err)
			return false
		}
		rt.sendBrowser(protocol.Error("Invalid message format"))
		return false
	}

	switch msg.Type {
	case protocol.TypeCheatingDetected:
		rt.Report(violation.NewEvent(violation.ParseKind(msg.EventType), msg.Confidence, msg.Details))
		_, final := rt.ctrl.Target()
		return final
	case protocol.TypeEndInterview:
		rt.ctrl.Complete(context.Background(), ReasonCandidateEnded)
		return true
	case protocol.TypeWarningAck:
		if rt.ctrl.Acknowledge() {
			rt.sess.Recorder.RecordEvent(session.EventWarningAck, nil)
		}
	case protocol.TypeText:
		rt.sess.AppendTranscript(session.SpeakerCandidate, msg.Text)
		rt.sendBackendText(msg.Text)
	case protocol.TypeAudio:
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			rt.sendBrowser(protocol.Error("Invalid audio payload"))
			return false
		}
		samples, err := protocol.DecodeFloat32(raw)
		if err != nil {
			log.Printf("[relay] session %s dropping audio payload: %v", rt.sess.ID, err)
			return false
		}
		rt.handleAudio(samples, len(raw))
	case protocol.TypeSignal:
		rt.handleSignal(msg)
	default:
		log.Printf("[relay] session %s ignoring %s from client", rt.sess.ID, msg.Type)
	}
	return false
}

func (rt *Runtime) handleSignal(msg protocol.Message) {
	switch msg.Signal {
	case protocol.SignalVisibility:
		if msg.Active != nil {
			rt.visibility.Observe(*msg.Active)
		}
	case protocol.SignalFocus:
		if msg.Active != nil {
			rt.focus.Observe(*msg.Active)
		}
	case protocol.SignalContextMenu, protocol.SignalCopy, protocol.SignalCut, protocol.SignalPaste:
		rt.guard.Intercept(signals.Action(msg.Signal))
	case protocol.SignalFaces:
		if msg.Faces != nil {
			rt.faces.Report(*msg.Faces)
		}
	default:
		log.Printf("[relay] session %s ignoring signal %q", rt.sess.ID, msg.Signal)
	}
}

// handleAudio 语音检测和轮次管理。只有语音帧会转发给后端；
// 候选人说话后连续 SilenceFrames 个静音帧视为说完，通知后端 turn_complete。
func (rt *Runtime) handleAudio(samples []float32, size int) {
	speech := rt.classifier.IsSpeech(samples)
	rt.sess.Recorder.RecordInbound(size, speech)

	if speech {
		rt.silenceFrames = 0
		bargeIn, ok := rt.ctrl.BeginHumanTurn()
		if !ok {
			return
		}
		if bargeIn {
			log.Printf("[relay] session %s barge-in, interrupting interviewer", rt.sess.ID)
			rt.sess.Recorder.RecordEvent(session.EventBargeIn, nil)
			rt.sendBackendText(BargeInText)
			rt.sendBrowser(protocol.Interrupted())
		}
		if bc := rt.backendConn(); bc != nil {
			if err := bc.SendAudio(rt.ctx, protocol.EncodePCM16(samples)); err != nil {
				log.Printf("[relay] session %s forward audio failed: %v", rt.sess.ID, err)
			}
		}
		return
	}

	if rt.ctrl.Turn() != turn.TurnHumanSpeaking {
		return
	}
	rt.silenceFrames++
	if rt.silenceFrames < rt.cfg.SilenceFrames {
		return
	}
	rt.silenceFrames = 0
	if !rt.ctrl.EndHumanTurn() {
		return
	}
	rt.sess.Recorder.RecordEvent(session.EventTurnComplete, nil)
	if bc := rt.backendConn(); bc != nil {
		if err := bc.SendTurnComplete(rt.ctx); err != nil {
			log.Printf("[relay] session %s turn_complete failed: %v", rt.sess.ID, err)
		}
	}
}

func (rt *Runtime) backendLoop(bc backend.Conn) {
	for ev := range bc.Events() {
		switch ev.Kind {
		case backend.EventTranscript:
			rt.sess.AppendTranscript(session.SpeakerAgent, ev.Text)
			rt.ctrl.BeginAgentTurn()
			rt.sendBrowser(protocol.Transcript(ev.Text))
		case backend.EventAudio:
			// 候选人说话期间丢弃面试官音频
			if !rt.ctrl.BeginAgentTurn() {
				continue
			}
			if err := rt.sendBrowserAudio(ev.Audio); err == nil {
				rt.sess.Recorder.RecordOutbound(len(ev.Audio))
			}
		case backend.EventTurnComplete:
			rt.ctrl.EndAgentTurn()
		case backend.EventInterrupted:
			rt.ctrl.EndAgentTurn()
			rt.sendBrowser(protocol.Interrupted())
		case backend.EventError:
			logger.Error("relay", rt.sess.ID, "interviewer error: %v", ev.Err)
			rt.sendBrowser(protocol.Error(ev.Err.Error()))
		case backend.EventClosed:
			if _, final := rt.ctrl.Target(); final {
				return
			}
			if ev.Err != nil {
				logger.Error("relay", rt.sess.ID, "interviewer connection lost: %v", ev.Err)
				rt.sess.Recorder.RecordError(ev.Err, map[string]any{"stage": "backend"})
				rt.sendBrowser(protocol.Error("Connection to interviewer lost"))
				rt.ctrl.Disconnect(context.Background(), ReasonBackendFailure)
			} else {
				rt.ctrl.Complete(context.Background(), ReasonBackendEnded)
			}
			return
		}
	}
}

func (rt *Runtime) backendConn() backend.Conn {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.backend
}

func (rt *Runtime) sendBackendText(text string) {
	bc := rt.backendConn()
	if bc == nil {
		return
	}
	if err := bc.SendText(rt.ctx, text); err != nil {
		log.Printf("[relay] session %s send text to interviewer failed: %v", rt.sess.ID, err)
	}
}

func (rt *Runtime) sendBrowser(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return rt.writeBrowser(websocket.TextMessage, data)
}

func (rt *Runtime) sendBrowserAudio(pcm16 []byte) error {
	return rt.writeBrowser(websocket.BinaryMessage, pcm16)
}

func (rt *Runtime) writeBrowser(messageType int, data []byte) error {
	rt.mu.Lock()
	conn := rt.browser
	rt.mu.Unlock()
	if conn == nil {
		return ErrNotAttached
	}

	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(rt.cfg.WriteTimeout))
	return conn.WriteMessage(messageType, data)
}

func (rt *Runtime) endBackend(ctx context.Context) error {
	bc := rt.backendConn()
	if bc == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := bc.End(ctx); err != nil && !errors.Is(err, backend.ErrClosed) {
		return err
	}
	return nil
}

func (rt *Runtime) stopSignals(ctx context.Context) error {
	rt.cancel()
	rt.sources.Stop()
	return nil
}

func (rt *Runtime) closeBackend(ctx context.Context) error {
	bc := rt.backendConn()
	if bc == nil {
		return nil
	}
	return bc.Close()
}

func (rt *Runtime) closeBrowser(ctx context.Context) error {
	target, _ := rt.ctrl.Target()
	code, reason := closeCodeFor(target, rt.ctrl.Reason())

	rt.mu.Lock()
	conn := rt.browser
	rt.browser = nil
	rt.mu.Unlock()

	rt.sess.Recorder.RecordClose(code, reason)
	if conn == nil {
		return nil
	}

	rt.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), reason),
		time.Now().Add(time.Second))
	rt.writeMu.Unlock()
	return conn.Close()
}

func closeCodeFor(target session.State, reason string) (session.CloseCode, string) {
	switch target {
	case session.StateTerminated:
		return session.CloseTerminated, "interview terminated"
	case session.StateCompleted:
		return session.CloseNormal, "interview completed"
	default:
		if reason == ReasonBackendFailure {
			return session.CloseBackendFailure, reason
		}
		return session.CloseGoingAway, reason
	}
}

// persist 把最终结果写入存储并从注册表移除
func (rt *Runtime) persist(ctx context.Context) error {
	defer rt.mgr.remove(rt.sess.ID)

	target, _ := rt.ctrl.Target()
	status := session.StatusFor(target)
	snap := rt.sess.Snapshot()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.PersistTimeout)
	defer cancel()

	var evaluation map[string]any
	if target == session.StateCompleted && rt.mgr.evaluator != nil {
		result, err := rt.mgr.evaluator.Evaluate(ctx, snap, rt.sess.Transcript())
		if err != nil {
			log.Printf("[relay] session %s evaluation failed: %v", rt.sess.ID, err)
		} else {
			evaluation = result
		}
	}

	reason := ""
	if target == session.StateTerminated {
		reason = rt.sess.TerminationReason()
	}
	stats := rt.sess.Recorder.Stats()
	summary := &Summary{
		InterviewID:       rt.sess.ID,
		Status:            status,
		DurationSeconds:   snap.DurationSeconds,
		QuestionsAsked:    snap.QuestionsAsked,
		Evaluation:        evaluation,
		TerminationReason: reason,
		Events:            strikeEvents(rt.sess.ID, rt.sess.Events().Strikes()),
		AudioStats:        &stats,
	}
	rt.mu.Lock()
	rt.summary = summary
	rt.mu.Unlock()

	_, err := rt.mgr.store.EndInterview(ctx, rt.sess.ID, store.EndRequest{
		Status:            status,
		TerminationReason: reason,
		QuestionsAsked:    snap.QuestionsAsked,
		Evaluation:        evaluation,
		EndTime:           time.Now(),
	})
	if err != nil {
		return fmt.Errorf("persist interview %s: %w", rt.sess.ID, err)
	}
	logger.Info("relay", rt.sess.ID, "interview %s after %.0fs (%d questions, %d strikes)",
		status, snap.DurationSeconds, snap.QuestionsAsked, snap.Strikes)
	return nil
}

func (rt *Runtime) persistEvent(rec violation.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.PersistTimeout)
	defer cancel()
	if err := rt.mgr.store.RecordEvent(ctx, toCheatingEvent(rt.sess.ID, rec)); err != nil {
		log.Printf("[relay] session %s record event failed: %v", rt.sess.ID, err)
	}
}

func (rt *Runtime) persistStrikes(n int) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.PersistTimeout)
	defer cancel()
	if err := rt.mgr.store.UpdateStrikes(ctx, rt.sess.ID, n); err != nil {
		log.Printf("[relay] session %s update strikes failed: %v", rt.sess.ID, err)
	}
}

func toCheatingEvent(interviewID string, rec violation.Record) *store.CheatingEvent {
	return &store.CheatingEvent{
		ID:               rec.Event.ID,
		InterviewID:      interviewID,
		EventType:        rec.Event.Kind.String(),
		Confidence:       rec.Event.Confidence,
		Details:          rec.Event.Details,
		ResultedInStrike: rec.ResultedInStrike,
		StrikeNumber:     rec.StrikeNumber,
		Timestamp:        rec.Event.Timestamp,
	}
}

func strikeEvents(interviewID string, records []violation.Record) []*store.CheatingEvent {
	out := make([]*store.CheatingEvent, 0, len(records))
	for _, rec := range records {
		out = append(out, toCheatingEvent(interviewID, rec))
	}
	return out
}
