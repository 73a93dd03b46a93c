// Package relay 服务端面试会话运行时：连接候选人浏览器和远端面试官，
// 每个面试持有唯一的违规聚合器和轮次控制器。
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"GoLiveInterview/internal/backend"
	"GoLiveInterview/internal/config"
	"GoLiveInterview/internal/logger"
	"GoLiveInterview/internal/protocol"
	"GoLiveInterview/internal/session"
	"GoLiveInterview/internal/signals"
	"GoLiveInterview/internal/store"
	"GoLiveInterview/internal/vad"
	"GoLiveInterview/internal/violation"
)

// ErrNotLive 面试在存储中仍是进行中，但当前进程没有它的运行时（例如服务重启后）
var ErrNotLive = errors.New("interview has no live session on this server")

// Config 运行时配置
type Config struct {
	MaxStrikes int
	// SilenceFrames 候选人说话后连续多少个静音帧视为说完
	SilenceFrames int
	AntiCheat     violation.Config
	Face          signals.FaceConfig
	VAD           vad.Config
	WriteTimeout  time.Duration
	// PersistTimeout 单次存储写入的超时
	PersistTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxStrikes:     violation.DefaultConfig().MaxStrikes,
		SilenceFrames:  30,
		AntiCheat:      violation.DefaultConfig(),
		Face:           signals.DefaultFaceConfig(),
		VAD:            vad.DefaultConfig(),
		WriteTimeout:   5 * time.Second,
		PersistTimeout: 5 * time.Second,
	}
}

// ConfigFrom 从服务配置构造运行时配置
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.MaxStrikes = cfg.Session.MaxStrikes
	c.SilenceFrames = cfg.Session.SilenceFrames
	c.AntiCheat = violation.Config{
		MaxStrikes:        cfg.Session.MaxStrikes,
		Threshold:         cfg.AntiCheat.ConfidenceThreshold,
		Cooldown:          cfg.AntiCheat.Cooldown,
		FocusDedupeWindow: cfg.AntiCheat.FocusDedupeWindow,
	}
	c.Face = signals.FaceConfig{
		PollInterval: cfg.AntiCheat.FacePollInterval,
		GraceWindow:  cfg.AntiCheat.FaceGraceWindow,
	}
	c.VAD = vad.Config{
		EnergyThreshold: cfg.VAD.EnergyThreshold,
		ZCRThreshold:    cfg.VAD.ZCRThreshold,
	}
	return c
}

// Evaluator 面试正常结束时生成评估结果，可选
type Evaluator interface {
	Evaluate(ctx context.Context, snap session.Snapshot, transcript []session.TranscriptEntry) (map[string]any, error)
}

// EvaluatorFunc 把函数适配为 Evaluator
type EvaluatorFunc func(ctx context.Context, snap session.Snapshot, transcript []session.TranscriptEntry) (map[string]any, error)

// Evaluate 实现 Evaluator
func (f EvaluatorFunc) Evaluate(ctx context.Context, snap session.Snapshot, transcript []session.TranscriptEntry) (map[string]any, error) {
	return f(ctx, snap, transcript)
}

// Summary 面试结束摘要
type Summary struct {
	InterviewID       string                 `json:"interview_id"`
	Status            session.Status         `json:"status"`
	DurationSeconds   float64                `json:"duration_seconds"`
	QuestionsAsked    int                    `json:"questions_asked"`
	Evaluation        map[string]any         `json:"evaluation,omitempty"`
	TerminationReason string                 `json:"termination_reason,omitempty"`
	Events            []*store.CheatingEvent `json:"events,omitempty"`
	AudioStats        *session.AudioStats    `json:"audio_stats,omitempty"`
}

// Report 违规上报结果
type Report struct {
	Recorded          bool               `json:"recorded"`
	Outcome           string             `json:"outcome"`
	Strikes           int                `json:"strikes"`
	MaxStrikes        int                `json:"max_strikes"`
	Terminated        bool               `json:"terminated"`
	WarningMessage    string             `json:"warning_message,omitempty"`
	TerminationReason string             `json:"termination_reason,omitempty"`
	Events            []violation.Strike `json:"events,omitempty"`
}

// Option Manager 选项
type Option func(*Manager)

// WithEvaluator 设置评估器
func WithEvaluator(e Evaluator) Option {
	return func(m *Manager) {
		m.evaluator = e
	}
}

// WithClassifier 替换默认的能量 VAD，每个会话调用一次 factory
func WithClassifier(factory func() vad.Classifier) Option {
	return func(m *Manager) {
		m.classifier = factory
	}
}

// Manager 管理所有面试运行时
type Manager struct {
	cfgMu sync.RWMutex
	cfg   Config

	store      store.Store
	dialer     backend.Dialer
	evaluator  Evaluator
	classifier func() vad.Classifier
	upgrader   websocket.Upgrader

	runtimes sync.Map // map[string]*Runtime
	active   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建运行时管理器
func NewManager(cfg Config, st store.Store, dialer backend.Dialer, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		store:  st,
		dialer: dialer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  protocol.CaptureFrameSamples * protocol.Float32SampleSize,
			WriteBufferSize: 16 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 跨域由 HTTP 层的 CORS 控制
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.classifier == nil {
		m.classifier = func() vad.Classifier {
			return vad.NewEnergyClassifier(m.config().VAD)
		}
	}
	return m
}

func (m *Manager) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// UpdateTuning 热更新违规判定参数，对已有会话立即生效
func (m *Manager) UpdateTuning(ac violation.Config) {
	m.cfgMu.Lock()
	m.cfg.AntiCheat.Threshold = ac.Threshold
	m.cfg.AntiCheat.Cooldown = ac.Cooldown
	m.cfg.AntiCheat.FocusDedupeWindow = ac.FocusDedupeWindow
	m.cfgMu.Unlock()

	n := 0
	m.runtimes.Range(func(_, v any) bool {
		v.(*Runtime).agg.UpdateTuning(ac.Threshold, ac.Cooldown, ac.FocusDedupeWindow)
		n++
		return true
	})
	log.Printf("[relay] anti-cheat tuning updated (threshold=%.2f cooldown=%s) for %d sessions",
		ac.Threshold, ac.Cooldown, n)
}

// Store 底层存储
func (m *Manager) Store() store.Store {
	return m.store
}

// CreateInterview 创建面试并为其准备运行时，面试立即进入进行中状态
func (m *Manager) CreateInterview(ctx context.Context, resumeID string, level session.ExperienceLevel) (*store.Interview, error) {
	cfg := m.config()
	iv := &store.Interview{
		ID:              uuid.Must(uuid.NewV7()).String(),
		ResumeID:        resumeID,
		ExperienceLevel: level,
		MaxStrikes:      cfg.MaxStrikes,
	}
	if err := m.store.CreateInterview(ctx, iv); err != nil {
		return nil, err
	}

	rt := newRuntime(m, iv, cfg)
	m.runtimes.Store(iv.ID, rt)
	m.active.Add(1)
	logger.Info("relay", iv.ID, "interview created for resume %s (%s)", resumeID, level)
	return iv, nil
}

// Get 查找运行时
func (m *Manager) Get(id string) (*Runtime, bool) {
	v, ok := m.runtimes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Runtime), true
}

// Sessions 所有运行中会话的快照
func (m *Manager) Sessions() []session.Snapshot {
	var out []session.Snapshot
	m.runtimes.Range(func(_, v any) bool {
		out = append(out, v.(*Runtime).sess.Snapshot())
		return true
	})
	return out
}

// ActiveSessions 运行中的会话数
func (m *Manager) ActiveSessions() int {
	return int(m.active.Load())
}

// GetStatus 面试状态，运行中的会话优先使用内存中的实时数据
func (m *Manager) GetStatus(ctx context.Context, id string) (*store.Interview, error) {
	iv, err := m.store.GetInterview(ctx, id)
	if err != nil {
		return nil, err
	}
	if rt, ok := m.Get(id); ok {
		snap := rt.sess.Snapshot()
		iv.Strikes = snap.Strikes
		iv.QuestionsAsked = snap.QuestionsAsked
		iv.Status = snap.Status
		if snap.TerminationReason != "" {
			iv.TerminationReason = snap.TerminationReason
		}
	}
	return iv, nil
}

// ReportViolation 通过 REST 上报违规，与 WebSocket 上报进入同一个聚合器
func (m *Manager) ReportViolation(ctx context.Context, id, eventType string, confidence float64, details map[string]any) (*Report, error) {
	rt, ok := m.Get(id)
	if !ok {
		iv, err := m.store.GetInterview(ctx, id)
		if err != nil {
			return nil, err
		}
		if iv.Status == session.StatusTerminated {
			return &Report{
				Outcome:           violation.Ignored.String(),
				Strikes:           iv.Strikes,
				MaxStrikes:        iv.MaxStrikes,
				Terminated:        true,
				TerminationReason: iv.TerminationReason,
			}, nil
		}
		if iv.Status != session.StatusInProgress {
			return nil, store.ErrInvalidStatus
		}
		return nil, ErrNotLive
	}
	return rt.Report(violation.NewEvent(violation.ParseKind(eventType), confidence, details)), nil
}

// EndInterview 正常结束面试并返回摘要
func (m *Manager) EndInterview(ctx context.Context, id string) (*Summary, error) {
	rt, ok := m.Get(id)
	if !ok {
		return m.endWithoutRuntime(ctx, id)
	}
	if !rt.ctrl.Complete(ctx, ReasonCandidateEnded) {
		return nil, store.ErrInvalidStatus
	}
	return rt.Summary(), nil
}

func (m *Manager) endWithoutRuntime(ctx context.Context, id string) (*Summary, error) {
	iv, err := m.store.EndInterview(ctx, id, store.EndRequest{
		Status:  session.StatusCompleted,
		EndTime: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	return &Summary{
		InterviewID:     iv.ID,
		Status:          iv.Status,
		DurationSeconds: iv.DurationSeconds(),
		QuestionsAsked:  iv.QuestionsAsked,
	}, nil
}

// HandleWebSocket 处理候选人浏览器连接 /ws/interview/{id}
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request, id string) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] upgrade failed for %s: %v", id, err)
		return
	}

	rt, ok := m.Get(id)
	if !ok {
		code, reason := session.CloseNotFound, "interview not found"
		if iv, err := m.store.GetInterview(r.Context(), id); err == nil && iv.Status != session.StatusInProgress {
			code, reason = session.CloseNotInProgress, fmt.Sprintf("interview is %s", iv.Status)
		}
		log.Printf("[relay] rejecting connection for %s: %s", id, reason)
		closeConn(conn, code, reason)
		return
	}
	if !rt.attach(conn) {
		closeConn(conn, session.CloseNotInProgress, "interview is not accepting connections")
		return
	}

	m.wg.Add(1)
	defer m.wg.Done()

	bc, err := m.dialer.Dial(rt.ctx, backend.Setup{
		InterviewID:     id,
		ExperienceLevel: string(rt.sess.ExperienceLevel),
		Instructions:    backend.InterviewerInstructions(string(rt.sess.ExperienceLevel)),
	})
	if err != nil {
		logger.Error("relay", id, "backend connect failed: %v", err)
		rt.sess.Recorder.RecordError(err, map[string]any{"stage": "backend_dial"})
		rt.sendBrowser(protocol.Error(fmt.Sprintf("Failed to connect to interviewer: %v", err)))
		rt.detach()
		closeConn(conn, session.CloseBackendFailure, "backend unavailable")
		return
	}

	rt.run(conn, bc)
}

// Shutdown 结束所有会话
func (m *Manager) Shutdown(ctx context.Context) {
	var runtimes []*Runtime
	m.runtimes.Range(func(_, v any) bool {
		runtimes = append(runtimes, v.(*Runtime))
		return true
	})
	for _, rt := range runtimes {
		rt.ctrl.Disconnect(ctx, ReasonShutdown)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[relay] shutdown timed out with %d connections open", m.ActiveSessions())
	}
}

func (m *Manager) remove(id string) {
	if _, loaded := m.runtimes.LoadAndDelete(id); loaded {
		m.active.Add(-1)
	}
}

func closeConn(conn *websocket.Conn, code session.CloseCode, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), reason),
		time.Now().Add(time.Second))
	conn.Close()
}
