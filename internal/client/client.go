// Package client 候选人一侧的面试运行时：会话通道、音频采集/播放、本地违规信号源和轮次控制。
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"GoLiveInterview/internal/audio"
	"GoLiveInterview/internal/channel"
	"GoLiveInterview/internal/config"
	"GoLiveInterview/internal/protocol"
	"GoLiveInterview/internal/session"
	"GoLiveInterview/internal/signals"
	"GoLiveInterview/internal/turn"
	"GoLiveInterview/internal/violation"
)

var (
	// ErrCapture 麦克风不可用或读取失败，与违规终止区分开
	ErrCapture = errors.New("audio capture failed")
	// ErrNotRunning 会话尚未开始或已经结束
	ErrNotRunning = errors.New("interview client is not running")
)

// ResultKind 会话结局
type ResultKind int

const (
	ResultCompleted ResultKind = iota
	ResultTerminated
	ResultDisconnected
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultCompleted:
		return "completed"
	case ResultTerminated:
		return "terminated"
	case ResultDisconnected:
		return "disconnected"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result 一次面试会话的结局
type Result struct {
	Kind        ResultKind
	InterviewID string
	Strikes     int
	// Message 终止时为服务端给出的原因
	Message    string
	Err        error
	CloseCode  int
	Transcript []session.TranscriptEntry
	Capture    audio.CaptureStats
}

// Config 客户端配置
type Config struct {
	URL                string
	ConnectTimeout     time.Duration
	WriteTimeout       time.Duration
	Capture            audio.CaptureConfig
	PlaybackSampleRate int
	MaxStrikes         int
	Face               signals.FaceConfig
}

// DefaultConfig 返回默认配置
func DefaultConfig(url string) Config {
	ch := channel.DefaultConfig(url)
	return Config{
		URL:                url,
		ConnectTimeout:     ch.ConnectTimeout,
		WriteTimeout:       ch.WriteTimeout,
		Capture:            audio.DefaultCaptureConfig(),
		PlaybackSampleRate: protocol.PlaybackSampleRate,
		MaxStrikes:         violation.DefaultConfig().MaxStrikes,
		Face:               signals.DefaultFaceConfig(),
	}
}

// ConfigFrom 从全局配置生成客户端配置，url 为面试会话的 WebSocket 地址
func ConfigFrom(cfg *config.Config, url string) Config {
	c := DefaultConfig(url)
	c.ConnectTimeout = cfg.Session.ConnectTimeout
	c.WriteTimeout = cfg.Server.WriteTimeout
	c.Capture = audio.CaptureConfig{
		SampleRate:   cfg.Audio.CaptureSampleRate,
		FrameSamples: cfg.Audio.FrameSamples,
		QueueSize:    cfg.Audio.QueueSize,
	}
	c.PlaybackSampleRate = cfg.Audio.PlaybackSampleRate
	c.MaxStrikes = cfg.Session.MaxStrikes
	c.Face = signals.FaceConfig{
		PollInterval: cfg.AntiCheat.FacePollInterval,
		GraceWindow:  cfg.AntiCheat.FaceGraceWindow,
	}
	return c
}

// TranscriptHandler 收到面试官文字
type TranscriptHandler func(text string)

// WarningHandler 收到警告
type WarningHandler func(strikes, maxStrikes int, message string)

// Client 候选人运行时
type Client struct {
	cfg    Config
	device audio.Device
	output audio.Output
	faces  signals.FaceDetector

	visibility *signals.EdgeSource
	focus      *signals.EdgeSource
	guard      *signals.ActionGuard

	mu        sync.Mutex
	ch        *channel.Channel
	sess      *session.Session
	ctrl      *turn.Controller
	transport *audio.Transport
	sources   *signals.Set
	failErr   error
	closeCode int
	message   string

	onTranscript  TranscriptHandler
	onWarning     WarningHandler
	onStateChange turn.StateChangeHandler
}

// New 创建客户端。output 为 nil 时丢弃播放，faces 为 nil 时不启用人脸检测。
func New(cfg Config, device audio.Device, output audio.Output, faces signals.FaceDetector) *Client {
	if output == nil {
		output = &audio.DiscardOutput{}
	}
	if cfg.MaxStrikes <= 0 {
		cfg.MaxStrikes = violation.DefaultConfig().MaxStrikes
	}
	if cfg.PlaybackSampleRate <= 0 {
		cfg.PlaybackSampleRate = protocol.PlaybackSampleRate
	}
	return &Client{
		cfg:        cfg,
		device:     device,
		output:     output,
		faces:      faces,
		visibility: signals.NewVisibilitySource(),
		focus:      signals.NewFocusSource(),
		guard:      signals.NewActionGuard(),
	}
}

// SetTranscriptHandler 设置面试官文字回调
func (c *Client) SetTranscriptHandler(h TranscriptHandler) {
	c.mu.Lock()
	c.onTranscript = h
	c.mu.Unlock()
}

// SetWarningHandler 设置警告回调
func (c *Client) SetWarningHandler(h WarningHandler) {
	c.mu.Lock()
	c.onWarning = h
	c.mu.Unlock()
}

// SetStateChangeHandler 设置会话状态变化回调
func (c *Client) SetStateChangeHandler(h turn.StateChangeHandler) {
	c.mu.Lock()
	c.onStateChange = h
	c.mu.Unlock()
}

// ObserveVisibility 页面可见性变化
func (c *Client) ObserveVisibility(visible bool) bool {
	return c.visibility.Observe(visible)
}

// ObserveFocus 窗口焦点变化
func (c *Client) ObserveFocus(focused bool) bool {
	return c.focus.Observe(focused)
}

// Intercept 拦截右键/复制/剪切/粘贴，返回 true 表示默认行为必须取消
func (c *Client) Intercept(action signals.Action) bool {
	return c.guard.Intercept(action)
}

// SendText 以文字代替语音作答
func (c *Client) SendText(ctx context.Context, text string) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	return ch.Send(ctx, protocol.Message{Type: protocol.TypeText, Text: text})
}

// End 请求结束面试，服务端确认后 Run 以 ResultCompleted 返回
func (c *Client) End(ctx context.Context) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	return ch.Send(ctx, protocol.EndInterview())
}

// Session 当前会话，Run 建立连接前为 nil
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) channel() (*channel.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil || c.ctrl == nil || c.ctrl.State().IsFinal() {
		return nil, ErrNotRunning
	}
	return c.ch, nil
}

// Run 建立会话并阻塞到会话结束。
// 采集设备打不开时直接失败，不连接服务端，面试保持未开始。
func (c *Client) Run(ctx context.Context) Result {
	if err := c.device.Open(ctx); err != nil {
		log.Printf("[client] capture device unavailable: %v", err)
		return Result{Kind: ResultFailed, Err: fmt.Errorf("%w: %w", ErrCapture, err)}
	}

	ch, err := channel.Dial(ctx, channel.Config{
		URL:            c.cfg.URL,
		ConnectTimeout: c.cfg.ConnectTimeout,
		WriteTimeout:   c.cfg.WriteTimeout,
	})
	if err != nil {
		c.device.Close()
		return Result{Kind: ResultFailed, Err: err}
	}

	sess := session.New(ch.InterviewID(), "", "", c.cfg.MaxStrikes)
	ctrl := turn.NewController(sess)

	capture := audio.NewCapturer(c.device, ch, c.cfg.Capture)
	playback := audio.NewScheduler(c.output, c.cfg.PlaybackSampleRate, nil)
	transport := audio.NewTransport(capture, playback)

	sources := signals.NewSet()
	sources.Add(c.visibility, nil)
	sources.Add(c.focus, nil)
	sources.Add(c.guard, nil)
	if c.faces != nil {
		fp, err := signals.NewFacePresence(c.faces, c.cfg.Face)
		sources.Add(fp, err)
	}

	c.mu.Lock()
	c.ch = ch
	c.sess = sess
	c.ctrl = ctrl
	c.transport = transport
	c.sources = sources
	if c.onStateChange != nil {
		ctrl.SetStateChangeHandler(c.onStateChange)
	}
	c.mu.Unlock()

	// 先停音频再关通道
	ctrl.AddTeardown("signals", func(context.Context) error {
		sources.Stop()
		return nil
	})
	ctrl.AddTeardown("audio", func(context.Context) error {
		transport.Close()
		return nil
	})
	ctrl.AddTeardown("channel", func(context.Context) error {
		return ch.Close()
	})

	ctrl.Activate()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	transport.Start(runCtx)
	sources.Start(runCtx, func(ev violation.Event) { c.report(runCtx, ch, ev) })

	log.Printf("[client] interview %s started (sources: %v, skipped: %v)",
		sess.ID, sources.Sources(), sources.Skipped())

	c.eventLoop(ctx, ch, ctrl, transport)
	return c.result(ctrl, transport)
}

// report 把本地信号源产生的事件上报给服务端，由服务端聚合器判定
func (c *Client) report(ctx context.Context, ch *channel.Channel, ev violation.Event) {
	msg := protocol.CheatingDetected(string(ev.Kind), ev.Confidence, ev.Details)
	if err := ch.Send(ctx, msg); err != nil && ctx.Err() == nil {
		log.Printf("[client] report %s failed: %v", ev.Kind, err)
	}
}

func (c *Client) eventLoop(ctx context.Context, ch *channel.Channel, ctrl *turn.Controller, transport *audio.Transport) {
	teardownCtx := context.WithoutCancel(ctx)
	events := ch.Events()

	for {
		select {
		case <-ctx.Done():
			ctrl.Disconnect(teardownCtx, "client shutdown")
			return

		case err := <-transport.Capture.Errors():
			c.fail(fmt.Errorf("%w: %w", ErrCapture, err))
			ctrl.Disconnect(teardownCtx, "audio capture failed")
			return

		case ev, ok := <-events:
			if !ok {
				ctrl.Disconnect(teardownCtx, "channel closed")
				return
			}
			if c.handleEvent(teardownCtx, ev, ctrl, transport) {
				return
			}
		}
	}
}

// handleEvent 返回 true 表示会话已结束
func (c *Client) handleEvent(ctx context.Context, ev channel.Event, ctrl *turn.Controller, transport *audio.Transport) bool {
	sess := ctrl.Session()

	switch ev.Kind {
	case channel.EventConnected:
		// Dial 已处理

	case channel.EventTranscript:
		sess.AppendTranscript(session.SpeakerAgent, ev.Message.Text)
		c.mu.Lock()
		h := c.onTranscript
		c.mu.Unlock()
		if h != nil {
			h(ev.Message.Text)
		}

	case channel.EventAudio:
		if !ctrl.BeginAgentTurn() {
			return false
		}
		if _, err := transport.Playback.SchedulePCM16(ev.Audio); err != nil && !errors.Is(err, audio.ErrStopped) {
			log.Printf("[client] drop agent audio: %v", err)
		}

	case channel.EventInterrupted:
		transport.Playback.Flush()
		ctrl.EndAgentTurn()

	case channel.EventWarning:
		sess.RecordStrike(ev.Message.Strikes)
		ctrl.Warn()
		c.mu.Lock()
		h := c.onWarning
		c.mu.Unlock()
		if h != nil {
			h(ev.Message.Strikes, ev.Message.MaxStrikes, ev.Message.Message)
		}
		// 警告已交给界面展示，确认后回到 Active
		if ctrl.Acknowledge() {
			if ch, err := c.channel(); err == nil {
				if err := ch.Send(ctx, protocol.WarningAck()); err != nil {
					log.Printf("[client] warning ack failed: %v", err)
				}
			}
		}

	case channel.EventTerminated:
		sess.RecordStrike(ev.Message.Strikes)
		transport.Playback.Flush()
		c.mu.Lock()
		c.message = ev.Message.Message
		c.mu.Unlock()
		ctrl.Terminate(ctx, ev.Message.Message)
		return true

	case channel.EventError:
		log.Printf("[client] server error: %s", ev.Message.Message)
		c.mu.Lock()
		c.message = ev.Message.Message
		c.mu.Unlock()

	case channel.EventDisconnected:
		c.mu.Lock()
		c.closeCode = ev.CloseCode
		c.mu.Unlock()

		switch session.CloseCode(ev.CloseCode) {
		case session.CloseNormal:
			ctrl.Complete(ctx, "interview completed")
		case session.CloseTerminated:
			ctrl.Terminate(ctx, "interview terminated")
		case session.CloseBackendFailure:
			c.fail(ev.Err)
			ctrl.Disconnect(ctx, "interviewer unavailable")
		default:
			ctrl.Disconnect(ctx, ev.Err.Error())
		}
		return true
	}
	return false
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.failErr == nil {
		c.failErr = err
	}
	c.mu.Unlock()
}

func (c *Client) result(ctrl *turn.Controller, transport *audio.Transport) Result {
	sess := ctrl.Session()
	c.mu.Lock()
	defer c.mu.Unlock()

	res := Result{
		InterviewID: sess.ID,
		Strikes:     sess.Strikes(),
		Message:     c.message,
		Err:         c.failErr,
		CloseCode:   c.closeCode,
		Transcript:  sess.Transcript(),
		Capture:     transport.Capture.Stats(),
	}

	target, _ := ctrl.Target()
	switch {
	case c.failErr != nil:
		res.Kind = ResultFailed
	case target == session.StateTerminated:
		res.Kind = ResultTerminated
		if res.Message == "" {
			res.Message = ctrl.Reason()
		}
	case target == session.StateCompleted:
		res.Kind = ResultCompleted
	default:
		res.Kind = ResultDisconnected
	}

	log.Printf("[client] interview %s ended: %s (strikes %d)", sess.ID, res.Kind, res.Strikes)
	return res
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := map[string]any{}
	if c.ch != nil {
		stats["channel"] = c.ch.GetStats()
	}
	if c.sess != nil {
		stats["state"] = c.sess.State().String()
		stats["strikes"] = c.sess.Strikes()
	}
	if c.transport != nil {
		stats["capture"] = c.transport.Capture.Stats()
		stats["playback_resets"] = c.transport.Playback.Resets()
	}
	return stats
}
