// Package loadtest 并发面试会话压测：批量创建面试、驱动候选人客户端并统计结局与延迟。
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"GoLiveInterview/internal/audio"
	"GoLiveInterview/internal/channel"
	"GoLiveInterview/internal/client"
	"GoLiveInterview/internal/session"
	"GoLiveInterview/internal/signals"
)

// SessionLoadTestConfig 会话压测配置
type SessionLoadTestConfig struct {
	BaseURL            string
	ConcurrentSessions int
	// SessionDuration 每个候选人在主动结束前保持会话的时长
	SessionDuration time.Duration
	// RampUpInterval 相邻会话的启动间隔，避免连接风暴
	RampUpInterval  time.Duration
	ConnectTimeout  time.Duration
	ExperienceLevel string
	// Violations 每个会话注入的违规次数，按 tab_switch、copy、context_menu 轮换
	Violations int
	// DeviceFactory 为每个会话创建采集设备，默认使用正弦波设备
	DeviceFactory func() audio.Device
}

// DefaultSessionLoadTestConfig 返回默认配置
func DefaultSessionLoadTestConfig(baseURL string) *SessionLoadTestConfig {
	return &SessionLoadTestConfig{
		BaseURL:            baseURL,
		ConcurrentSessions: 10,
		SessionDuration:    10 * time.Second,
		RampUpInterval:     10 * time.Millisecond,
		ConnectTimeout:     15 * time.Second,
		ExperienceLevel:    string(session.LevelMid),
		DeviceFactory: func() audio.Device {
			return audio.NewToneDevice(220, 0.2)
		},
	}
}

// SessionLoadTestResult 压测结果
type SessionLoadTestResult struct {
	TotalSessions int64
	Completed     int64
	Terminated    int64
	Disconnected  int64
	Failed        int64
	Duration      time.Duration

	// 从创建面试到会话激活的延迟 (毫秒)
	MinConnectLatency float64
	MaxConnectLatency float64
	AvgConnectLatency float64
	P50ConnectLatency float64
	P95ConnectLatency float64
	P99ConnectLatency float64

	FramesCaptured int64
	FramesSent     int64
	FramesDropped  int64
	Warnings       int64

	ErrorsByType map[string]int64
}

// SessionLoadTester 会话压测器
type SessionLoadTester struct {
	config *SessionLoadTestConfig
	api    *client.APIClient

	completed    atomic.Int64
	terminated   atomic.Int64
	disconnected atomic.Int64
	failed       atomic.Int64
	captured     atomic.Int64
	sent         atomic.Int64
	dropped      atomic.Int64
	warnings     atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	errors    map[string]int64
}

// NewSessionLoadTester 创建压测器
func NewSessionLoadTester(config *SessionLoadTestConfig) *SessionLoadTester {
	return &SessionLoadTester{
		config: config,
		api:    client.NewAPIClient(config.BaseURL),
		errors: make(map[string]int64),
	}
}

func (t *SessionLoadTester) validateConfig() error {
	if t.config.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if t.config.ConcurrentSessions <= 0 {
		return errors.New("concurrent sessions must be positive")
	}
	if t.config.SessionDuration <= 0 {
		return errors.New("session duration must be positive")
	}
	if t.config.DeviceFactory == nil {
		t.config.DeviceFactory = DefaultSessionLoadTestConfig("").DeviceFactory
	}
	return nil
}

// Run 启动全部会话并等待结束
func (t *SessionLoadTester) Run(ctx context.Context) (*SessionLoadTestResult, error) {
	if err := t.validateConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.Printf("🚀 Starting session load test: %d sessions against %s", t.config.ConcurrentSessions, t.config.BaseURL)
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < t.config.ConcurrentSessions; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			t.runSession(ctx, id)
		}(i)

		if t.config.RampUpInterval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(t.config.RampUpInterval):
			}
		}
	}
	wg.Wait()

	result := t.generateResult(time.Since(start))
	log.Printf("✅ Session load test finished: completed=%d terminated=%d disconnected=%d failed=%d",
		result.Completed, result.Terminated, result.Disconnected, result.Failed)
	return result, nil
}

func (t *SessionLoadTester) runSession(ctx context.Context, id int) {
	start := time.Now()
	resumeID := fmt.Sprintf("loadtest-%d-%d", start.UnixNano(), id)

	iv, err := t.api.CreateInterview(ctx, resumeID, t.config.ExperienceLevel)
	if err != nil {
		t.failed.Add(1)
		t.recordError("create", err)
		return
	}

	cfg := client.DefaultConfig(t.api.SessionURL(iv.ID))
	if t.config.ConnectTimeout > 0 {
		cfg.ConnectTimeout = t.config.ConnectTimeout
	}
	c := client.New(cfg, t.config.DeviceFactory(), nil, nil)

	active := make(chan struct{})
	var activeOnce sync.Once
	c.SetStateChangeHandler(func(_, newState session.State) {
		if newState == session.StateActive {
			t.recordLatency(time.Since(start))
			activeOnce.Do(func() { close(active) })
		}
	})
	c.SetWarningHandler(func(int, int, string) {
		t.warnings.Add(1)
	})

	go t.drive(ctx, c, active)

	res := c.Run(ctx)
	t.captured.Add(res.Capture.Captured)
	t.sent.Add(res.Capture.Sent)
	t.dropped.Add(res.Capture.Dropped)

	switch res.Kind {
	case client.ResultCompleted:
		t.completed.Add(1)
	case client.ResultTerminated:
		t.terminated.Add(1)
	case client.ResultDisconnected:
		t.disconnected.Add(1)
	default:
		t.failed.Add(1)
		t.recordError(errorType(res.Err), res.Err)
	}
}

// drive 会话激活后注入违规，到时后结束面试
func (t *SessionLoadTester) drive(ctx context.Context, c *client.Client, active <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-active:
	}

	// 等待信号源绑定输出
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < t.config.Violations; i++ {
		switch i % 3 {
		case 0:
			c.ObserveVisibility(false)
			c.ObserveVisibility(true)
		case 1:
			c.Intercept(signals.ActionCopy)
		case 2:
			c.Intercept(signals.ActionContextMenu)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(t.config.SessionDuration):
	}
	if err := c.End(ctx); err != nil && !errors.Is(err, client.ErrNotRunning) {
		t.recordError("end", err)
	}
}

func errorType(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, client.ErrCapture):
		return "capture"
	case errors.Is(err, channel.ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, channel.ErrRejected):
		return "rejected"
	default:
		return "other"
	}
}

func (t *SessionLoadTester) recordLatency(d time.Duration) {
	t.mu.Lock()
	t.latencies = append(t.latencies, d)
	t.mu.Unlock()
}

func (t *SessionLoadTester) recordError(kind string, err error) {
	t.mu.Lock()
	t.errors[kind]++
	n := t.errors[kind]
	t.mu.Unlock()
	if n == 1 {
		log.Printf("[loadtest] %s error: %v", kind, err)
	}
}

func (t *SessionLoadTester) generateResult(duration time.Duration) *SessionLoadTestResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := &SessionLoadTestResult{
		TotalSessions:  int64(t.config.ConcurrentSessions),
		Completed:      t.completed.Load(),
		Terminated:     t.terminated.Load(),
		Disconnected:   t.disconnected.Load(),
		Failed:         t.failed.Load(),
		Duration:       duration,
		FramesCaptured: t.captured.Load(),
		FramesSent:     t.sent.Load(),
		FramesDropped:  t.dropped.Load(),
		Warnings:       t.warnings.Load(),
		ErrorsByType:   make(map[string]int64, len(t.errors)),
	}
	for k, v := range t.errors {
		result.ErrorsByType[k] = v
	}

	if len(t.latencies) > 0 {
		latencies := make([]time.Duration, len(t.latencies))
		copy(latencies, t.latencies)

		// 排序计算百分位数
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		ms := func(d time.Duration) float64 { return float64(d.Nanoseconds()) / 1e6 }
		result.MinConnectLatency = ms(latencies[0])
		result.MaxConnectLatency = ms(latencies[len(latencies)-1])
		result.P50ConnectLatency = ms(latencies[len(latencies)/2])
		result.P95ConnectLatency = ms(latencies[int(float64(len(latencies))*0.95)])
		result.P99ConnectLatency = ms(latencies[int(float64(len(latencies))*0.99)])

		var total time.Duration
		for _, lat := range latencies {
			total += lat
		}
		result.AvgConnectLatency = ms(total) / float64(len(latencies))
	}
	return result
}
