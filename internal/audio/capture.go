package audio

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"GoLiveInterview/internal/protocol"
)

// CaptureConfig 采集参数
type CaptureConfig struct {
	SampleRate   int
	FrameSamples int
	// QueueSize 待发送帧队列长度，满时丢弃最旧的帧
	QueueSize int
}

// DefaultCaptureConfig 16kHz，每帧 4096 采样，队列 32 帧
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:   protocol.CaptureSampleRate,
		FrameSamples: protocol.CaptureFrameSamples,
		QueueSize:    32,
	}
}

// CaptureStats 采集统计
type CaptureStats struct {
	Captured int64 `json:"captured"`
	Sent     int64 `json:"sent"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
}

// Capturer 从设备读取采样，切分成固定大小的帧后异步发送。
// 读取永远不会因为发送端变慢而阻塞。
type Capturer struct {
	device Device
	sink   FrameSink
	cfg    CaptureConfig

	queue chan protocol.AudioFrame
	errCh chan error

	captured atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCapturer 创建采集器
func NewCapturer(device Device, sink FrameSink, cfg CaptureConfig) *Capturer {
	def := DefaultCaptureConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = def.FrameSamples
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Capturer{
		device: device,
		sink:   sink,
		cfg:    cfg,
		queue:  make(chan protocol.AudioFrame, cfg.QueueSize),
		errCh:  make(chan error, 1),
	}
}

// Start 启动读取和发送两个 goroutine
func (c *Capturer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.sendLoop(ctx)
}

// Errors 设备读取失败时投递一次错误
func (c *Capturer) Errors() <-chan error {
	return c.errCh
}

func (c *Capturer) readLoop(ctx context.Context) {
	defer c.wg.Done()
	acc := protocol.NewFrameAccumulator(c.cfg.FrameSamples, c.cfg.SampleRate)

	for {
		samples, err := c.device.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrDeviceClosed) {
				return
			}
			log.Printf("[audio] capture read failed: %v", err)
			select {
			case c.errCh <- err:
			default:
			}
			return
		}

		acc.Feed(samples)
		for {
			frame, ok := acc.Next()
			if !ok {
				break
			}
			c.captured.Add(1)
			c.enqueue(frame)
		}
	}
}

// enqueue 队列满时丢弃最旧的帧
func (c *Capturer) enqueue(frame protocol.AudioFrame) {
	for {
		select {
		case c.queue <- frame:
			return
		default:
		}
		select {
		case old := <-c.queue:
			n := c.dropped.Add(1)
			if n == 1 || n%50 == 0 {
				log.Printf("[audio] capture queue full, dropped frame seq=%d (total dropped: %d)", old.Seq, n)
			}
		default:
		}
	}
}

func (c *Capturer) sendLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.queue:
			if err := c.sink.SendAudio(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return
				}
				if c.failed.Add(1) == 1 {
					log.Printf("[audio] send frame failed: %v", err)
				}
				continue
			}
			c.sent.Add(1)
		}
	}
}

// Stop 停止采集并释放设备，可重复调用
func (c *Capturer) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if err := c.device.Close(); err != nil {
			log.Printf("[audio] close capture device: %v", err)
		}
		c.wg.Wait()
	})
}

// Stats 返回统计快照
func (c *Capturer) Stats() CaptureStats {
	return CaptureStats{
		Captured: c.captured.Load(),
		Sent:     c.sent.Load(),
		Dropped:  c.dropped.Load(),
		Failed:   c.failed.Load(),
	}
}
