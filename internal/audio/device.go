// Package audio 采集麦克风帧并调度后端音频的播放。
package audio

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"GoLiveInterview/internal/protocol"
)

var (
	// ErrDeviceClosed 设备已关闭
	ErrDeviceClosed = errors.New("audio device closed")
	// ErrPermissionDenied 没有麦克风权限
	ErrPermissionDenied = errors.New("microphone permission denied")
)

// Device 采集设备，每次返回任意长度的 float32 采样块。
// Open 申请设备（例如麦克风权限），必须在建立会话之前成功。
type Device interface {
	Open(ctx context.Context) error
	ReadFrame(ctx context.Context) ([]float32, error)
	Close() error
}

// FrameSink 采集帧的去向，通常是会话通道
type FrameSink interface {
	SendAudio(ctx context.Context, frame protocol.AudioFrame) error
}

// ToneDevice 生成正弦波的虚拟设备，Interval 为 0 时不按实时节奏限速
type ToneDevice struct {
	Frequency  float64
	Amplitude  float64
	SampleRate int
	FrameSize  int
	Interval   time.Duration

	mu     sync.Mutex
	phase  int
	closed bool
	ticker *time.Ticker
}

// NewToneDevice 创建按实时节奏输出的正弦波设备
func NewToneDevice(frequency, amplitude float64) *ToneDevice {
	d := &ToneDevice{
		Frequency:  frequency,
		Amplitude:  amplitude,
		SampleRate: protocol.CaptureSampleRate,
		FrameSize:  protocol.CaptureFrameSamples,
	}
	d.Interval = protocol.SamplesDuration(d.FrameSize, d.SampleRate)
	return d
}

// Open 实现 Device
func (d *ToneDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	return ctx.Err()
}

// ReadFrame 实现 Device
func (d *ToneDevice) ReadFrame(ctx context.Context) ([]float32, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDeviceClosed
	}
	if d.Interval > 0 && d.ticker == nil {
		d.ticker = time.NewTicker(d.Interval)
	}
	ticker := d.ticker
	d.mu.Unlock()

	if ticker != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	out := make([]float32, d.FrameSize)
	for i := range out {
		t := float64(d.phase+i) / float64(d.SampleRate)
		out[i] = float32(d.Amplitude * math.Sin(2*math.Pi*d.Frequency*t))
	}
	d.phase += d.FrameSize
	return out, nil
}

// Close 实现 Device
func (d *ToneDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.ticker != nil {
		d.ticker.Stop()
	}
	return nil
}
