package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"GoLiveInterview/internal/audio"
	"GoLiveInterview/internal/protocol"
)

// SilentDevice 按固定间隔输出静音帧的采集设备。
// OpenErr 非空时 Open 失败（模拟没有麦克风权限），FailWith 非空时第一次读取即失败。
type SilentDevice struct {
	Interval time.Duration
	OpenErr  error
	FailWith error

	mu     sync.Mutex
	closed bool
}

// NewSilentDevice 创建静音设备
func NewSilentDevice(interval time.Duration) *SilentDevice {
	return &SilentDevice{Interval: interval}
}

// Open 实现 audio.Device
func (d *SilentDevice) Open(ctx context.Context) error {
	return d.OpenErr
}

// ReadFrame 实现 audio.Device
func (d *SilentDevice) ReadFrame(ctx context.Context) ([]float32, error) {
	if d.FailWith != nil {
		return nil, d.FailWith
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d.Interval):
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, audio.ErrDeviceClosed
	}
	return make([]float32, protocol.CaptureFrameSamples), nil
}

// Close 实现 audio.Device
func (d *SilentDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// TestBrowser 直接说控制协议的测试浏览器
type TestBrowser struct {
	Conn *websocket.Conn
	t    *testing.T
}

// DialBrowser 连接会话地址
func DialBrowser(t *testing.T, url string) *TestBrowser {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "Failed to dial %s", url)
	t.Cleanup(func() { conn.Close() })
	return &TestBrowser{Conn: conn, t: t}
}

// Send 发送控制消息
func (b *TestBrowser) Send(msg protocol.Message) {
	b.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(b.t, err)
	require.NoError(b.t, b.Conn.WriteMessage(websocket.TextMessage, data))
}

// SendAudio 发送一帧 float32 音频
func (b *TestBrowser) SendAudio(samples []float32) {
	b.t.Helper()
	require.NoError(b.t, b.Conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFloat32(samples)))
}

// ReadUntil 读取直到收到指定类型的控制消息，跳过音频和其它消息
func (b *TestBrowser) ReadUntil(want protocol.MessageType) protocol.Message {
	b.t.Helper()
	b.Conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer b.Conn.SetReadDeadline(time.Time{})

	for {
		messageType, data, err := b.Conn.ReadMessage()
		require.NoError(b.t, err, "connection closed while waiting for %s", want)
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if msg.Type == want {
			return msg
		}
	}
}

// ExpectClose 读取到连接关闭，返回关闭码
func (b *TestBrowser) ExpectClose() int {
	b.t.Helper()
	b.Conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := b.Conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(b.t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr.Code
	}
}
