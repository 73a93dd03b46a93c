// Package channel 候选人一侧的会话通道：一条 WebSocket 连接上同时承载 JSON 控制消息和二进制音频。
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"GoLiveInterview/internal/protocol"
)

var (
	// ErrConnectTimeout 在限定时间内没有收到 connected
	ErrConnectTimeout = errors.New("session channel connect timeout")
	// ErrDisconnected 通道已断开或已关闭
	ErrDisconnected = errors.New("session channel disconnected")
	// ErrRejected 服务端在建立会话前关闭了连接
	ErrRejected = errors.New("session rejected by server")
)

// State 通道状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventKind 入站事件类型
type EventKind int

const (
	EventConnected EventKind = iota
	EventTranscript
	EventWarning
	EventTerminated
	EventError
	EventInterrupted
	EventAudio
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventTranscript:
		return "transcript"
	case EventWarning:
		return "warning"
	case EventTerminated:
		return "terminated"
	case EventError:
		return "error"
	case EventInterrupted:
		return "interrupted"
	case EventAudio:
		return "audio"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event 入站事件。Message 对控制消息有效，Audio 对音频有效，Err/CloseCode 对断开事件有效。
type Event struct {
	Kind      EventKind
	Message   protocol.Message
	Audio     []byte
	Err       error
	CloseCode int
}

// Config 通道配置
type Config struct {
	URL string
	// ConnectTimeout 从拨号到收到 connected 的总时限，超时不重试
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	EventBuffer    int
	Header         http.Header
}

// DefaultConfig 返回默认配置
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		ConnectTimeout: 15 * time.Second,
		WriteTimeout:   5 * time.Second,
		EventBuffer:    64,
	}
}

// Channel 会话通道
type Channel struct {
	cfg         Config
	conn        *websocket.Conn
	interviewID string
	state       atomic.Int32

	writeMu  sync.Mutex // 专用于WebSocket写入同步
	events   chan Event
	stopChan chan struct{}
	stopOnce sync.Once

	sentFrames atomic.Int64
	recvFrames atomic.Int64
}

// Dial 建立通道并等待服务端的 connected 消息
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	def := DefaultConfig(cfg.URL)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	c := &Channel{
		cfg:      cfg,
		events:   make(chan Event, cfg.EventBuffer),
		stopChan: make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	deadline, _ := dialCtx.Deadline()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.ConnectTimeout

	conn, resp, err := dialer.DialContext(dialCtx, cfg.URL, cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	conn.SetReadLimit(protocol.MaxAudioMessageSize)
	c.conn = conn

	msg, err := c.awaitConnected(deadline)
	if err != nil {
		conn.Close()
		c.state.Store(int32(StateDisconnected))
		return nil, err
	}
	c.interviewID = msg.InterviewID
	c.state.Store(int32(StateConnected))

	// connected 作为第一个事件交给调用方
	c.events <- Event{Kind: EventConnected, Message: msg}
	go c.readLoop()

	log.Printf("[channel] connected to %s (interview %s)", cfg.URL, msg.InterviewID)
	return c, nil
}

// awaitConnected 读取握手后的第一条控制消息
func (c *Channel) awaitConnected(deadline time.Time) (protocol.Message, error) {
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return protocol.Message{}, ErrConnectTimeout
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return protocol.Message{}, fmt.Errorf("%w: code=%d reason=%s", ErrRejected, closeErr.Code, closeErr.Text)
			}
			return protocol.Message{}, fmt.Errorf("read connected message failed: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("[channel] ignoring message before connected: %v", err)
			continue
		}
		switch msg.Type {
		case protocol.TypeConnected:
			return msg, nil
		case protocol.TypeError:
			return protocol.Message{}, fmt.Errorf("%w: %s", ErrRejected, msg.Message)
		default:
			log.Printf("[channel] ignoring %s before connected", msg.Type)
		}
	}
}

// InterviewID 服务端确认的面试 ID
func (c *Channel) InterviewID() string {
	return c.interviewID
}

// State 当前状态
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Events 入站事件流。断开后投递一个 EventDisconnected 并关闭。
func (c *Channel) Events() <-chan Event {
	return c.events
}

func (c *Channel) readLoop() {
	defer close(c.events)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.State() == StateClosed {
				return
			}
			c.state.Store(int32(StateDisconnected))
			ev := Event{Kind: EventDisconnected, Err: fmt.Errorf("%w: %v", ErrDisconnected, err)}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				ev.CloseCode = closeErr.Code
			}
			log.Printf("[channel] connection lost: %v", err)
			c.deliver(ev)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.recvFrames.Add(1)
			if !c.deliver(Event{Kind: EventAudio, Audio: data}) {
				return
			}
		case websocket.TextMessage:
			ev, ok := c.toEvent(data)
			if !ok {
				continue
			}
			if !c.deliver(ev) {
				return
			}
		}
	}
}

// toEvent 未知或格式错误的消息记录日志后忽略
func (c *Channel) toEvent(data []byte) (Event, bool) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Printf("[channel] ignoring control message: %v", err)
		return Event{}, false
	}

	var kind EventKind
	switch msg.Type {
	case protocol.TypeConnected:
		kind = EventConnected
	case protocol.TypeTranscript:
		kind = EventTranscript
	case protocol.TypeWarning:
		kind = EventWarning
	case protocol.TypeTerminated:
		kind = EventTerminated
	case protocol.TypeError:
		kind = EventError
	case protocol.TypeInterrupted:
		kind = EventInterrupted
	default:
		log.Printf("[channel] ignoring client-only message type %s", msg.Type)
		return Event{}, false
	}
	return Event{Kind: kind, Message: msg}, true
}

func (c *Channel) deliver(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stopChan:
		return false
	}
}

// Send 发送控制消息
func (c *Channel) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.TextMessage, data)
}

// SendAudio 发送一帧采集音频（float32 小端），实现 audio.FrameSink
func (c *Channel) SendAudio(ctx context.Context, frame protocol.AudioFrame) error {
	if err := c.write(ctx, websocket.BinaryMessage, protocol.EncodeFloat32(frame.Samples)); err != nil {
		return err
	}
	c.sentFrames.Add(1)
	return nil
}

func (c *Channel) write(ctx context.Context, messageType int, data []byte) error {
	if c.State() != StateConnected {
		return ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Close 主动关闭通道，不会产生 EventDisconnected
func (c *Channel) Close() error {
	var err error
	c.stopOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.stopChan)

		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// GetStats 获取通道统计信息
func (c *Channel) GetStats() map[string]any {
	return map[string]any{
		"state":        c.State().String(),
		"interview_id": c.interviewID,
		"sent_frames":  c.sentFrames.Load(),
		"recv_frames":  c.recvFrames.Load(),
	}
}
