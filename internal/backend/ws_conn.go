package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"GoLiveInterview/internal/protocol"
)

// WSDialer 通过 WebSocket 连接后端，在 ConnectTimeout 内按指数退避重试
type WSDialer struct {
	URL             string
	Header          http.Header
	ConnectTimeout  time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
	WriteTimeout    time.Duration
}

// NewWSDialer 默认 30 秒超时，最多重试 3 次
func NewWSDialer(url string) *WSDialer {
	return &WSDialer{
		URL:             url,
		ConnectTimeout:  30 * time.Second,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		WriteTimeout:    5 * time.Second,
	}
}

// Dial 实现 Dialer
func (d *WSDialer) Dial(ctx context.Context, setup Setup) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.ConnectTimeout)
	defer cancel()

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = d.InitialInterval
	backOff.MaxElapsedTime = d.ConnectTimeout

	attempt := 0
	var conn *wsConn
	err := backoff.Retry(func() error {
		attempt++
		c, err := d.dialOnce(ctx, setup)
		if err != nil {
			if errors.Is(err, ErrSetupRejected) {
				return backoff.Permanent(err)
			}
			log.Printf("[backend] connect attempt %d failed: %v", attempt, err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backOff, d.MaxRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("connect backend after %d attempts: %w", attempt, err)
	}

	go conn.readLoop()
	log.Printf("[backend] session %s connected (attempt %d)", setup.InterviewID, attempt)
	return conn, nil
}

func (d *WSDialer) dialOnce(ctx context.Context, setup Setup) (*wsConn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = d.ConnectTimeout

	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &wsConn{
		conn:         ws,
		writeTimeout: d.WriteTimeout,
		events:       make(chan Event, 64),
		stopChan:     make(chan struct{}),
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = 5 * time.Second
	}

	if err := c.writeJSON(ctx, Message{
		Type:            TypeSetup,
		InterviewID:     setup.InterviewID,
		ExperienceLevel: setup.ExperienceLevel,
		Instructions:    setup.Instructions,
	}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send setup failed: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	}
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("read setup response failed: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := decode(data)
		if err != nil {
			ws.Close()
			return nil, err
		}
		switch msg.Type {
		case TypeSetupComplete:
			ws.SetReadDeadline(time.Time{})
			return c, nil
		case TypeError:
			ws.Close()
			return nil, fmt.Errorf("%w: %s", ErrSetupRejected, msg.Message)
		}
	}
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu  sync.Mutex
	events   chan Event
	stopChan chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
}

func (c *wsConn) readLoop() {
	defer close(c.events)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			ev := Event{Kind: EventClosed}
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				ev.Err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			c.deliver(ev)
			return
		}

		var ev Event
		switch messageType {
		case websocket.BinaryMessage:
			ev = Event{Kind: EventAudio, Audio: data}
		case websocket.TextMessage:
			msg, err := decode(data)
			if err != nil {
				log.Printf("[backend] ignoring message: %v", err)
				continue
			}
			switch msg.Type {
			case TypeTranscript:
				ev = Event{Kind: EventTranscript, Text: msg.Text}
			case TypeTurnComplete:
				ev = Event{Kind: EventTurnComplete}
			case TypeInterrupted:
				ev = Event{Kind: EventInterrupted}
			case TypeError:
				ev = Event{Kind: EventError, Err: errors.New(msg.Message)}
			default:
				log.Printf("[backend] ignoring message type %s", msg.Type)
				continue
			}
		default:
			continue
		}
		if !c.deliver(ev) {
			return
		}
	}
}

func (c *wsConn) deliver(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stopChan:
		return false
	}
}

func (c *wsConn) write(ctx context.Context, messageType int, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) writeJSON(ctx context.Context, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.TextMessage, data)
}

func (c *wsConn) SendAudio(ctx context.Context, pcm16 []byte) error {
	if len(pcm16) > protocol.MaxAudioMessageSize {
		return protocol.ErrFrameTooLarge
	}
	return c.write(ctx, websocket.BinaryMessage, pcm16)
}

func (c *wsConn) SendText(ctx context.Context, text string) error {
	return c.writeJSON(ctx, Message{Type: TypeText, Text: text})
}

func (c *wsConn) SendTurnComplete(ctx context.Context) error {
	return c.writeJSON(ctx, Message{Type: TypeTurnComplete})
}

func (c *wsConn) End(ctx context.Context) error {
	return c.writeJSON(ctx, Message{Type: TypeEnd})
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

func (c *wsConn) Close() error {
	var err error
	c.stopOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopChan)

		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}
