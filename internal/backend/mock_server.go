package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"GoLiveInterview/internal/protocol"
)

// MockConfig 本地模拟面试官配置
type MockConfig struct {
	Addr      string
	Greeting  string
	Questions []string
	Closing   string
	// 每次发言附带的音频块数和每块采样数（24kHz 静音）
	AudioChunks  int
	ChunkSamples int
	// ChunkInterval 音频块之间的间隔，为 0 时不限速
	ChunkInterval time.Duration
	// RejectSetup 为 true 时拒绝所有会话
	RejectSetup bool
}

// DefaultMockConfig 返回默认配置
func DefaultMockConfig(addr string) *MockConfig {
	return &MockConfig{
		Addr:     addr,
		Greeting: "Hello, thanks for joining today. Could you start by telling me about yourself?",
		Questions: []string{
			"What project are you most proud of, and why?",
			"How do you approach debugging a problem you have never seen before?",
			"Tell me about a time you disagreed with a teammate. How did you resolve it?",
		},
		Closing:       "Thank you, that concludes our interview.",
		AudioChunks:   2,
		ChunkSamples:  2400,
		ChunkInterval: 0,
	}
}

// MockStats 模拟后端统计
type MockStats struct {
	Sessions      int64    `json:"sessions"`
	AudioBytes    int64    `json:"audio_bytes"`
	TurnsComplete int64    `json:"turns_complete"`
	Texts         []string `json:"texts"`
	Ended         int64    `json:"ended"`
}

// MockServer 按脚本提问的模拟面试官，用于本地联调和测试
type MockServer struct {
	config   *MockConfig
	server   *http.Server
	upgrader websocket.Upgrader

	sessions      atomic.Int64
	audioBytes    atomic.Int64
	turnsComplete atomic.Int64
	ended         atomic.Int64

	mu    sync.Mutex
	texts []string

	connWg sync.WaitGroup
}

// NewMockServer 创建模拟后端
func NewMockServer(config *MockConfig) *MockServer {
	if config == nil {
		config = DefaultMockConfig(":8090")
	}
	s := &MockServer{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/stats", s.handleStats)
	s.server = &http.Server{Addr: config.Addr, Handler: mux}
	return s
}

// Start 启动监听（阻塞）
func (s *MockServer) Start() error {
	log.Printf("[mock-backend] listening on %s", s.config.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 关闭服务器并等待连接退出
func (s *MockServer) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

// HandleWebSocket 处理一条后端会话
func (s *MockServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[mock-backend] upgrade failed: %v", err)
		return
	}
	s.connWg.Add(1)
	defer s.connWg.Done()
	defer conn.Close()

	sess := &mockSession{server: s, conn: conn}
	if !sess.handshake() {
		return
	}
	s.sessions.Add(1)

	go sess.speak(s.config.Greeting)
	sess.readLoop()
}

func (s *MockServer) recordText(text string) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
}

// Stats 返回统计快照
func (s *MockServer) Stats() MockStats {
	s.mu.Lock()
	texts := append([]string(nil), s.texts...)
	s.mu.Unlock()
	return MockStats{
		Sessions:      s.sessions.Load(),
		AudioBytes:    s.audioBytes.Load(),
		TurnsComplete: s.turnsComplete.Load(),
		Texts:         texts,
		Ended:         s.ended.Load(),
	}
}

func (s *MockServer) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Stats())
}

type mockSession struct {
	server   *MockServer
	conn     *websocket.Conn
	writeMu  sync.Mutex
	question int

	// 同一时间只有一段发言；收到插话后当前发言停止
	speakMu     sync.Mutex
	interrupted atomic.Bool
}

func (m *mockSession) handshake() bool {
	m.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := m.conn.ReadMessage()
	if err != nil {
		return false
	}
	m.conn.SetReadDeadline(time.Time{})

	msg, err := decode(data)
	if err != nil || msg.Type != TypeSetup {
		m.send(Message{Type: TypeError, Message: "expected setup"})
		return false
	}
	if m.server.config.RejectSetup {
		m.send(Message{Type: TypeError, Message: "setup rejected"})
		return false
	}
	log.Printf("[mock-backend] session %s (%s)", msg.InterviewID, msg.ExperienceLevel)
	return m.send(Message{Type: TypeSetupComplete}) == nil
}

func (m *mockSession) readLoop() {
	for {
		messageType, data, err := m.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.BinaryMessage {
			m.server.audioBytes.Add(int64(len(data)))
			continue
		}

		msg, err := decode(data)
		if err != nil {
			m.send(Message{Type: TypeError, Message: err.Error()})
			continue
		}
		switch msg.Type {
		case TypeText:
			m.server.recordText(msg.Text)
			if strings.HasPrefix(msg.Text, "[User interrupted]") {
				m.interrupted.Store(true)
				m.send(Message{Type: TypeInterrupted})
			}
		case TypeTurnComplete:
			m.server.turnsComplete.Add(1)
			go m.speak(m.nextQuestion())
		case TypeEnd:
			m.server.ended.Add(1)
			m.writeMu.Lock()
			m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
				time.Now().Add(time.Second))
			m.writeMu.Unlock()
			return
		}
	}
}

func (m *mockSession) nextQuestion() string {
	cfg := m.server.config
	if m.question < len(cfg.Questions) {
		text := cfg.Questions[m.question]
		m.question++
		return text
	}
	return cfg.Closing
}

// speak 发送一段转写和对应的音频，最后发送 turn_complete；被打断时提前结束
func (m *mockSession) speak(text string) {
	m.speakMu.Lock()
	defer m.speakMu.Unlock()
	m.interrupted.Store(false)

	cfg := m.server.config
	if err := m.send(Message{Type: TypeTranscript, Text: text}); err != nil {
		return
	}
	chunk := protocol.EncodePCM16(make([]float32, cfg.ChunkSamples))
	for i := 0; i < cfg.AudioChunks; i++ {
		if cfg.ChunkInterval > 0 {
			time.Sleep(cfg.ChunkInterval)
		}
		if m.interrupted.Load() {
			return
		}
		m.writeMu.Lock()
		m.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := m.conn.WriteMessage(websocket.BinaryMessage, chunk)
		m.writeMu.Unlock()
		if err != nil {
			return
		}
	}
	m.send(Message{Type: TypeTurnComplete})
}

func (m *mockSession) send(msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return fmt.Errorf("encode mock message: %w", err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}
