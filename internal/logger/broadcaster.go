package logger

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Level 日志级别
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
	LevelSuccess Level = "SUCCESS"
)

// LogMessage 推送给监控端的日志消息
type LogMessage struct {
	Level       Level     `json:"level"`
	Message     string    `json:"message"`
	Module      string    `json:"module"`
	InterviewID string    `json:"interview_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Broadcaster 把会话日志同时写到控制台并广播给 /ws/monitor 的订阅者
type Broadcaster struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	writeTimeout time.Duration
}

// NewBroadcaster 创建广播器
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:      make(map[*websocket.Conn]bool),
		broadcast:    make(chan LogMessage, 256),
		register:     make(chan *websocket.Conn),
		unregister:   make(chan *websocket.Conn),
		stop:         make(chan struct{}),
		writeTimeout: time.Second,
	}
}

// Run 启动广播循环，直到 Stop 被调用
func (b *Broadcaster) Run() {
	for {
		select {
		case <-b.stop:
			b.mu.Lock()
			for client := range b.clients {
				client.Close()
				delete(b.clients, client)
			}
			b.mu.Unlock()
			return

		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			count := len(b.clients)
			b.mu.Unlock()
			log.Printf("monitor client connected, total: %d", count)

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				client.Close()
			}
			count := len(b.clients)
			b.mu.Unlock()
			log.Printf("monitor client disconnected, total: %d", count)

		case message := <-b.broadcast:
			b.deliver(message)
		}
	}
}

func (b *Broadcaster) deliver(message LogMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		client.SetWriteDeadline(time.Now().Add(b.writeTimeout))
		if err := client.WriteJSON(message); err != nil {
			log.Printf("send monitor message failed: %v", err)
			delete(b.clients, client)
			client.Close()
		}
	}
}

// Stop 停止广播循环
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Clients 当前订阅者数量
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) emit(level Level, module, interviewID, message string) {
	msg := LogMessage{
		Level:       level,
		Message:     message,
		Module:      module,
		InterviewID: interviewID,
		Timestamp:   time.Now(),
	}

	// 同时输出到控制台
	if interviewID != "" {
		log.Printf("[%s] [%s] %s: %s", level, interviewID, module, message)
	} else {
		log.Printf("[%s] %s: %s", level, module, message)
	}

	select {
	case b.broadcast <- msg:
	default:
		// 通道满时丢弃，避免阻塞会话
	}
}

// LogInfo 记录信息日志
func (b *Broadcaster) LogInfo(module, interviewID, message string) {
	b.emit(LevelInfo, module, interviewID, message)
}

// LogWarning 记录警告日志
func (b *Broadcaster) LogWarning(module, interviewID, message string) {
	b.emit(LevelWarning, module, interviewID, message)
}

// LogError 记录错误日志
func (b *Broadcaster) LogError(module, interviewID, message string) {
	b.emit(LevelError, module, interviewID, message)
}

// LogSuccess 记录成功日志
func (b *Broadcaster) LogSuccess(module, interviewID, message string) {
	b.emit(LevelSuccess, module, interviewID, message)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket 处理监控端连接
func (b *Broadcaster) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("monitor websocket upgrade failed: %v", err)
		return
	}

	conn.WriteJSON(LogMessage{
		Level:     LevelInfo,
		Message:   "connected to interview monitor stream",
		Module:    "monitor",
		Timestamp: time.Now(),
	})

	select {
	case b.register <- conn:
	case <-b.stop:
		conn.Close()
		return
	}

	defer func() {
		select {
		case b.unregister <- conn:
		case <-b.stop:
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("monitor websocket error: %v", err)
			}
			return
		}
	}
}

// 全局广播器实例
var Global *Broadcaster

// InitGlobal 初始化全局广播器
func InitGlobal() *Broadcaster {
	Global = NewBroadcaster()
	go Global.Run()
	return Global
}

// 便捷函数，全局广播器未初始化时退化为标准日志

func Info(module, interviewID, format string, args ...any) {
	logAt(LevelInfo, module, interviewID, fmt.Sprintf(format, args...))
}

func Warning(module, interviewID, format string, args ...any) {
	logAt(LevelWarning, module, interviewID, fmt.Sprintf(format, args...))
}

func Error(module, interviewID, format string, args ...any) {
	logAt(LevelError, module, interviewID, fmt.Sprintf(format, args...))
}

func Success(module, interviewID, format string, args ...any) {
	logAt(LevelSuccess, module, interviewID, fmt.Sprintf(format, args...))
}

func logAt(level Level, module, interviewID, message string) {
	if Global != nil {
		Global.emit(level, module, interviewID, message)
		return
	}
	if interviewID != "" {
		log.Printf("[%s] [%s] %s: %s", level, interviewID, module, message)
	} else {
		log.Printf("[%s] %s: %s", level, module, message)
	}
}
