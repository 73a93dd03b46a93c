package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("malformed control message")
	ErrUnknownType = errors.New("unknown control message type")
)

// Message 控制消息，按 Type 区分的标签变体。
// 每种类型只使用与之相关的字段，其余字段为零值并在编码时省略。
type Message struct {
	Type MessageType `json:"type"`

	InterviewID string `json:"interview_id,omitempty"`
	Text        string `json:"text,omitempty"`
	Message     string `json:"message,omitempty"`
	Strikes     int    `json:"strikes,omitempty"`
	MaxStrikes  int    `json:"max_strikes,omitempty"`

	// cheating_detected
	EventType  string         `json:"event_type,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Details    map[string]any `json:"details,omitempty"`

	// audio（base64 兜底通道）
	Data string `json:"data,omitempty"`

	// signal
	Signal string `json:"signal,omitempty"`
	Active *bool  `json:"active,omitempty"`
	Faces  *int   `json:"faces,omitempty"`
}

// Connected 构造 connected 消息
func Connected(interviewID string) Message {
	return Message{Type: TypeConnected, InterviewID: interviewID, Message: "Interview session started"}
}

// Transcript 构造 transcript 消息
func Transcript(text string) Message {
	return Message{Type: TypeTranscript, Text: text}
}

// Warning 构造 warning 消息
func Warning(strikes, maxStrikes int, message string) Message {
	return Message{Type: TypeWarning, Strikes: strikes, MaxStrikes: maxStrikes, Message: message}
}

// Terminated 构造 terminated 消息
func Terminated(strikes int, message string) Message {
	return Message{Type: TypeTerminated, Strikes: strikes, Message: message}
}

// Error 构造 error 消息
func Error(message string) Message {
	return Message{Type: TypeError, Message: message}
}

// Interrupted 通知客户端丢弃尚未播放的智能体音频
func Interrupted() Message {
	return Message{Type: TypeInterrupted}
}

// CheatingDetected 构造违规上报消息
func CheatingDetected(eventType string, confidence float64, details map[string]any) Message {
	return Message{Type: TypeCheatingDetected, EventType: eventType, Confidence: confidence, Details: details}
}

// EndInterview 构造结束面试请求
func EndInterview() Message {
	return Message{Type: TypeEndInterview}
}

// WarningAck 构造警告确认消息
func WarningAck() Message {
	return Message{Type: TypeWarningAck}
}

// SignalState 构造带开关状态的信号消息（visibility / focus）
func SignalState(signal string, active bool) Message {
	return Message{Type: TypeSignal, Signal: signal, Active: &active}
}

// SignalFaceCount 构造人脸数量采样消息
func SignalFaceCount(faces int) Message {
	return Message{Type: TypeSignal, Signal: SignalFaces, Faces: &faces}
}

// Encode 将控制消息编码为 JSON
func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return json.Marshal(msg)
}

// Decode 解码控制消息。
// 未知类型返回解码后的消息和 ErrUnknownType，调用方记录后忽略即可。
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !IsValidType(msg.Type) {
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}
