// Package backend 连接远端对话模型服务。音频以二进制帧传输，控制消息为 JSON 文本帧。
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrSetupRejected 后端拒绝了会话配置
	ErrSetupRejected = errors.New("backend rejected session setup")
	// ErrClosed 连接已关闭
	ErrClosed = errors.New("backend connection closed")
)

// MessageType 后端链路上的控制消息类型
type MessageType string

const (
	// 服务端 -> 后端
	TypeSetup        MessageType = "setup"
	TypeText         MessageType = "text"
	TypeTurnComplete MessageType = "turn_complete"
	TypeEnd          MessageType = "end"

	// 后端 -> 服务端
	TypeSetupComplete MessageType = "setup_complete"
	TypeTranscript    MessageType = "transcript"
	TypeInterrupted   MessageType = "interrupted"
	TypeError         MessageType = "error"
)

// Message 后端控制消息
type Message struct {
	Type            MessageType `json:"type"`
	InterviewID     string      `json:"interview_id,omitempty"`
	ExperienceLevel string      `json:"experience_level,omitempty"`
	Instructions    string      `json:"instructions,omitempty"`
	Text            string      `json:"text,omitempty"`
	Message         string      `json:"message,omitempty"`
}

func encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode backend message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, errors.New("decode backend message: missing type")
	}
	return msg, nil
}

// Setup 建立会话时发送的配置
type Setup struct {
	InterviewID     string
	ExperienceLevel string
	Instructions    string
}

// EventKind 后端事件类型
type EventKind int

const (
	EventAudio EventKind = iota
	EventTranscript
	EventTurnComplete
	EventInterrupted
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event 后端事件。Audio 为 24kHz PCM16。
type Event struct {
	Kind  EventKind
	Text  string
	Audio []byte
	Err   error
}

// Conn 一条后端会话连接
type Conn interface {
	// SendAudio 发送 16kHz PCM16 候选人音频
	SendAudio(ctx context.Context, pcm16 []byte) error
	SendText(ctx context.Context, text string) error
	SendTurnComplete(ctx context.Context) error
	// End 请求后端结束会话
	End(ctx context.Context) error
	// Events 事件流，连接结束后投递 EventClosed 并关闭
	Events() <-chan Event
	Close() error
}

// Dialer 建立后端连接
type Dialer interface {
	Dial(ctx context.Context, setup Setup) (Conn, error)
}

// DialerFunc 把函数适配为 Dialer
type DialerFunc func(ctx context.Context, setup Setup) (Conn, error)

// Dial 实现 Dialer
func (f DialerFunc) Dial(ctx context.Context, setup Setup) (Conn, error) {
	return f(ctx, setup)
}

// InterviewerInstructions 按经验等级生成面试官提示词
func InterviewerInstructions(level string) string {
	return fmt.Sprintf("You are a professional technical interviewer conducting a live voice interview "+
		"with a %s level candidate. Ask one question at a time, keep responses brief and "+
		"conversational, and wait for the candidate to finish before continuing.", level)
}
