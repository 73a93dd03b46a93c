package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventType 会话时间线事件类型
type EventType string

const (
	EventConnect      EventType = "CONNECT"
	EventActivate     EventType = "ACTIVATE"
	EventWarning      EventType = "WARNING"
	EventWarningAck   EventType = "WARNING_ACK"
	EventTerminate    EventType = "TERMINATE"
	EventComplete     EventType = "COMPLETE"
	EventDisconnect   EventType = "DISCONNECT"
	EventBargeIn      EventType = "BARGE_IN"
	EventTurnComplete EventType = "TURN_COMPLETE"
	EventError        EventType = "ERROR"
	EventClose        EventType = "CLOSE"
)

// CloseCode WebSocket关闭代码
type CloseCode int

const (
	CloseNormal         CloseCode = 1000
	CloseGoingAway      CloseCode = 1001
	CloseInternalError  CloseCode = 1011
	CloseNotInProgress  CloseCode = 4001
	CloseBackendFailure CloseCode = 4002
	CloseTerminated     CloseCode = 4003
	CloseNotFound       CloseCode = 4004
)

// TimelineEvent 时间线上的一条记录
type TimelineEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	CloseCode CloseCode      `json:"close_code,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AudioStats 音频统计
type AudioStats struct {
	FramesIn      int64   `json:"frames_in"`
	SpeechFrames  int64   `json:"speech_frames"`
	BytesIn       int64   `json:"bytes_in"`
	FramesOut     int64   `json:"frames_out"`
	BytesOut      int64   `json:"bytes_out"`
	BargeIns      int64   `json:"barge_ins"`
	TurnsComplete int64   `json:"turns_complete"`
	FilterRate    float64 `json:"filter_rate"`
}

// Recorder 记录会话时间线和音频统计
type Recorder struct {
	sessionID string
	startTime time.Time

	mu     sync.RWMutex
	events []*TimelineEvent

	eventCounter  atomic.Int64
	framesIn      atomic.Int64
	speechFrames  atomic.Int64
	bytesIn       atomic.Int64
	framesOut     atomic.Int64
	bytesOut      atomic.Int64
	bargeIns      atomic.Int64
	turnsComplete atomic.Int64
	isActive      atomic.Bool
}

// NewRecorder 创建录制器
func NewRecorder(sessionID string) *Recorder {
	r := &Recorder{
		sessionID: sessionID,
		startTime: time.Now(),
		events:    make([]*TimelineEvent, 0, 64),
	}
	r.isActive.Store(true)
	return r
}

// RecordEvent 记录事件
func (r *Recorder) RecordEvent(eventType EventType, metadata map[string]any) {
	if !r.isActive.Load() {
		return
	}
	r.append(&TimelineEvent{Type: eventType, Metadata: metadata})
}

// RecordError 记录错误
func (r *Recorder) RecordError(err error, metadata map[string]any) {
	if err == nil || !r.isActive.Load() {
		return
	}
	r.append(&TimelineEvent{Type: EventError, Error: err.Error(), Metadata: metadata})
}

// RecordClose 记录连接关闭并停止录制
func (r *Recorder) RecordClose(code CloseCode, reason string) {
	if !r.isActive.CompareAndSwap(true, false) {
		return
	}
	r.append(&TimelineEvent{
		Type:      EventClose,
		CloseCode: code,
		Metadata: map[string]any{
			"reason":   reason,
			"duration": time.Since(r.startTime).String(),
		},
	})
}

func (r *Recorder) append(ev *TimelineEvent) {
	ev.ID = fmt.Sprintf("event_%d", r.eventCounter.Add(1))
	ev.Timestamp = time.Now()

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	switch ev.Type {
	case EventBargeIn:
		r.bargeIns.Add(1)
	case EventTurnComplete:
		r.turnsComplete.Add(1)
	}
}

// RecordInbound 记录一帧候选人音频
func (r *Recorder) RecordInbound(bytes int, speech bool) {
	r.framesIn.Add(1)
	r.bytesIn.Add(int64(bytes))
	if speech {
		r.speechFrames.Add(1)
	}
}

// RecordOutbound 记录一帧发给候选人的音频
func (r *Recorder) RecordOutbound(bytes int) {
	r.framesOut.Add(1)
	r.bytesOut.Add(int64(bytes))
}

// Stats 音频统计快照
func (r *Recorder) Stats() AudioStats {
	in := r.framesIn.Load()
	speech := r.speechFrames.Load()
	stats := AudioStats{
		FramesIn:      in,
		SpeechFrames:  speech,
		BytesIn:       r.bytesIn.Load(),
		FramesOut:     r.framesOut.Load(),
		BytesOut:      r.bytesOut.Load(),
		BargeIns:      r.bargeIns.Load(),
		TurnsComplete: r.turnsComplete.Load(),
	}
	if in > 0 {
		stats.FilterRate = float64(in-speech) / float64(in) * 100
	}
	return stats
}

// Events 时间线副本
func (r *Recorder) Events() []*TimelineEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*TimelineEvent{}, r.events...)
}

// ExportJSON 导出时间线和统计
func (r *Recorder) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(struct {
		ID        string           `json:"id"`
		StartTime time.Time        `json:"start_time"`
		Events    []*TimelineEvent `json:"events"`
		Stats     AudioStats       `json:"stats"`
	}{
		ID:        r.sessionID,
		StartTime: r.startTime,
		Events:    r.Events(),
		Stats:     r.Stats(),
	}, "", "  ")
}
