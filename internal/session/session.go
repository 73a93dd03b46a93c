package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"GoLiveInterview/internal/violation"
)

// State 会话状态
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateWarned
	// StateTerminating 是收到终止判定后、资源释放完成前的过渡状态
	StateTerminating
	StateTerminated
	StateCompleted
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateWarned:
		return "WARNED"
	case StateTerminating:
		return "TERMINATING"
	case StateTerminated:
		return "TERMINATED"
	case StateCompleted:
		return "COMPLETED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 以小写名称序列化
func (s State) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// IsFinal 终态不可再迁移
func (s State) IsFinal() bool {
	return s == StateTerminated || s == StateCompleted || s == StateDisconnected
}

// IsLive 会话仍在进行（可以收发音频和上报违规）
func (s State) IsLive() bool {
	return s == StateActive || s == StateWarned
}

// Status 持久化的面试状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
)

// StatusFor 把会话状态映射为持久化状态。面试在创建时即开始，所以 Connecting 也算 in_progress。
func StatusFor(s State) Status {
	switch s {
	case StateTerminated, StateTerminating:
		return StatusTerminated
	case StateCompleted, StateDisconnected:
		return StatusCompleted
	default:
		return StatusInProgress
	}
}

// ExperienceLevel 候选人经验等级
type ExperienceLevel string

const (
	LevelFresher ExperienceLevel = "fresher"
	LevelJunior  ExperienceLevel = "junior"
	LevelMid     ExperienceLevel = "mid"
	LevelSenior  ExperienceLevel = "senior"
	LevelLead    ExperienceLevel = "lead"
)

// ErrInvalidExperienceLevel 未知的经验等级
var ErrInvalidExperienceLevel = errors.New("invalid experience level")

// ParseExperienceLevel 解析经验等级，空字符串按 fresher 处理
func ParseExperienceLevel(s string) (ExperienceLevel, error) {
	switch l := ExperienceLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return LevelFresher, nil
	case LevelFresher, LevelJunior, LevelMid, LevelSenior, LevelLead:
		return l, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidExperienceLevel, s)
	}
}

// Speaker 发言方
type Speaker string

const (
	SpeakerAgent     Speaker = "agent"
	SpeakerCandidate Speaker = "candidate"
	SpeakerSystem    Speaker = "system"
)

// TranscriptEntry 一条转写记录
type TranscriptEntry struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Session 一次面试会话。状态迁移由 turn.Controller 驱动，这里只保存数据。
type Session struct {
	ID              string
	ResumeID        string
	ExperienceLevel ExperienceLevel
	MaxStrikes      int

	mu                sync.RWMutex
	state             State
	strikes           int
	transcript        []TranscriptEntry
	startTime         time.Time
	endTime           time.Time
	terminationReason string

	events   *violation.Log
	Recorder *Recorder
}

// New 创建处于 Connecting 状态的会话
func New(id, resumeID string, level ExperienceLevel, maxStrikes int) *Session {
	if maxStrikes <= 0 {
		maxStrikes = violation.DefaultConfig().MaxStrikes
	}
	return &Session{
		ID:              id,
		ResumeID:        resumeID,
		ExperienceLevel: level,
		MaxStrikes:      maxStrikes,
		state:           StateConnecting,
		transcript:      make([]TranscriptEntry, 0, 32),
		events:          violation.NewLog(),
		Recorder:        NewRecorder(id),
	}
}

// State 当前状态
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState 写入状态，进入 Active 时记录开始时间，进入终态时记录结束时间
func (s *Session) SetState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
	now := time.Now()
	if next == StateActive && s.startTime.IsZero() {
		s.startTime = now
	}
	if next.IsFinal() && s.endTime.IsZero() {
		s.endTime = now
	}
}

// RecordStrike 更新 strike 数，只接受不小于当前值的数
func (s *Session) RecordStrike(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < s.strikes {
		return false
	}
	if n > s.MaxStrikes {
		n = s.MaxStrikes
	}
	s.strikes = n
	return true
}

// Strikes 当前 strike 数
func (s *Session) Strikes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strikes
}

// Events 违规事件日志
func (s *Session) Events() *violation.Log {
	return s.events
}

// AppendTranscript 追加一条转写
func (s *Session) AppendTranscript(speaker Speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, TranscriptEntry{Speaker: speaker, Text: text, At: time.Now()})
	s.mu.Unlock()
}

// Transcript 返回转写副本
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// QuestionsAsked 面试官提出的问题数（以问号结尾的面试官发言）
func (s *Session) QuestionsAsked() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.transcript {
		if e.Speaker == SpeakerAgent && strings.HasSuffix(e.Text, "?") {
			n++
		}
	}
	return n
}

// SetTerminationReason 记录终止原因，只记录第一次
func (s *Session) SetTerminationReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminationReason == "" {
		s.terminationReason = reason
	}
}

// TerminationReason 终止原因
func (s *Session) TerminationReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminationReason
}

// Duration 会话时长，未开始时为 0
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	if s.endTime.IsZero() {
		return time.Since(s.startTime)
	}
	return s.endTime.Sub(s.startTime)
}

// Snapshot 会话的只读快照
type Snapshot struct {
	ID                string          `json:"interview_id"`
	ResumeID          string          `json:"resume_id"`
	ExperienceLevel   ExperienceLevel `json:"experience_level"`
	State             State           `json:"state"`
	Status            Status          `json:"status"`
	Strikes           int             `json:"strikes"`
	MaxStrikes        int             `json:"max_strikes"`
	StartTime         time.Time       `json:"start_time,omitempty"`
	EndTime           time.Time       `json:"end_time,omitempty"`
	DurationSeconds   float64         `json:"duration_seconds"`
	QuestionsAsked    int             `json:"questions_asked"`
	TerminationReason string          `json:"termination_reason,omitempty"`
	EventCount        int             `json:"event_count"`
}

// Snapshot 生成快照
func (s *Session) Snapshot() Snapshot {
	questions := s.QuestionsAsked()
	duration := s.Duration()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:                s.ID,
		ResumeID:          s.ResumeID,
		ExperienceLevel:   s.ExperienceLevel,
		State:             s.state,
		Status:            StatusFor(s.state),
		Strikes:           s.strikes,
		MaxStrikes:        s.MaxStrikes,
		StartTime:         s.startTime,
		EndTime:           s.endTime,
		DurationSeconds:   duration.Seconds(),
		QuestionsAsked:    questions,
		TerminationReason: s.terminationReason,
		EventCount:        s.events.Len(),
	}
}
