// Package store 面试和违规事件的持久化。
package store

import (
	"context"
	"errors"
	"time"

	"GoLiveInterview/internal/session"
)

var (
	ErrNotFound      = errors.New("interview not found")
	ErrConflict      = errors.New("an interview is already in progress for this resume")
	ErrInvalidStatus = errors.New("interview is not in progress")
)

// Interview 持久化的面试记录
type Interview struct {
	ID                string                  `json:"interview_id"`
	ResumeID          string                  `json:"resume_id"`
	ExperienceLevel   session.ExperienceLevel `json:"experience_level"`
	Status            session.Status          `json:"status"`
	Strikes           int                     `json:"strikes"`
	MaxStrikes        int                     `json:"max_strikes"`
	StartTime         *time.Time              `json:"start_time,omitempty"`
	EndTime           *time.Time              `json:"end_time,omitempty"`
	TerminationReason string                  `json:"termination_reason,omitempty"`
	QuestionsAsked    int                     `json:"questions_asked"`
	Evaluation        map[string]any          `json:"evaluation,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// DurationSeconds 面试时长
func (iv *Interview) DurationSeconds() float64 {
	if iv.StartTime == nil {
		return 0
	}
	end := time.Now()
	if iv.EndTime != nil {
		end = *iv.EndTime
	}
	return end.Sub(*iv.StartTime).Seconds()
}

// CheatingEvent 持久化的违规事件
type CheatingEvent struct {
	ID               string         `json:"id"`
	InterviewID      string         `json:"interview_id"`
	EventType        string         `json:"event_type"`
	Confidence       float64        `json:"confidence"`
	Details          map[string]any `json:"details,omitempty"`
	ResultedInStrike bool           `json:"resulted_in_strike"`
	StrikeNumber     int            `json:"strike_number,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// EndRequest 结束面试时写入的字段
type EndRequest struct {
	Status            session.Status
	TerminationReason string
	QuestionsAsked    int
	Evaluation        map[string]any
	EndTime           time.Time
}

// Store 持久化接口
type Store interface {
	// CreateInterview 创建并立即开始面试；同一简历已有进行中的面试时返回 ErrConflict
	CreateInterview(ctx context.Context, iv *Interview) error
	GetInterview(ctx context.Context, id string) (*Interview, error)
	// EndInterview 只能结束进行中的面试，否则返回 ErrInvalidStatus
	EndInterview(ctx context.Context, id string, req EndRequest) (*Interview, error)
	// UpdateStrikes 只会增大 strike 数
	UpdateStrikes(ctx context.Context, id string, strikes int) error
	RecordEvent(ctx context.Context, ev *CheatingEvent) error
	ListEvents(ctx context.Context, interviewID string) ([]*CheatingEvent, error)
	Ping(ctx context.Context) error
	Close()
}
