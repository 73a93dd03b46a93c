package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"GoLiveInterview/internal/session"
)

// MemoryStore 内存实现，未配置数据库时使用
type MemoryStore struct {
	mu         sync.RWMutex
	interviews map[string]*Interview
	events     map[string][]*CheatingEvent
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		interviews: make(map[string]*Interview),
		events:     make(map[string][]*CheatingEvent),
	}
}

func copyInterview(iv *Interview) *Interview {
	out := *iv
	return &out
}

func (m *MemoryStore) CreateInterview(ctx context.Context, iv *Interview) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.interviews {
		if existing.ResumeID == iv.ResumeID && existing.Status == session.StatusInProgress {
			return ErrConflict
		}
	}

	now := time.Now()
	iv.Status = session.StatusInProgress
	iv.StartTime = &now
	iv.CreatedAt = now
	iv.UpdatedAt = now
	m.interviews[iv.ID] = copyInterview(iv)
	return nil
}

func (m *MemoryStore) GetInterview(ctx context.Context, id string) (*Interview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	iv, ok := m.interviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInterview(iv), nil
}

func (m *MemoryStore) EndInterview(ctx context.Context, id string, req EndRequest) (*Interview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv, ok := m.interviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	if iv.Status != session.StatusInProgress {
		return nil, ErrInvalidStatus
	}

	end := req.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	iv.Status = req.Status
	iv.EndTime = &end
	if req.TerminationReason != "" {
		iv.TerminationReason = req.TerminationReason
	}
	iv.QuestionsAsked = req.QuestionsAsked
	if req.Evaluation != nil {
		iv.Evaluation = req.Evaluation
	}
	iv.UpdatedAt = time.Now()
	return copyInterview(iv), nil
}

func (m *MemoryStore) UpdateStrikes(ctx context.Context, id string, strikes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv, ok := m.interviews[id]
	if !ok {
		return ErrNotFound
	}
	if strikes > iv.Strikes {
		iv.Strikes = strikes
		iv.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) RecordEvent(ctx context.Context, ev *CheatingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.interviews[ev.InterviewID]; !ok {
		return ErrNotFound
	}
	copied := *ev
	m.events[ev.InterviewID] = append(m.events[ev.InterviewID], &copied)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, interviewID string) ([]*CheatingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.interviews[interviewID]; !ok {
		return nil, ErrNotFound
	}
	events := make([]*CheatingEvent, 0, len(m.events[interviewID]))
	for _, ev := range m.events[interviewID] {
		copied := *ev
		events = append(events, &copied)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() {}
