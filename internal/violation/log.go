package violation

import "sync"

// Record 审计日志中的一条记录，低于阈值或被抑制的事件也会保留
type Record struct {
	Event            Event        `json:"event"`
	ResultedInStrike bool         `json:"resulted_in_strike"`
	StrikeNumber     int          `json:"strike_number,omitempty"`
	Outcome          OutcomeKind  `json:"outcome"`
	Reason           IgnoreReason `json:"reason,omitempty"`
}

// Log 只追加的事件日志
type Log struct {
	mu      sync.RWMutex
	records []Record
}

// NewLog 创建空日志
func NewLog() *Log {
	return &Log{records: make([]Record, 0, 64)}
}

// Append 追加一条记录
func (l *Log) Append(rec Record) {
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
}

// Len 返回记录数
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Records 返回记录副本
func (l *Log) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Strikes 只返回产生了 strike 的记录
func (l *Log) Strikes() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, rec := range l.records {
		if rec.ResultedInStrike {
			out = append(out, rec)
		}
	}
	return out
}
