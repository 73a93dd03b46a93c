package audio

import (
	"errors"
	"sync"
	"time"

	"GoLiveInterview/internal/protocol"
)

// ErrStopped 调度器已停止
var ErrStopped = errors.New("playback scheduler stopped")

// Output 播放引擎，在 startAt 时刻开始播放 samples
type Output interface {
	Play(samples []float32, startAt time.Time) error
	// Flush 丢弃尚未开始播放的音频
	Flush()
}

// Slot 一帧音频的播放时间段 [Start, End)
type Slot struct {
	Seq   uint64
	Start time.Time
	End   time.Time
}

// Scheduler 把到达的音频帧首尾相接地排到时间轴上。
// 游标只增不减；游标落后于当前时间时从当前时间重新开始，不补播积压的音频。
type Scheduler struct {
	out        Output
	sampleRate int
	now        func() time.Time

	mu      sync.Mutex
	cursor  time.Time
	seq     uint64
	resets  int
	stopped bool
}

// NewScheduler 创建播放调度器，now 为 nil 时使用 time.Now
func NewScheduler(out Output, sampleRate int, now func() time.Time) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = protocol.PlaybackSampleRate
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{out: out, sampleRate: sampleRate, now: now}
}

// SchedulePCM16 解码 16 位 PCM 后调度
func (s *Scheduler) SchedulePCM16(raw []byte) (Slot, error) {
	samples, err := protocol.DecodePCM16(raw)
	if err != nil {
		return Slot{}, err
	}
	return s.Schedule(samples)
}

// Schedule 调度一帧 float32 采样
func (s *Scheduler) Schedule(samples []float32) (Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Slot{}, ErrStopped
	}

	now := s.now()
	start := s.cursor
	if start.Before(now) {
		if !s.cursor.IsZero() {
			s.resets++
		}
		start = now
	}
	end := start.Add(protocol.SamplesDuration(len(samples), s.sampleRate))

	if err := s.out.Play(samples, start); err != nil {
		return Slot{}, err
	}
	s.cursor = end
	s.seq++
	return Slot{Seq: s.seq, Start: start, End: end}, nil
}

// Flush 取消尚未播放的音频（插话或终止时）。游标保持不变。
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.out.Flush()
}

// Stop 停止调度，之后的 Schedule 返回 ErrStopped
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.out.Flush()
}

// Cursor 当前调度游标
func (s *Scheduler) Cursor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Resets 游标因落后而重置的次数
func (s *Scheduler) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Scheduled 已调度的帧数
func (s *Scheduler) Scheduled() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// DiscardOutput 只统计不发声的播放引擎
type DiscardOutput struct {
	mu      sync.Mutex
	played  int
	flushes int
}

// Play 实现 Output
func (d *DiscardOutput) Play(samples []float32, startAt time.Time) error {
	d.mu.Lock()
	d.played += len(samples)
	d.mu.Unlock()
	return nil
}

// Flush 实现 Output
func (d *DiscardOutput) Flush() {
	d.mu.Lock()
	d.flushes++
	d.mu.Unlock()
}

// Played 已接收的采样数
func (d *DiscardOutput) Played() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.played
}
