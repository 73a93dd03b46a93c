// Package signals 把浏览器/设备侧的原始信号转换为违规事件。
package signals

import (
	"context"
	"errors"
	"log"
	"sync"

	"GoLiveInterview/internal/violation"
)

// ErrUnavailable 信号源在当前环境不可用（如没有摄像头或检测模型）
var ErrUnavailable = errors.New("signal source unavailable")

// EmitFunc 信号源产出事件时调用，实现必须是并发安全的
type EmitFunc func(violation.Event)

// Source 违规信号源
type Source interface {
	Name() string
	// Start 阻塞运行直到 ctx 取消；不需要后台循环的信号源可以立即返回
	Start(ctx context.Context, emit EmitFunc) error
}

// Set 一组信号源，统一启动和停止
type Set struct {
	mu      sync.Mutex
	sources []Source
	skipped []string
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewSet 创建空集合
func NewSet() *Set {
	return &Set{}
}

// Add 注册一个信号源。构造失败的信号源被跳过并记录日志，不影响会话。
func (s *Set) Add(src Source, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		name := "unknown"
		if src != nil {
			name = src.Name()
		}
		log.Printf("[signals] source %s skipped: %v", name, err)
		s.skipped = append(s.skipped, name)
		return
	}
	s.sources = append(s.sources, src)
}

// Sources 已注册的信号源名称
func (s *Set) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sources))
	for _, src := range s.sources {
		names = append(names, src.Name())
	}
	return names
}

// Skipped 被跳过的信号源名称
func (s *Set) Skipped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.skipped...)
}

// Start 在后台启动所有信号源
func (s *Set) Start(ctx context.Context, emit EmitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, src := range s.sources {
		s.wg.Add(1)
		go func(src Source) {
			defer s.wg.Done()
			if err := src.Start(ctx, emit); err != nil && !errors.Is(err, context.Canceled) {
				if errors.Is(err, ErrUnavailable) {
					log.Printf("[signals] source %s unavailable: %v", src.Name(), err)
					return
				}
				log.Printf("[signals] source %s stopped: %v", src.Name(), err)
			}
		}(src)
	}
}

// Stop 停止所有信号源并等待退出，可重复调用
func (s *Set) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
