package violation

import (
	"testing"
	"time"

	"GoLiveInterview/internal/logger"
)

// BenchmarkSubmitBelowThreshold 大部分信号都会因置信度不足被忽略
func BenchmarkSubmitBelowThreshold(b *testing.B) {
	agg := NewAggregator(DefaultConfig(), nil)
	ev := NewEventAt(KindLookingAway, 0.3, nil, base)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		agg.Submit(ev)
	}
}

// BenchmarkSubmitConcurrent 多个信号源并发提交
func BenchmarkSubmitConcurrent(b *testing.B) {
	defer logger.Silence()()

	cfg := DefaultConfig()
	cfg.MaxStrikes = 1 << 30
	cfg.Cooldown = time.Nanosecond
	agg := NewAggregator(cfg, nil)
	agg.Subscribe(func(Outcome, Record) {})

	kinds := []Kind{KindTabSwitch, KindCopyAttempt, KindRightClick, KindNoFace, KindMultipleFaces}

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			agg.Submit(NewEvent(kinds[i%len(kinds)], 0.9, nil))
			i++
		}
	})
}
