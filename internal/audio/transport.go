package audio

import (
	"context"
	"sync"
)

// Transport 在会话生命周期内持有采集和播放，并保证只释放一次
type Transport struct {
	Capture  *Capturer
	Playback *Scheduler

	closeOnce sync.Once
}

// NewTransport 组装采集和播放
func NewTransport(capture *Capturer, playback *Scheduler) *Transport {
	return &Transport{Capture: capture, Playback: playback}
}

// Start 开始采集
func (t *Transport) Start(ctx context.Context) {
	if t.Capture != nil {
		t.Capture.Start(ctx)
	}
}

// Close 先停采集再停播放
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		if t.Capture != nil {
			t.Capture.Stop()
		}
		if t.Playback != nil {
			t.Playback.Stop()
		}
	})
}
