package audio

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoLiveInterview/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingOutput struct {
	slots   [][2]time.Time
	rate    int
	flushes int
}

func (o *recordingOutput) Play(samples []float32, startAt time.Time) error {
	o.slots = append(o.slots, [2]time.Time{startAt, startAt.Add(protocol.SamplesDuration(len(samples), o.rate))})
	return nil
}

func (o *recordingOutput) Flush() { o.flushes++ }

func TestSchedulerBackToBack(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	out := &recordingOutput{rate: protocol.PlaybackSampleRate}
	s := NewScheduler(out, protocol.PlaybackSampleRate, clock.Now)

	first, err := s.Schedule(make([]float32, 2400))
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), first.Start)
	assert.Equal(t, 100*time.Millisecond, first.End.Sub(first.Start))

	clock.Advance(10 * time.Millisecond)
	second, err := s.Schedule(make([]float32, 2400))
	require.NoError(t, err)
	assert.Equal(t, first.End, second.Start, "gap-free")
	assert.Equal(t, uint64(2), second.Seq)
}

func TestSchedulerResetsAfterStall(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewScheduler(&recordingOutput{rate: protocol.PlaybackSampleRate}, protocol.PlaybackSampleRate, clock.Now)

	first, err := s.Schedule(make([]float32, 2400))
	require.NoError(t, err)

	clock.Advance(time.Second)
	second, err := s.Schedule(make([]float32, 2400))
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), second.Start)
	assert.True(t, second.Start.After(first.End))
	assert.Equal(t, 1, s.Resets())
}

func TestSchedulerNeverOverlapsAndCursorMonotonic(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	out := &recordingOutput{rate: protocol.PlaybackSampleRate}
	s := NewScheduler(out, protocol.PlaybackSampleRate, clock.Now)
	rng := rand.New(rand.NewSource(3))

	prevCursor := s.Cursor()
	for i := 0; i < 500; i++ {
		clock.Advance(time.Duration(rng.Intn(200)) * time.Millisecond)
		if rng.Intn(20) == 0 {
			s.Flush()
		}
		_, err := s.SchedulePCM16(make([]byte, 2*(1+rng.Intn(4800))))
		require.NoError(t, err)

		cursor := s.Cursor()
		require.False(t, cursor.Before(prevCursor), "cursor moved backwards")
		prevCursor = cursor
	}

	for i := 1; i < len(out.slots); i++ {
		require.False(t, out.slots[i][0].Before(out.slots[i-1][1]), "slot %d overlaps previous", i)
	}
}

func TestSchedulerStop(t *testing.T) {
	out := &recordingOutput{rate: protocol.PlaybackSampleRate}
	s := NewScheduler(out, 0, nil)
	s.Stop()
	s.Stop()

	_, err := s.Schedule(make([]float32, 10))
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 1, out.flushes)

	_, err = s.SchedulePCM16([]byte{1})
	assert.ErrorIs(t, err, protocol.ErrFrameTooSmall)
}

// scriptedDevice 在 release 之前不返回数据，用来制造发送端拥塞
type scriptedDevice struct {
	mu     sync.Mutex
	chunks [][]float32
	closed bool
	err    error
}

func (d *scriptedDevice) Open(ctx context.Context) error {
	return nil
}

func (d *scriptedDevice) ReadFrame(ctx context.Context) ([]float32, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDeviceClosed
	}
	if len(d.chunks) > 0 {
		chunk := d.chunks[0]
		d.chunks = d.chunks[1:]
		d.mu.Unlock()
		return chunk, nil
	}
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *scriptedDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	seqs    []uint64
}

func (s *blockingSink) SendAudio(ctx context.Context, frame protocol.AudioFrame) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.seqs = append(s.seqs, frame.Seq)
	s.mu.Unlock()
	return nil
}

func (s *blockingSink) received() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs...)
}

func TestCapturerDropsOldestWhenQueueFull(t *testing.T) {
	chunks := make([][]float32, 10)
	for i := range chunks {
		chunks[i] = make([]float32, 8)
	}
	device := &scriptedDevice{chunks: chunks}
	sink := &blockingSink{release: make(chan struct{})}
	c := NewCapturer(device, sink, CaptureConfig{FrameSamples: 8, QueueSize: 3})

	c.Start(context.Background())
	require.Eventually(t, func() bool { return c.Stats().Captured == 10 }, time.Second, time.Millisecond)

	close(sink.release)
	require.Eventually(t, func() bool { return c.Stats().Sent+c.Stats().Dropped == 10 }, time.Second, time.Millisecond)
	c.Stop()

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.Dropped, int64(6))
	got := sink.received()
	require.NotEmpty(t, got)
	assert.Equal(t, uint64(10), got[len(got)-1], "newest frame is always kept")
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
}

func TestCapturerReframesChunks(t *testing.T) {
	device := &scriptedDevice{chunks: [][]float32{make([]float32, 5), make([]float32, 7), make([]float32, 4)}}
	sink := &blockingSink{release: make(chan struct{})}
	close(sink.release)
	c := NewCapturer(device, sink, CaptureConfig{FrameSamples: 8, QueueSize: 4})

	c.Start(context.Background())
	require.Eventually(t, func() bool { return c.Stats().Sent == 2 }, time.Second, time.Millisecond)
	c.Stop()
	assert.Equal(t, []uint64{1, 2}, sink.received())
}

func TestCapturerReportsDeviceError(t *testing.T) {
	device := &scriptedDevice{err: errors.New("usb unplugged")}
	sink := &blockingSink{release: make(chan struct{})}
	c := NewCapturer(device, sink, DefaultCaptureConfig())
	c.Start(context.Background())

	select {
	case err := <-c.Errors():
		assert.EqualError(t, err, "usb unplugged")
	case <-time.After(time.Second):
		t.Fatal("expected capture error")
	}
	c.Stop()
}

func TestTransportCloseOnce(t *testing.T) {
	device := &scriptedDevice{}
	out := &recordingOutput{rate: protocol.PlaybackSampleRate}
	tr := NewTransport(
		NewCapturer(device, &blockingSink{release: make(chan struct{})}, DefaultCaptureConfig()),
		NewScheduler(out, protocol.PlaybackSampleRate, nil),
	)
	tr.Start(context.Background())
	tr.Close()
	tr.Close()

	assert.True(t, device.closed)
	assert.Equal(t, 1, out.flushes)
	_, err := tr.Playback.Schedule(make([]float32, 4))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestToneDeviceUnpaced(t *testing.T) {
	d := NewToneDevice(440, 0.5)
	d.Interval = 0
	samples, err := d.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Len(t, samples, protocol.CaptureFrameSamples)
	require.NoError(t, d.Close())
	_, err = d.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrDeviceClosed)
}
