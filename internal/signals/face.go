package signals

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"GoLiveInterview/internal/violation"
)

const (
	NoFaceConfidence        = 0.8
	MultipleFacesConfidence = 0.95
)

// FaceDetector 返回当前画面中的人脸数量。
// 运行环境没有检测能力时返回 ErrUnavailable。
type FaceDetector interface {
	CountFaces(ctx context.Context) (int, error)
}

// FaceConfig 人脸检测参数
type FaceConfig struct {
	PollInterval time.Duration
	// GraceWindow 无人脸持续超过该时长才算违规
	GraceWindow time.Duration
}

// DefaultFaceConfig 默认每 2 秒采样，宽限 3 秒
func DefaultFaceConfig() FaceConfig {
	return FaceConfig{PollInterval: 2 * time.Second, GraceWindow: 3 * time.Second}
}

// FacePresence 周期性采样人脸数量并产生 no_face / multiple_faces 事件
type FacePresence struct {
	detector FaceDetector
	cfg      FaceConfig

	mu            sync.Mutex
	absentSince   time.Time
	absentEmitted bool
	crowdEmitted  bool

	samples atomic.Int64
}

// NewFacePresence 创建人脸检测信号源，detector 为 nil 时返回 ErrUnavailable
func NewFacePresence(detector FaceDetector, cfg FaceConfig) (*FacePresence, error) {
	def := DefaultFaceConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.GraceWindow < 0 {
		cfg.GraceWindow = def.GraceWindow
	}
	fp := &FacePresence{detector: detector, cfg: cfg}
	if detector == nil {
		return fp, ErrUnavailable
	}
	return fp, nil
}

func (fp *FacePresence) Name() string { return "face_presence" }

// Start 按 PollInterval 轮询检测器，直到 ctx 取消或检测器不可用
func (fp *FacePresence) Start(ctx context.Context, emit EmitFunc) error {
	ticker := time.NewTicker(fp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			faces, err := fp.detector.CountFaces(ctx)
			if err != nil {
				if errors.Is(err, ErrUnavailable) {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				log.Printf("[signals] face detection failed: %v", err)
				continue
			}
			if ev, ok := fp.Sample(time.Now(), faces); ok {
				emit(ev)
			}
		}
	}
}

// Sample 输入一次采样结果，返回需要上报的事件。
// 每个无人脸时段最多产生一个 no_face，每个多人脸时段最多产生一个 multiple_faces。
func (fp *FacePresence) Sample(now time.Time, faces int) (violation.Event, bool) {
	fp.samples.Add(1)

	fp.mu.Lock()
	defer fp.mu.Unlock()

	switch {
	case faces <= 0:
		fp.crowdEmitted = false
		if fp.absentSince.IsZero() {
			fp.absentSince = now
			return violation.Event{}, false
		}
		absent := now.Sub(fp.absentSince)
		if fp.absentEmitted || absent <= fp.cfg.GraceWindow {
			return violation.Event{}, false
		}
		fp.absentEmitted = true
		return violation.NewEventAt(violation.KindNoFace, NoFaceConfidence, map[string]any{
			"absent_ms": absent.Milliseconds(),
		}, now), true

	case faces > 1:
		fp.absentSince = time.Time{}
		fp.absentEmitted = false
		if fp.crowdEmitted {
			return violation.Event{}, false
		}
		fp.crowdEmitted = true
		return violation.NewEventAt(violation.KindMultipleFaces, MultipleFacesConfidence, map[string]any{
			"faces": faces,
		}, now), true

	default:
		fp.absentSince = time.Time{}
		fp.absentEmitted = false
		fp.crowdEmitted = false
		return violation.Event{}, false
	}
}

// Samples 已处理的采样次数
func (fp *FacePresence) Samples() int64 {
	return fp.samples.Load()
}

// ReportedFaceDetector 由外部（浏览器 signal 消息）上报人脸数量
type ReportedFaceDetector struct {
	mu       sync.RWMutex
	faces    int
	reported bool
}

// NewReportedFaceDetector 创建上报式检测器
func NewReportedFaceDetector() *ReportedFaceDetector {
	return &ReportedFaceDetector{}
}

// Report 更新最近一次人脸数量
func (d *ReportedFaceDetector) Report(faces int) {
	d.mu.Lock()
	d.faces = faces
	d.reported = true
	d.mu.Unlock()
}

// CountFaces 返回最近一次上报的人脸数量
func (d *ReportedFaceDetector) CountFaces(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.reported {
		// 尚未上报时按一张脸处理
		return 1, nil
	}
	return d.faces, nil
}
