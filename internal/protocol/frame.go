package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// 采集端：32位浮点 PCM，单声道 16kHz，每帧 4096 个采样
	CaptureSampleRate   = 16000
	CaptureFrameSamples = 4096
	Float32SampleSize   = 4

	// 播放端：16位有符号 PCM，单声道 24kHz，帧大小由后端决定
	PlaybackSampleRate = 24000
	PCM16SampleSize    = 2

	// 单个音频消息最大字节数（防止内存攻击）
	MaxAudioMessageSize = 256 * 1024
)

var (
	ErrFrameTooSmall = errors.New("audio frame too small")
	ErrFrameTooLarge = errors.New("audio frame too large")
	ErrInvalidFrame  = errors.New("invalid audio frame")
)

// AudioFrame 一帧线性 PCM 音频。
// Seq 只用于播放调度排序，不参与正确性判断。
type AudioFrame struct {
	Samples    []float32
	SampleRate int
	Seq        uint64
}

// Duration 返回该帧的播放时长
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration 计算给定采样数在指定采样率下的时长
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 || samples <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// EncodeFloat32 将采样编码为小端 float32 字节流（上行线格式）
func EncodeFloat32(samples []float32) []byte {
	buf := make([]byte, len(samples)*Float32SampleSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*Float32SampleSize:], math.Float32bits(s))
	}
	return buf
}

// DecodeFloat32 解码小端 float32 字节流
func DecodeFloat32(raw []byte) ([]float32, error) {
	if err := checkSize(raw, Float32SampleSize); err != nil {
		return nil, err
	}
	samples := make([]float32, len(raw)/Float32SampleSize)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*Float32SampleSize:]))
	}
	return samples, nil
}

// EncodePCM16 将 [-1,1] 浮点采样量化为小端 int16（超出范围的值被截断）
func EncodePCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*PCM16SampleSize)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * math.MaxInt16))
		binary.LittleEndian.PutUint16(buf[i*PCM16SampleSize:], uint16(v))
	}
	return buf
}

// DecodePCM16 将小端 int16 字节流转换为播放引擎使用的浮点采样
func DecodePCM16(raw []byte) ([]float32, error) {
	if err := checkSize(raw, PCM16SampleSize); err != nil {
		return nil, err
	}
	samples := make([]float32, len(raw)/PCM16SampleSize)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[i*PCM16SampleSize:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples, nil
}

func checkSize(raw []byte, sampleSize int) error {
	if len(raw) < sampleSize {
		return ErrFrameTooSmall
	}
	if len(raw) > MaxAudioMessageSize {
		return ErrFrameTooLarge
	}
	if len(raw)%sampleSize != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidFrame, len(raw), sampleSize)
	}
	return nil
}

// FrameAccumulator 把任意长度的采样块重新切分为固定大小的帧
type FrameAccumulator struct {
	buffer     []float32
	frameSize  int
	sampleRate int
	seq        uint64
}

// NewFrameAccumulator 创建帧累加器
func NewFrameAccumulator(frameSize, sampleRate int) *FrameAccumulator {
	if frameSize <= 0 {
		frameSize = CaptureFrameSamples
	}
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	return &FrameAccumulator{
		buffer:     make([]float32, 0, frameSize*2),
		frameSize:  frameSize,
		sampleRate: sampleRate,
	}
}

// Feed 输入采样
func (fa *FrameAccumulator) Feed(samples []float32) {
	fa.buffer = append(fa.buffer, samples...)
}

// Next 取出下一个完整帧，数据不足时返回 false
func (fa *FrameAccumulator) Next() (AudioFrame, bool) {
	if len(fa.buffer) < fa.frameSize {
		return AudioFrame{}, false
	}

	samples := make([]float32, fa.frameSize)
	copy(samples, fa.buffer[:fa.frameSize])

	// 移除已处理的数据
	remaining := copy(fa.buffer, fa.buffer[fa.frameSize:])
	fa.buffer = fa.buffer[:remaining]

	fa.seq++
	return AudioFrame{Samples: samples, SampleRate: fa.sampleRate, Seq: fa.seq}, true
}

// Reset 重置累加器状态
func (fa *FrameAccumulator) Reset() {
	fa.buffer = fa.buffer[:0]
}

// Buffered 返回当前缓冲的采样数
func (fa *FrameAccumulator) Buffered() int {
	return len(fa.buffer)
}
