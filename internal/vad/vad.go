// Package vad 语音活动检测。会话只依赖 Classifier 接口，具体的降噪和检测实现可以替换。
package vad

import "math"

// Classifier 判断一帧音频是否包含语音
type Classifier interface {
	IsSpeech(samples []float32) bool
}

// Config 能量检测参数
type Config struct {
	// EnergyThreshold RMS 能量下限
	EnergyThreshold float64
	// ZCRThreshold 过零率上限，高于该值的帧按噪声处理
	ZCRThreshold float64
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{EnergyThreshold: 0.025, ZCRThreshold: 0.15}
}

// EnergyClassifier 基于 RMS 能量和过零率的检测器
type EnergyClassifier struct {
	cfg Config
}

// NewEnergyClassifier 创建能量检测器
func NewEnergyClassifier(cfg Config) *EnergyClassifier {
	def := DefaultConfig()
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = def.EnergyThreshold
	}
	if cfg.ZCRThreshold <= 0 {
		cfg.ZCRThreshold = def.ZCRThreshold
	}
	return &EnergyClassifier{cfg: cfg}
}

// IsSpeech 实现 Classifier
func (c *EnergyClassifier) IsSpeech(samples []float32) bool {
	if len(samples) == 0 {
		return false
	}
	return RMS(samples) >= c.cfg.EnergyThreshold && ZeroCrossingRate(samples) <= c.cfg.ZCRThreshold
}

// RMS 均方根能量
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ZeroCrossingRate 相邻采样符号变化的比例
func ZeroCrossingRate(samples []float32) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// Func 把普通函数适配为 Classifier
type Func func(samples []float32) bool

// IsSpeech 实现 Classifier
func (f Func) IsSpeech(samples []float32) bool {
	return f(samples)
}
