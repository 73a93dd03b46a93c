package protocol

import (
	"errors"
	"testing"
)

// FuzzDecode 控制消息解码不应 panic，成功解码的消息应能重新编码
func FuzzDecode(f *testing.F) {
	seeds := []Message{
		Connected("iv-1"),
		Warning(1, 2, "STRIKE 1/2"),
		CheatingDetected("tab_switch", 1.0, map[string]any{"source": "visibility"}),
		SignalState(SignalVisibility, false),
		SignalFaceCount(2),
	}
	for _, msg := range seeds {
		data, _ := Encode(msg)
		f.Add(data)
	}
	f.Add([]byte{})
	f.Add([]byte(`{"type":""}`))
	f.Add([]byte(`{"type":"bogus"}`))
	f.Add([]byte{0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := Decode(data)
		if err != nil {
			if !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrUnknownType) {
				t.Errorf("unexpected error class: %v", err)
			}
			return
		}
		if _, err := Encode(msg); err != nil {
			t.Errorf("Re-encoding failed after successful decode: %v", err)
		}
	})
}

// FuzzDecodeFloat32 任意字节输入只能得到错误或完整的采样
func FuzzDecodeFloat32(f *testing.F) {
	f.Add(EncodeFloat32([]float32{0, 0.5, -0.5, 1}))
	f.Add([]byte{})
	f.Add([]byte{0x00, 0x01, 0x02})

	f.Fuzz(func(t *testing.T, data []byte) {
		samples, err := DecodeFloat32(data)
		if err != nil {
			return
		}
		if len(samples)*Float32SampleSize != len(data) {
			t.Errorf("decoded %d samples from %d bytes", len(samples), len(data))
		}
	})
}

// FuzzDecodePCM16 解码结果必须落在 [-1, 1)
func FuzzDecodePCM16(f *testing.F) {
	f.Add(EncodePCM16([]float32{0, 0.25, -1, 0.999}))
	f.Add([]byte{0x00})
	f.Add([]byte{0xFF, 0x7F, 0x00, 0x80})

	f.Fuzz(func(t *testing.T, data []byte) {
		samples, err := DecodePCM16(data)
		if err != nil {
			return
		}
		for i, s := range samples {
			if s < -1 || s >= 1 {
				t.Fatalf("sample %d out of range: %f", i, s)
			}
		}
	})
}

// FuzzFrameAccumulator 任意切分方式都不会丢失或重复采样
func FuzzFrameAccumulator(f *testing.F) {
	f.Add(uint16(100), uint16(7))
	f.Add(uint16(4096), uint16(4096))
	f.Add(uint16(1), uint16(1))

	f.Fuzz(func(t *testing.T, total, chunk uint16) {
		if chunk == 0 {
			return
		}
		const frameSize = 64
		acc := NewFrameAccumulator(frameSize, CaptureSampleRate)

		fed, emitted := 0, 0
		for fed < int(total) {
			n := min(int(chunk), int(total)-fed)
			acc.Feed(make([]float32, n))
			fed += n
			for {
				frame, ok := acc.Next()
				if !ok {
					break
				}
				if len(frame.Samples) != frameSize {
					t.Fatalf("frame has %d samples", len(frame.Samples))
				}
				emitted += len(frame.Samples)
			}
		}
		if emitted+acc.Buffered() != int(total) {
			t.Errorf("emitted %d + buffered %d != fed %d", emitted, acc.Buffered(), total)
		}
	})
}
