package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// FormatConverter converts AudioFrames to mono int16 samples at a target
// rate. It logs a warning on the first format mismatch and on the first
// corrupt frame. Create one per stream; not designed for shared use across
// goroutines.
type FormatConverter struct {
	SampleRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert decodes frame and returns mono samples at c.SampleRate. Frames with
// an odd byte count or unknown channel layout are dropped (nil result).
// Conversion order: downmix first, then resample, so stereo is never
// resampled.
func (c *FormatConverter) Convert(frame AudioFrame) []int16 {
	if len(frame.Data)%2 != 0 || frame.Channels <= 0 || (len(frame.Data)/2)%frame.Channels != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return nil
	}

	samples := BytesToInt16(frame.Data)
	if frame.SampleRate == c.SampleRate && frame.Channels == 1 {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", Format{SampleRate: frame.SampleRate, Channels: frame.Channels}.String(),
			"to", Format{SampleRate: c.SampleRate, Channels: 1}.String(),
		)
	})

	mono := DownmixToMono(samples, frame.Channels)
	return ResampleMono16(mono, frame.SampleRate, c.SampleRate)
}

// DownmixToMono averages interleaved channels into a single channel. Mono
// input is returned unchanged. Uses int32 arithmetic so summing never
// overflows.
func DownmixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(samples[i*channels+ch])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return out
}

// ResampleMono16 resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, or either is non-positive, the input is
// returned unchanged.
func ResampleMono16(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// BytesToInt16 decodes little-endian int16 PCM. A trailing odd byte is
// ignored.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Int16ToBytes encodes samples as little-endian int16 PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
