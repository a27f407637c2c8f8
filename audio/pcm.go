package audio

import (
	"encoding/binary"
	"math"
)

// BytesToPCM16 decodes little-endian PCM16 bytes into samples. A trailing
// odd byte is dropped.
func BytesToPCM16(b []byte) []int16 {
	n := len(b) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// PCM16ToBytes encodes samples as little-endian PCM16 bytes.
func PCM16ToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// Float32ToPCM16 converts normalized [-1, 1] samples to PCM16, clamping
// out-of-range values.
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = clampPCM16(float64(s) * math.MaxInt16)
	}
	return out
}

// Level returns a 0-100 amplitude estimate for PCM16 samples, derived from
// RMS energy. Returns 0 for empty input.
func Level(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	// RMS of full-scale speech rarely exceeds ~0.35; scale so normal speech
	// spans most of the meter.
	level := int(rms * 300)
	if level > 100 {
		level = 100
	}
	return level
}

// WrapWAV wraps raw mono PCM16 data in a minimal RIFF/WAVE container so a
// generic decoder can play it.
func WrapWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels       = 1
		bitsPerSample  = 16
		bytesPerSample = bitsPerSample / 8
	)
	byteRate := sampleRate * channels * bytesPerSample
	blockAlign := channels * bytesPerSample

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
