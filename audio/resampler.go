// Package audio provides PCM16 sample-rate conversion and codec helpers
// for the duplex audio pipeline.
package audio

import "math"

// Resampler converts PCM16 audio between two fixed sample rates using
// linear interpolation. It carries the fractional cursor position and the
// last input sample across calls so consecutive chunks of one continuous
// stream join without an audible click at the boundary.
//
// An instance is owned by exactly one stream direction and is not safe for
// concurrent use.
type Resampler struct {
	ratio float64 // outRate / inRate
	carry float64 // unconsumed fraction of the previous chunk, in input samples
	last  int16   // final sample of the previous chunk
}

// NewResampler creates a resampler with a fixed rate ratio outRate/inRate.
func NewResampler(inRate, outRate int) *Resampler {
	return &Resampler{ratio: float64(outRate) / float64(inRate)}
}

// Ratio returns outRate/inRate.
func (r *Resampler) Ratio() float64 { return r.ratio }

// Process converts one chunk. Output length is
// floor((len(in) + carriedFraction) * ratio). When the fractional source
// index precedes the chunk, interpolation starts from the carried last
// sample of the previous call, never from zero. Empty input yields nil.
func (r *Resampler) Process(in []int16) []int16 {
	n := len(in)
	if n == 0 {
		return nil
	}

	step := 1.0 / r.ratio
	outLen := int(math.Floor((float64(n) + r.carry) * r.ratio))
	out := make([]int16, 0, outLen)

	// Source cursor relative to in[0]; negative while still inside the
	// carried fraction of the previous chunk.
	src := -r.carry

	for k := 0; k < outLen; k++ {
		t := src + float64(k)*step
		i := int(math.Floor(t))
		f := t - float64(i)

		var s0, s1 int16
		switch {
		case i < 0:
			s0, s1 = r.last, in[0]
		case i+1 < n:
			s0, s1 = in[i], in[i+1]
		default:
			s0, s1 = in[n-1], in[n-1]
		}

		v := float64(s0) + (float64(s1)-float64(s0))*f
		out = append(out, clampPCM16(v))
	}

	consumed := src + float64(outLen)*step
	r.carry = float64(n) - consumed
	r.last = in[n-1]

	return out
}

// Reset clears the fractional position and last-sample memory. Callers must
// invoke this exactly when the stream is discontinuous, e.g. when playback
// is cleared on a user interruption; feeding post-reset audio through stale
// state produces audible artifacts.
func (r *Resampler) Reset() {
	r.carry = 0
	r.last = 0
}

func clampPCM16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
