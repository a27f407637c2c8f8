package audio

import (
	"math"
	"testing"
)

func sineWave(n int, freq float64, rate int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(0.5 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestResampler_Identity(t *testing.T) {
	r := NewResampler(24000, 24000)

	for _, n := range []int{0, 1, 2, 7, 4096} {
		in := sineWave(n, 440, 24000)
		out := r.Process(in)
		if len(out) != len(in) {
			t.Fatalf("n=%d: len(out) = %d, want %d", n, len(out), len(in))
		}
		for i := range in {
			if out[i] != in[i] {
				t.Fatalf("n=%d: out[%d] = %d, want %d", n, i, out[i], in[i])
			}
		}
	}
}

func TestResampler_EmptyInput(t *testing.T) {
	r := NewResampler(48000, 24000)
	if out := r.Process(nil); len(out) != 0 {
		t.Errorf("Process(nil) returned %d samples, want 0", len(out))
	}
	if out := r.Process([]int16{}); len(out) != 0 {
		t.Errorf("Process(empty) returned %d samples, want 0", len(out))
	}
}

func TestResampler_LengthLaw(t *testing.T) {
	tests := []struct {
		name    string
		inRate  int
		outRate int
		chunks  []int
	}{
		{"downsample mic 48k to 24k", 48000, 24000, []int{4096, 4096, 4096}},
		{"downsample 24k to avatar 16k", 24000, 16000, []int{2400, 2400, 1333}},
		{"upsample 16k to 24k", 16000, 24000, []int{1600, 777, 1024}},
		{"odd ratio", 44100, 24000, []int{4096, 4096, 999}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResampler(tt.inRate, tt.outRate)
			ratio := float64(tt.outRate) / float64(tt.inRate)

			totalIn, totalOut := 0, 0
			for _, n := range tt.chunks {
				out := r.Process(sineWave(n, 300, tt.inRate))
				totalIn += n
				totalOut += len(out)

				want := int(math.Floor(float64(totalIn) * ratio))
				if diff := totalOut - want; diff < -1 || diff > 1 {
					t.Fatalf("after %d input samples: total output %d, want %d (±1)", totalIn, totalOut, want)
				}
			}
		})
	}
}

func TestResampler_ExactScenarioLengths(t *testing.T) {
	// 4096 mic samples at 48 kHz must become exactly 2048 at the 24 kHz wire rate.
	r := NewResampler(48000, 24000)
	if got := len(r.Process(make([]int16, 4096))); got != 2048 {
		t.Errorf("48k->24k of 4096 samples = %d, want 2048", got)
	}

	// A 24 kHz speech chunk feeding a 16 kHz avatar sink.
	r = NewResampler(24000, 16000)
	if got := len(r.Process(make([]int16, 2400))); got != 1600 {
		t.Errorf("24k->16k of 2400 samples = %d, want 1600", got)
	}
}

func TestResampler_ContinuityAcrossChunks(t *testing.T) {
	const (
		inRate  = 48000
		outRate = 24000
		n       = 2048
	)
	signal := sineWave(2*n, 440, inRate)

	whole := NewResampler(inRate, outRate).Process(signal)

	r := NewResampler(inRate, outRate)
	split := append(r.Process(signal[:n]), r.Process(signal[n:])...)

	if len(whole) != len(split) {
		t.Fatalf("len(split) = %d, want %d", len(split), len(whole))
	}

	// The first derivative at the chunk seam must be no rougher than the
	// single-pass conversion of the same signal.
	maxStep := func(s []int16) int {
		max := 0
		for i := 1; i < len(s); i++ {
			d := int(s[i]) - int(s[i-1])
			if d < 0 {
				d = -d
			}
			if d > max {
				max = d
			}
		}
		return max
	}

	seamStart := len(whole)/2 - 2
	seam := split[seamStart : seamStart+4]
	if got, limit := maxStep(seam), maxStep(whole)+1; got > limit {
		t.Errorf("seam derivative %d exceeds whole-signal maximum %d", got, limit)
	}
}

func TestResampler_ResetClearsState(t *testing.T) {
	r := NewResampler(16000, 24000)

	// Prime the carried state with a loud chunk whose length leaves a
	// nonzero fractional carry behind.
	loud := make([]int16, 1001)
	for i := range loud {
		loud[i] = math.MaxInt16
	}
	r.Process(loud)

	r.Reset()

	// After reset the first output sample must come from the new chunk only.
	quiet := make([]int16, 100) // all zero
	out := r.Process(quiet)
	if len(out) == 0 {
		t.Fatal("no output after reset")
	}
	if out[0] != 0 {
		t.Errorf("out[0] = %d after Reset, want 0 (pre-reset history leaked)", out[0])
	}
}
