// Package audiocapture provides the outbound microphone pipeline: it owns
// the capture device, meters live amplitude, and delivers fixed-size PCM16
// frames at the backend wire rate to a caller-supplied callback.
package audiocapture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/voicelink-app/voicelink/audio"
)

const (
	// WireRate is the sample rate the backend requires on both directions.
	WireRate = 24000
	// FrameSize is the number of samples per emitted frame.
	FrameSize = 4096
)

// Media acquisition failures, labeled so callers can render an actionable
// message rather than a generic one.
var (
	ErrPermissionDenied = errors.New("audiocapture: microphone permission denied")
	ErrDeviceNotFound   = errors.New("audiocapture: no capture device found")
	ErrDeviceBusy       = errors.New("audiocapture: capture device in use")
	ErrUnsupported      = errors.New("audiocapture: unsupported platform")
	ErrRunning          = errors.New("audiocapture: already capturing")
)

// Device is a platform microphone source. Start acquires the hardware
// exclusively with echo cancellation, noise suppression, and auto gain
// where the platform supports them, and delivers normalized [-1, 1] mono
// samples at the device's native rate until Stop. SampleRate reports the
// native rate detected at acquisition time and is valid after Start.
type Device interface {
	Start(handler func(samples []float32)) error
	Stop() error
	SampleRate() int
}

// FrameHandler receives one outbound frame of FrameSize PCM16 samples at
// WireRate. Ownership of the slice transfers to the handler.
type FrameHandler func(pcm []int16)

// Pipeline converts the device's native stream into fixed frames at the
// wire rate. One Pipeline owns one Device.
type Pipeline struct {
	dev Device

	mu        sync.Mutex
	running   bool
	resampler *audio.Resampler
	pending   []int16
	onFrame   FrameHandler

	level atomic.Int32
}

// NewPipeline creates a capture pipeline over the given device.
func NewPipeline(dev Device) *Pipeline {
	return &Pipeline{dev: dev}
}

// Start acquires the device and begins delivering frames to handler.
// Acquisition failures surface synchronously; there is no internal retry.
func (p *Pipeline) Start(handler FrameHandler) error {
	if handler == nil {
		return errors.New("audiocapture: nil handler")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrRunning
	}

	if err := p.dev.Start(p.handleSamples); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}

	native := p.dev.SampleRate()
	if native <= 0 {
		native = WireRate
	}
	p.resampler = audio.NewResampler(native, WireRate)
	p.pending = p.pending[:0]
	p.onFrame = handler
	p.running = true

	slog.Info("audio capture started", "nativeRate", native, "wireRate", WireRate)
	return nil
}

// Stop releases the device and drops any partial frame. Safe to call at any
// time, any number of times.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	p.onFrame = nil
	p.pending = nil
	p.level.Store(0)

	if err := p.dev.Stop(); err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	return nil
}

// Running reports whether the pipeline is capturing.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Level returns a 0-100 amplitude estimate of recent input for UI metering.
// Returns 0 when not capturing.
func (p *Pipeline) Level() int {
	return int(p.level.Load())
}

func (p *Pipeline) handleSamples(samples []float32) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}

	pcm := p.resampler.Process(audio.Float32ToPCM16(samples))
	p.level.Store(int32(audio.Level(pcm)))
	p.pending = append(p.pending, pcm...)

	var frames [][]int16
	for len(p.pending) >= FrameSize {
		frame := make([]int16, FrameSize)
		copy(frame, p.pending[:FrameSize])
		p.pending = p.pending[FrameSize:]
		frames = append(frames, frame)
	}
	handler := p.onFrame
	p.mu.Unlock()

	// Invoke outside the lock; the handler may call back into the pipeline.
	for _, f := range frames {
		handler(f)
	}
}
