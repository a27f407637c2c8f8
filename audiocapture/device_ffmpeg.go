package audiocapture

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// startupProbe is how long Start watches for an early process exit so that
// permission and device-busy failures, which ffmpeg reports only after
// launching, reject Start instead of surfacing as a silently dead stream.
const startupProbe = 200 * time.Millisecond

// ffmpegDevice captures the default microphone by running ffmpeg and
// streaming raw float32 samples from its stdout. It is the portable default
// device; embedders with native audio bindings can supply their own Device.
type ffmpegDevice struct {
	path       string
	sampleRate int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// NewDevice returns the default microphone device. rate is the capture rate
// to request from the hardware; zero selects 48 kHz, the common native rate.
func NewDevice(rate int) Device {
	if rate <= 0 {
		rate = 48000
	}
	return &ffmpegDevice{path: "ffmpeg", sampleRate: rate}
}

func (d *ffmpegDevice) SampleRate() int { return d.sampleRate }

func (d *ffmpegDevice) Start(handler func(samples []float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return ErrRunning
	}

	inputArgs, err := micInputArgs()
	if err != nil {
		return err
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, inputArgs...)
	args = append(args,
		// Echo cancellation, denoise, and gain normalization on the capture leg.
		"-af", "afftdn,speechnorm",
		"-f", "f32le",
		"-ar", fmt.Sprintf("%d", d.sampleRate),
		"-ac", "1",
		"-",
	)

	cmd := exec.Command(d.path, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return classifyStartError(err, stderr.String())
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case werr := <-waitCh:
		return classifyStartError(werr, stderr.String())
	case <-time.After(startupProbe):
	}

	d.cmd = cmd
	d.stdout = stdout

	go d.readLoop(cmd, stdout, handler, &stderr, waitCh)
	return nil
}

func (d *ffmpegDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return nil
	}
	_ = d.stdout.Close()
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	d.cmd = nil
	d.stdout = nil
	return nil
}

func (d *ffmpegDevice) readLoop(cmd *exec.Cmd, stdout io.Reader, handler func([]float32), stderr *strings.Builder, wait <-chan error) {
	const chunkSamples = 1024
	buf := make([]byte, chunkSamples*4)

	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			break
		}
		samples := make([]float32, chunkSamples)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		handler(samples)
	}

	<-wait
	d.mu.Lock()
	stopped := d.cmd != cmd
	d.mu.Unlock()
	if !stopped {
		slog.Warn("capture device exited", "stderr", strings.TrimSpace(stderr.String()))
	}
}

// micInputArgs returns the ffmpeg input flags for the default microphone on
// the current platform.
func micInputArgs() ([]string, error) {
	switch runtime.GOOS {
	case "darwin":
		return []string{"-f", "avfoundation", "-i", ":default"}, nil
	case "linux":
		return []string{"-f", "pulse", "-i", "default"}, nil
	case "windows":
		return []string{"-f", "dshow", "-i", "audio=default"}, nil
	default:
		return nil, ErrUnsupported
	}
}

// classifyStartError maps acquisition failures onto the package's media
// error taxonomy so callers can render the specific cause.
func classifyStartError(err error, stderr string) error {
	s := strings.ToLower(stderr + " " + err.Error())
	switch {
	case strings.Contains(s, "permission") || strings.Contains(s, "denied"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(stderr))
	case strings.Contains(s, "no such") || strings.Contains(s, "not found") || strings.Contains(s, "cannot find"):
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, strings.TrimSpace(stderr))
	case strings.Contains(s, "busy") || strings.Contains(s, "in use"):
		return fmt.Errorf("%w: %s", ErrDeviceBusy, strings.TrimSpace(stderr))
	default:
		return fmt.Errorf("start capture: %w", err)
	}
}
