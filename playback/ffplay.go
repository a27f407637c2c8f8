package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// FFPlayer plays WAV clips through ffplay. It is the default Player for
// environments without native audio output bindings.
type FFPlayer struct {
	// Path to the ffplay binary; empty means "ffplay" on PATH.
	Path string
	// Volume in ffplay units 0-100; zero means the ffplay default.
	Volume int
}

// Play feeds one WAV clip to ffplay and blocks until it finishes.
func (p *FFPlayer) Play(ctx context.Context, wav []byte) error {
	path := p.Path
	if path == "" {
		path = "ffplay"
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostats", "-nodisp", "-autoexit"}
	if p.Volume > 0 {
		args = append(args, "-volume", fmt.Sprintf("%d", p.Volume))
	}
	args = append(args, "-i", "-")

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = bytes.NewReader(wav)
	cmd.Stdout = io.Discard

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffplay: %w", err)
	}
	return nil
}
