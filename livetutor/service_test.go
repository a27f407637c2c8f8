package livetutor

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voicelink-app/voicelink/audio"
	"github.com/voicelink-app/voicelink/internal/types"
	"github.com/voicelink-app/voicelink/livetutor/realtime"
)

// fakeConn is a scriptable relay connection.
type fakeConn struct {
	mu   sync.Mutex
	sent []any
	msgs chan realtime.Event
	errs chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs: make(chan realtime.Event, 64),
		errs: make(chan error, 1),
	}
}

func (c *fakeConn) Send(ctx context.Context, event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, event)
	return nil
}

func (c *fakeConn) Messages() <-chan realtime.Event { return c.msgs }
func (c *fakeConn) Errors() <-chan error            { return c.errs }
func (c *fakeConn) Close() error                    { return nil }

func (c *fakeConn) sentOfType(eventType string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, ev := range c.sent {
		if m, ok := ev.(map[string]any); ok && m["type"] == eventType {
			out = append(out, m)
		}
	}
	return out
}

// fakeDialer hands out a fresh connection per dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(ctx context.Context) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.conns) > i {
			c := d.conns[i]
			d.mu.Unlock()
			return c
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// fakeDevice is a scriptable microphone.
type fakeDevice struct {
	mu      sync.Mutex
	handler func([]float32)
	rate    int
	started int
}

func (d *fakeDevice) Start(handler func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
	d.started++
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = nil
	return nil
}

func (d *fakeDevice) SampleRate() int { return d.rate }

func (d *fakeDevice) push(samples []float32) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(samples)
	}
}

func (d *fakeDevice) running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler != nil
}

// fakeSink records fed audio and clears.
type fakeSink struct {
	mu     sync.Mutex
	rate   int
	fed    []int16
	clears int
}

func (s *fakeSink) SampleRate() int { return s.rate }

func (s *fakeSink) Feed(pcm []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fed = append(s.fed, pcm...)
}

func (s *fakeSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
}

func (s *fakeSink) fedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fed)
}

func (s *fakeSink) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func newTestService(t *testing.T, sessionCfg realtime.Config) (*Service, *fakeDialer, *fakeDevice) {
	t.Helper()
	dialer := &fakeDialer{}
	dev := &fakeDevice{rate: 48000}
	s := NewService(Config{
		Dial:             dialer.dial,
		Session:          sessionCfg,
		Device:           dev,
		ReconnectInitial: 10 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	return s, dialer, dev
}

func activateService(t *testing.T, s *Service, conn *fakeConn) {
	t.Helper()
	conn.msgs <- realtime.ProxyConnectedEvent{}
	conn.msgs <- realtime.SessionCreatedEvent{}
	conn.msgs <- realtime.SessionUpdatedEvent{}
	waitConnState(t, s, types.ConnConnected)
}

func waitConnState(t *testing.T, s *Service, want types.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.Status().State, want)
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestService_ConnectNegotiatesAndAutoRecords(t *testing.T) {
	s, dialer, dev := newTestService(t, realtime.Config{Voice: "nova"})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn(0)
	conn.msgs <- realtime.ProxyConnectedEvent{}
	conn.msgs <- realtime.SessionCreatedEvent{}

	waitCond(t, "session.update", func() bool { return len(conn.sentOfType("session.update")) >= 1 })
	params := conn.sentOfType("session.update")[0]["session"].(realtime.SessionParams)
	if params.Voice != "nova" {
		t.Errorf("negotiated voice = %q, want nova", params.Voice)
	}

	conn.msgs <- realtime.SessionUpdatedEvent{}
	waitConnState(t, s, types.ConnConnected)

	// The microphone starts without an explicit StartRecording.
	waitCond(t, "capture start", dev.running)

	// 48 kHz device samples are downsampled to the 24 kHz wire rate; two
	// 4096-sample pushes yield exactly one 4096-sample outbound frame.
	dev.push(make([]float32, 4096))
	dev.push(make([]float32, 4096))

	waitCond(t, "audio frame", func() bool { return len(conn.sentOfType("input_audio_buffer.append")) >= 1 })
	appends := conn.sentOfType("input_audio_buffer.append")
	raw, err := base64.StdEncoding.DecodeString(appends[0]["audio"].(string))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if got := len(raw) / 2; got != 4096 {
		t.Errorf("frame samples = %d, want 4096", got)
	}
}

func TestService_AudioDeltaRoutesToSink(t *testing.T) {
	s, dialer, _ := newTestService(t, realtime.Config{})
	sink := &fakeSink{rate: 16000}
	s.RegisterSink(sink)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn(0)
	activateService(t, s, conn)

	// 2400 samples at 24 kHz resample to exactly 1600 at 16 kHz.
	delta := base64.StdEncoding.EncodeToString(audio.PCM16ToBytes(make([]int16, 2400)))
	conn.msgs <- realtime.AudioDeltaEvent{Delta: delta}

	waitCond(t, "sink audio", func() bool { return sink.fedLen() == 1600 })

	if !s.Status().Speaking {
		t.Error("status not speaking while audio streams")
	}
	conn.msgs <- realtime.ResponseDoneEvent{}
	waitCond(t, "speaking cleared", func() bool { return !s.Status().Speaking })
}

func TestService_BargeInClearsSink(t *testing.T) {
	s, dialer, _ := newTestService(t, realtime.Config{})
	sink := &fakeSink{rate: 24000}
	s.RegisterSink(sink)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn(0)
	activateService(t, s, conn)

	delta := base64.StdEncoding.EncodeToString(audio.PCM16ToBytes(make([]int16, 1200)))
	conn.msgs <- realtime.AudioDeltaEvent{Delta: delta}
	conn.msgs <- realtime.SpeechStartedEvent{}

	// The clear happens when speech_started is processed, strictly before
	// any later delta.
	waitCond(t, "sink clear", func() bool { return sink.clearCount() == 1 })

	conn.msgs <- realtime.AudioDeltaEvent{Delta: delta}
	waitCond(t, "post-barge-in audio", func() bool { return sink.fedLen() >= 2400 })
	if got := sink.clearCount(); got != 1 {
		t.Errorf("clears = %d, want 1", got)
	}
}

func TestService_TranscriptFromEvents(t *testing.T) {
	s, dialer, _ := newTestService(t, realtime.Config{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn(0)
	activateService(t, s, conn)

	conn.msgs <- realtime.TranscriptionDeltaEvent{Delta: "what is"}
	conn.msgs <- realtime.TranscriptionDeltaEvent{Delta: " 2+2"}
	conn.msgs <- realtime.TranscriptionCompletedEvent{Transcript: "what is 2+2?"}
	conn.msgs <- realtime.AudioTranscriptDeltaEvent{Delta: "Fo"}
	conn.msgs <- realtime.AudioTranscriptDoneEvent{Transcript: "Four."}

	waitCond(t, "two final entries", func() bool {
		entries := s.Transcript()
		return len(entries) == 2 && entries[0].Final && entries[1].Final
	})

	entries := s.Transcript()
	if entries[0].Role != types.RoleUser || entries[0].Text != "what is 2+2?" {
		t.Errorf("user entry = %+v", entries[0])
	}
	if entries[1].Role != types.RoleAssistant || entries[1].Text != "Four." {
		t.Errorf("assistant entry = %+v", entries[1])
	}
}

func TestService_SendTextEchoesAndRequestsResponse(t *testing.T) {
	s, dialer, _ := newTestService(t, realtime.Config{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn(0)
	activateService(t, s, conn)

	if err := s.SendText(context.Background(), "explain fractions"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	entries := s.Transcript()
	if len(entries) != 1 || entries[0].Role != types.RoleUser || !entries[0].Final {
		t.Fatalf("transcript = %+v, want one final user entry", entries)
	}

	items := conn.sentOfType("conversation.item.create")
	if len(items) != 1 {
		t.Fatalf("item.create sent %d times, want 1", len(items))
	}
	item := items[0]["item"].(realtime.Item)
	if item.ID == "" {
		t.Error("injected item has no correlation id")
	}
	if len(item.Content) != 1 || item.Content[0].Type != "input_text" || item.Content[0].Text != "explain fractions" {
		t.Errorf("item content = %+v", item.Content)
	}
	if len(conn.sentOfType("response.create")) != 1 {
		t.Error("response.create not sent after item injection")
	}
}

func TestService_ModeChangeSurvivesReconnect(t *testing.T) {
	s, dialer, _ := newTestService(t, realtime.Config{Voice: "nova"})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn(0)
	activateService(t, s, conn)

	if err := s.SetResponseMode(context.Background(), types.ModeSignText); err != nil {
		t.Fatalf("SetResponseMode: %v", err)
	}
	conn.msgs <- realtime.TranscriptionCompletedEvent{Transcript: "hello"}
	waitCond(t, "transcript entry", func() bool { return len(s.Transcript()) == 1 })

	// Drop the socket; the controller reconnects on its own.
	conn.errs <- errors.New("read: connection reset")

	conn2 := dialer.conn(1)
	if conn2 == nil {
		t.Fatal("no reconnect dial")
	}
	conn2.msgs <- realtime.ProxyConnectedEvent{}
	conn2.msgs <- realtime.SessionCreatedEvent{}

	waitCond(t, "renegotiation", func() bool { return len(conn2.sentOfType("session.update")) >= 1 })
	params := conn2.sentOfType("session.update")[0]["session"].(realtime.SessionParams)
	if len(params.Modalities) != 1 || params.Modalities[0] != "text" {
		t.Errorf("reconnect modalities = %v, want [text] (mode change dropped)", params.Modalities)
	}

	conn2.msgs <- realtime.SessionUpdatedEvent{}
	waitConnState(t, s, types.ConnConnected)

	// Transient reconnects keep the conversation transcript.
	if got := len(s.Transcript()); got != 1 {
		t.Errorf("transcript entries after reconnect = %d, want 1", got)
	}
}

func TestService_DisconnectSuppressesReconnect(t *testing.T) {
	s, dialer, dev := newTestService(t, realtime.Config{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn(0)
	activateService(t, s, conn)
	waitCond(t, "capture start", dev.running)

	s.Disconnect()
	waitConnState(t, s, types.ConnDisconnected)

	if dev.running() {
		t.Error("capture still running after Disconnect")
	}

	// No reconnection dial may happen after an explicit disconnect.
	time.Sleep(50 * time.Millisecond)
	dialer.mu.Lock()
	dials := len(dialer.conns)
	dialer.mu.Unlock()
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestService_ReconnectGivesUpAfterBudget(t *testing.T) {
	dialer := &failingDialer{}
	dev := &fakeDevice{rate: 48000}
	s := NewService(Config{
		Dial:              dialer.dial,
		Device:            dev,
		ReconnectInitial:  time.Millisecond,
		ReconnectMax:      2 * time.Millisecond,
		ReconnectAttempts: 3,
	})
	t.Cleanup(s.Close)

	_ = s.Connect(context.Background())
	waitConnState(t, s, types.ConnFailed)

	// Initial dial plus three retries.
	if got := dialer.count(); got != 4 {
		t.Errorf("dial attempts = %d, want 4", got)
	}
	if s.Err() == nil {
		t.Error("Err() = nil after terminal failure")
	}
}

type failingDialer struct {
	mu sync.Mutex
	n  int
}

func (d *failingDialer) dial(ctx context.Context) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.n++
	return nil, errors.New("relay unreachable")
}

func (d *failingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func TestService_BackendErrorSurfaced(t *testing.T) {
	s, dialer, _ := newTestService(t, realtime.Config{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn(0)
	activateService(t, s, conn)

	conn.msgs <- realtime.AudioTranscriptDeltaEvent{Delta: "Let me"}
	var ev realtime.ErrorEvent
	ev.Error.Code = "invalid_request_error"
	ev.Error.Message = "image too large"
	conn.msgs <- ev

	waitCond(t, "error surfaced", func() bool {
		err := s.Err()
		return err != nil && strings.Contains(err.Error(), "image too large")
	})

	// The connection stays up; only the turn fails.
	if got := s.Status().State; got != types.ConnConnected {
		t.Errorf("state = %v, want connected", got)
	}
	entries := s.Transcript()
	if len(entries) != 1 || !entries[0].Final {
		t.Fatalf("entries = %+v, want one finalized entry", entries)
	}
	if s.Status().Processing {
		t.Error("processing flag still set after backend error")
	}
}

func TestService_SignAssetResolvedOnce(t *testing.T) {
	s, _, _ := newTestService(t, realtime.Config{})

	loads := 0
	resolve := func() (string, error) {
		loads++
		return "https://cdn.example/signs/plus.mp4", nil
	}

	for range 2 {
		url, err := s.SignAsset("plus", resolve)
		if err != nil || url != "https://cdn.example/signs/plus.mp4" {
			t.Fatalf("SignAsset = %q, %v", url, err)
		}
	}
	if loads != 1 {
		t.Errorf("resolver ran %d times, want 1", loads)
	}
}

func TestService_StopRecordingMutes(t *testing.T) {
	s, dialer, dev := newTestService(t, realtime.Config{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := dialer.conn(0)
	activateService(t, s, conn)
	waitCond(t, "capture start", dev.running)

	if err := s.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if dev.running() {
		t.Error("device still running after StopRecording")
	}

	if err := s.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !dev.running() {
		t.Error("device not running after StartRecording")
	}
}
