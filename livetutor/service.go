// Package livetutor orchestrates a live tutoring session: it owns the
// microphone pipeline, the transport session, the transcript, and the
// inbound audio routing, and exposes user intents to the UI layer.
package livetutor

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicelink-app/voicelink/audio"
	"github.com/voicelink-app/voicelink/audiocapture"
	"github.com/voicelink-app/voicelink/cache"
	"github.com/voicelink-app/voicelink/history"
	"github.com/voicelink-app/voicelink/internal/types"
	"github.com/voicelink-app/voicelink/livetutor/realtime"
	"github.com/voicelink-app/voicelink/playback"
)

// Reconnection policy defaults. Backoff doubles per attempt up to the cap;
// after the attempt budget is spent the session is surfaced as failed.
const (
	DefaultReconnectInitial  = time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultReconnectAttempts = 5
)

// Sink consumes inbound assistant audio, e.g. an avatar renderer that
// lip-syncs to it. Feed receives PCM16 resampled to the sink's preferred
// rate; Clear drops anything buffered but not yet rendered.
type Sink interface {
	SampleRate() int
	Feed(pcm []int16)
	Clear()
}

// Config assembles a Service. Dial and Device are required; everything
// else has a usable default.
type Config struct {
	Dial    realtime.DialFunc
	Session realtime.Config
	Device  audiocapture.Device

	// Player backs the fallback playback queue used when no sink is
	// registered. Nil disables fallback playback.
	Player playback.Player

	// History, if set, receives every finalized transcript entry.
	History        *history.Store
	ConversationID string

	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
}

// Service is the session controller. All exported methods are safe for
// concurrent use.
type Service struct {
	cfg Config

	session    *realtime.Session
	capture    *audiocapture.Pipeline
	queue      *playback.Queue
	transcript *TranscriptManager
	signAssets *cache.Cache[string]

	mu            sync.Mutex
	connState     types.ConnectionState
	lastErr       error
	muted         bool
	listening     bool
	processing    bool
	speaking      bool
	sink          Sink
	sinkResampler *audio.Resampler
	userOffline   bool // explicit Disconnect; suppresses reconnection
	attempts      int
	retryTimer    *time.Timer
	connectedAt   time.Time
	closed        bool

	quit chan struct{}
}

// NewService wires the controller together and starts its event loop.
func NewService(cfg Config) *Service {
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = DefaultReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}

	s := &Service{
		cfg:        cfg,
		session:    realtime.NewSession(cfg.Dial, cfg.Session),
		capture:    audiocapture.NewPipeline(cfg.Device),
		transcript: NewTranscriptManager(),
		signAssets: cache.New[string](),
		connState:  types.ConnDisconnected,
		quit:       make(chan struct{}),
	}
	if cfg.Player != nil {
		s.queue = playback.NewQueue(cfg.Player, audiocapture.WireRate)
	}
	if cfg.History != nil {
		s.transcript.OnFinal(func(e types.TranscriptEntry) {
			if err := cfg.History.Append(cfg.ConversationID, e); err != nil {
				slog.Warn("persist transcript entry", "error", err)
			}
		})
	}

	s.session.OnStateChange(s.onSessionState)
	go s.eventLoop()
	return s
}

// Connect starts a new conversation. The previous transcript is cleared;
// transient reconnects inside one conversation never are.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	fresh := s.connState == types.ConnDisconnected || s.connState == types.ConnFailed
	s.userOffline = false
	s.attempts = 0
	s.stopRetryLocked()
	s.mu.Unlock()

	if fresh {
		s.transcript.Reset()
	}
	return s.session.Connect(ctx)
}

// Disconnect ends the session on the user's request. No reconnection is
// attempted until the next Connect.
func (s *Service) Disconnect() {
	s.mu.Lock()
	s.userOffline = true
	s.stopRetryLocked()
	s.listening = false
	s.processing = false
	s.speaking = false
	s.connectedAt = time.Time{}
	s.mu.Unlock()

	if err := s.capture.Stop(); err != nil {
		slog.Warn("stop capture", "error", err)
	}
	if s.queue != nil {
		s.queue.Clear()
	}
	s.session.Disconnect()
}

// Close releases everything. The service cannot be reused afterwards.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Disconnect()
	if s.queue != nil {
		s.queue.Close()
	}
	s.signAssets.Clear()
	close(s.quit)
}

// SignAsset resolves the clip URL for a sign-language gloss, caching the
// result so repeated glosses in one session resolve at most once.
func (s *Service) SignAsset(gloss string, resolve func() (string, error)) (string, error) {
	return s.signAssets.GetOrLoad(gloss, resolve)
}

// StartRecording unmutes the microphone and starts capture if the device
// is not already running. Device acquisition failures surface to the caller.
func (s *Service) StartRecording() error {
	s.mu.Lock()
	s.muted = false
	s.mu.Unlock()

	err := s.capture.Start(s.handleFrame)
	if err == audiocapture.ErrRunning {
		return nil
	}
	return err
}

// StopRecording mutes the microphone and releases the device.
func (s *Service) StopRecording() error {
	s.mu.Lock()
	s.muted = true
	s.mu.Unlock()
	return s.capture.Stop()
}

// SendText injects a typed user message and asks for a response. The
// message is echoed into the transcript immediately.
func (s *Service) SendText(ctx context.Context, text string) error {
	s.transcript.AddFinal(types.RoleUser, text)

	item := realtime.Item{
		ID:      itemID(),
		Type:    "message",
		Role:    "user",
		Content: []realtime.ContentPart{{Type: "input_text", Text: text}},
	}
	if err := s.session.CreateItem(ctx, item); err != nil {
		return err
	}
	return s.session.CreateResponse(ctx)
}

// SendImage injects an image (as a data URL) with an optional text prompt,
// e.g. a photographed homework problem.
func (s *Service) SendImage(ctx context.Context, dataURL, prompt string) error {
	label := prompt
	if label == "" {
		label = "(image)"
	}
	s.transcript.AddFinal(types.RoleUser, label)

	content := []realtime.ContentPart{{Type: "input_image", Image: dataURL}}
	if prompt != "" {
		content = append(content, realtime.ContentPart{Type: "input_text", Text: prompt})
	}
	item := realtime.Item{ID: itemID(), Type: "message", Role: "user", Content: content}
	if err := s.session.CreateItem(ctx, item); err != nil {
		return err
	}
	return s.session.CreateResponse(ctx)
}

// ChangeVoice switches the assistant voice, immediately if active.
func (s *Service) ChangeVoice(ctx context.Context, voice string) error {
	return s.session.SetVoice(ctx, voice)
}

// SetResponseMode switches between spoken answers and compact sign text.
// The change survives reconnects.
func (s *Service) SetResponseMode(ctx context.Context, mode types.ResponseMode) error {
	return s.session.SetMode(ctx, mode)
}

// RegisterSink routes inbound assistant audio to sink instead of the
// fallback playback queue. A nil sink restores the fallback path.
func (s *Service) RegisterSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	if sink != nil {
		s.sinkResampler = audio.NewResampler(audiocapture.WireRate, sink.SampleRate())
	} else {
		s.sinkResampler = nil
	}
	s.mu.Unlock()
}

// Transcript returns a snapshot of the conversation so far.
func (s *Service) Transcript() []types.TranscriptEntry {
	return s.transcript.Entries()
}

// Err returns the reason for the last failure, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Status returns a point-in-time snapshot for the UI.
func (s *Service) Status() types.SessionStatus {
	s.mu.Lock()
	var duration int64
	if !s.connectedAt.IsZero() {
		duration = int64(time.Since(s.connectedAt).Seconds())
	}
	st := types.SessionStatus{
		State:      s.connState,
		Listening:  s.listening,
		Processing: s.processing,
		Speaking:   s.speaking,
		Duration:   duration,
	}
	s.mu.Unlock()

	st.Mode = s.session.Mode()
	st.Voice = s.session.Voice()
	st.Recording = s.capture.Running()
	st.AudioLevel = s.capture.Level()
	st.TranscriptCount = s.transcript.Count()
	return st
}

// handleFrame forwards one outbound mic frame. Frames captured while muted
// or while the session is down are dropped silently.
func (s *Service) handleFrame(pcm []int16) {
	s.mu.Lock()
	muted := s.muted
	s.mu.Unlock()
	if muted || s.session.State() != realtime.StateActive {
		return
	}
	if err := s.session.SendAudio(context.Background(), pcm); err != nil {
		slog.Warn("send audio frame", "error", err)
	}
}

func (s *Service) eventLoop() {
	for {
		select {
		case ev := <-s.session.Events():
			s.handleEvent(ev)
		case <-s.quit:
			return
		}
	}
}

func (s *Service) handleEvent(ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.SpeechStartedEvent:
		// Barge-in: the user started talking, so anything the assistant
		// had buffered for playback is stale. Clear before any later
		// audio delta is processed.
		s.clearInboundAudio()
		s.mu.Lock()
		s.listening = true
		s.speaking = false
		s.mu.Unlock()

	case realtime.SpeechStoppedEvent:
		s.mu.Lock()
		s.listening = false
		s.processing = true
		s.mu.Unlock()

	case realtime.TranscriptionDeltaEvent:
		s.transcript.AppendDelta(types.RoleUser, e.Delta)

	case realtime.TranscriptionCompletedEvent:
		s.transcript.Complete(types.RoleUser, e.Transcript)

	case realtime.TranscriptionFailedEvent:
		slog.Warn("transcription failed", "itemID", e.ItemID, "message", e.Error.Message)
		s.transcript.Fail(types.RoleUser, "transcription unavailable")

	case realtime.AudioDeltaEvent:
		s.mu.Lock()
		s.processing = false
		s.speaking = true
		s.mu.Unlock()
		s.routeAudio(e.Delta)

	case realtime.AudioTranscriptDeltaEvent:
		s.transcript.AppendDelta(types.RoleAssistant, e.Delta)

	case realtime.AudioTranscriptDoneEvent:
		s.transcript.Complete(types.RoleAssistant, e.Transcript)

	case realtime.ResponseDoneEvent:
		s.mu.Lock()
		s.processing = false
		s.speaking = false
		s.mu.Unlock()

	case realtime.ErrorEvent:
		// Per-request backend failure, e.g. a rejected injected item. The
		// connection stays up; reflect the failure in observable state and
		// on the open assistant entry, if any.
		s.mu.Lock()
		s.lastErr = fmt.Errorf("backend error %s: %s", e.Error.Code, e.Error.Message)
		s.processing = false
		s.mu.Unlock()
		s.transcript.Fail(types.RoleAssistant, "response failed: "+e.Error.Message)
	}
}

// routeAudio delivers one inbound audio chunk to the registered sink, or
// to the fallback playback queue when no sink is present.
func (s *Service) routeAudio(deltaB64 string) {
	raw, err := base64.StdEncoding.DecodeString(deltaB64)
	if err != nil {
		slog.Warn("malformed audio delta", "error", err)
		return
	}

	s.mu.Lock()
	sink := s.sink
	resampler := s.sinkResampler
	s.mu.Unlock()

	if sink != nil {
		sink.Feed(resampler.Process(audio.BytesToPCM16(raw)))
		return
	}
	if s.queue != nil {
		s.queue.Add(raw)
	}
}

// clearInboundAudio drops all assistant audio that has not reached the
// speakers or the sink yet.
func (s *Service) clearInboundAudio() {
	s.mu.Lock()
	sink := s.sink
	if s.sinkResampler != nil {
		s.sinkResampler.Reset()
	}
	s.mu.Unlock()

	if sink != nil {
		sink.Clear()
	}
	if s.queue != nil {
		s.queue.Clear()
	}
}

func (s *Service) onSessionState(state realtime.State, err error) {
	switch state {
	case realtime.StateConnecting:
		s.mu.Lock()
		if s.connState != types.ConnReconnecting {
			s.connState = types.ConnConnecting
		}
		s.mu.Unlock()

	case realtime.StateActive:
		s.mu.Lock()
		s.connState = types.ConnConnected
		s.lastErr = nil
		s.attempts = 0
		if s.connectedAt.IsZero() {
			s.connectedAt = time.Now()
		}
		muted := s.muted
		s.mu.Unlock()

		if !muted {
			if startErr := s.capture.Start(s.handleFrame); startErr != nil && startErr != audiocapture.ErrRunning {
				slog.Error("auto-start capture", "error", startErr)
			}
		}

	case realtime.StateIdle:
		s.mu.Lock()
		s.connState = types.ConnDisconnected
		s.mu.Unlock()

	case realtime.StateError:
		s.onSessionError(err)
	}
}

func (s *Service) onSessionError(err error) {
	if stopErr := s.capture.Stop(); stopErr != nil {
		slog.Warn("stop capture", "error", stopErr)
	}

	s.mu.Lock()
	s.lastErr = err
	s.listening = false
	s.processing = false
	s.speaking = false

	if s.userOffline || s.closed {
		s.connState = types.ConnDisconnected
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.ReconnectAttempts {
		s.connState = types.ConnFailed
		s.mu.Unlock()
		slog.Error("giving up after repeated reconnect failures", "attempts", s.cfg.ReconnectAttempts, "error", err)
		return
	}

	delay := s.cfg.ReconnectInitial << s.attempts
	if delay > s.cfg.ReconnectMax {
		delay = s.cfg.ReconnectMax
	}
	s.attempts++
	attempt := s.attempts
	s.connState = types.ConnReconnecting
	s.stopRetryLocked()
	s.retryTimer = time.AfterFunc(delay, s.retryConnect)
	s.mu.Unlock()

	slog.Warn("session lost, reconnecting", "attempt", attempt, "delay", delay.String(), "error", err)
}

func (s *Service) retryConnect() {
	s.mu.Lock()
	skip := s.userOffline || s.closed
	s.mu.Unlock()
	if skip {
		return
	}
	if err := s.session.Connect(context.Background()); err != nil {
		// Connect's failure also lands in onSessionState(StateError),
		// which schedules the next attempt.
		slog.Warn("reconnect attempt failed", "error", err)
	}
}

func (s *Service) stopRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func itemID() string {
	return "item_" + uuid.NewString()
}
