// Package realtime implements the transport session against the speech
// backend: the relay WebSocket client, the typed event protocol, and the
// connection state machine that negotiates and owns one logical session.
package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicelink-app/voicelink/audio"
	"github.com/voicelink-app/voicelink/internal/types"
)

// State is the transport session state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingAck
	StateActive
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAck:
		return "awaiting-session-ack"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultAckTimeout bounds how long negotiation may take before the session
// is surfaced as stalled instead of hanging indefinitely.
const DefaultAckTimeout = 30 * time.Second

const signModeInstructions = "\n\nAnswer in short, compact sentences suitable " +
	"for sign-language rendering. Avoid filler words and long clauses."

// Config is the desired session configuration. Voice and mode changes made
// while the session is not active are kept locally and re-derived into the
// next negotiation, never dropped.
type Config struct {
	Voice                   string
	Mode                    types.ResponseMode
	Instructions            string
	Temperature             float64
	MaxResponseOutputTokens int
	TranscriptionModel      string
	Language                string
	AckTimeout              time.Duration
}

// sessionParams derives the session.update payload from the latest desired
// configuration. Only the final desired values matter, so changes requested
// while reconnecting need no replay queue.
func (c Config) sessionParams() SessionParams {
	modalities := []string{"text", "audio"}
	instructions := c.Instructions
	if c.Mode == types.ModeSignText {
		modalities = []string{"text"}
		instructions += signModeInstructions
	}

	model := c.TranscriptionModel
	if model == "" {
		model = "whisper-1"
	}

	return SessionParams{
		Modalities:              modalities,
		Voice:                   c.Voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &Transcription{Model: model, Language: c.Language},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
			CreateResponse:    true,
		},
		Instructions:            instructions,
		Temperature:             c.Temperature,
		MaxResponseOutputTokens: c.MaxResponseOutputTokens,
	}
}

// Session is one logical conversation connection. It drives the state
// machine idle → connecting → awaiting-session-ack → active → closed, with
// error reachable from any non-idle state. Reconnection policy lives in the
// owning controller; the Session handles exactly one connection at a time.
type Session struct {
	dial DialFunc

	mu       sync.Mutex
	state    State
	conn     Conn
	cfg      Config
	lastErr  error
	ackTimer *time.Timer
	gen      int // connection generation; stale loops and timers check it

	events  chan Event
	onState func(State, error)
}

// NewSession creates a Session that dials through dial.
func NewSession(dial DialFunc, cfg Config) *Session {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	return &Session{
		dial:   dial,
		cfg:    cfg,
		events: make(chan Event, 256),
	}
}

// OnStateChange registers a callback for state transitions. Must be set
// before Connect.
func (s *Session) OnStateChange(fn func(State, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// Events returns the stream of server events, delivered in arrival order.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current transport state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason for the last error transition, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Connect opens the relay socket and starts negotiation. Calling Connect on
// a session that is already connecting or active is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateAwaitingAck, StateActive:
		s.mu.Unlock()
		slog.Warn("connect ignored: session already up", "state", s.state.String())
		return nil
	}
	s.gen++
	gen := s.gen
	notify := s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()
	notify()

	conn, err := s.dial(ctx)

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		// Disconnected while the dial was in flight; tear down cleanly
		// instead of resurrecting the connection.
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		notify = s.setStateLocked(StateError, fmt.Errorf("dial relay: %w", err))
		s.mu.Unlock()
		notify()
		return err
	}

	s.conn = conn
	s.ackTimer = time.AfterFunc(s.cfg.AckTimeout, func() { s.ackTimedOut(gen) })
	s.mu.Unlock()

	go s.loop(conn, gen)
	return nil
}

// Disconnect tears down the socket and pending timers and returns to idle.
// Always safe and idempotent, from any state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	conn := s.conn
	s.conn = nil
	notify := func() {}
	if s.state != StateIdle {
		notify = s.setStateLocked(StateIdle, nil)
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	notify()
}

// SendAudio streams one outbound PCM16 frame at the wire rate. Outside the
// active state this is a logged no-op, not a failure.
func (s *Session) SendAudio(ctx context.Context, pcm []int16) error {
	b64 := base64.StdEncoding.EncodeToString(audio.PCM16ToBytes(pcm))
	return s.sendActive(ctx, EventInputAudioBufferAppend(b64), "audio frame")
}

// CreateItem injects a user content item (text or image).
func (s *Session) CreateItem(ctx context.Context, item Item) error {
	return s.sendActive(ctx, EventConversationItemCreate(item), "conversation item")
}

// CreateResponse asks the backend to respond to the injected content.
func (s *Session) CreateResponse(ctx context.Context) error {
	return s.sendActive(ctx, EventResponseCreate(), "response request")
}

// SetVoice updates the desired voice. If the session is active the change
// is pushed upstream immediately; otherwise it is applied at the next
// negotiation.
func (s *Session) SetVoice(ctx context.Context, voice string) error {
	return s.updateConfig(ctx, func(c *Config) { c.Voice = voice })
}

// SetMode updates the desired response mode (voice or compact sign text).
func (s *Session) SetMode(ctx context.Context, mode types.ResponseMode) error {
	return s.updateConfig(ctx, func(c *Config) { c.Mode = mode })
}

// Voice returns the currently desired voice.
func (s *Session) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Voice
}

// Mode returns the currently desired response mode.
func (s *Session) Mode() types.ResponseMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Mode
}

func (s *Session) updateConfig(ctx context.Context, mutate func(*Config)) error {
	s.mu.Lock()
	mutate(&s.cfg)
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	params := s.cfg.sessionParams()
	conn := s.conn
	s.mu.Unlock()

	return conn.Send(ctx, EventSessionUpdate(params))
}

func (s *Session) sendActive(ctx context.Context, event any, what string) error {
	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		slog.Warn("dropping outbound message: session not active", "what", what, "state", state.String())
		return nil
	}
	conn := s.conn
	s.mu.Unlock()

	return conn.Send(ctx, event)
}

func (s *Session) loop(conn Conn, gen int) {
	for {
		select {
		case ev, ok := <-conn.Messages():
			if !ok {
				s.connLost(gen, s.drainError(conn))
				return
			}
			s.handleEvent(gen, ev)
		case err := <-conn.Errors():
			s.connLost(gen, err)
			return
		}
	}
}

func (s *Session) drainError(conn Conn) error {
	select {
	case err := <-conn.Errors():
		return err
	default:
		return errors.New("connection closed")
	}
}

func (s *Session) handleEvent(gen int, ev Event) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}

	notify := func() {}
	switch e := ev.(type) {
	case ProxyConnectedEvent:
		if s.state == StateConnecting {
			notify = s.setStateLocked(StateAwaitingAck, nil)
		}

	case SessionCreatedEvent:
		conn := s.conn
		if conn == nil {
			s.mu.Unlock()
			s.forward(ev)
			return
		}
		// Negotiate from the latest desired configuration.
		params := s.cfg.sessionParams()
		s.mu.Unlock()
		if err := conn.Send(context.Background(), EventSessionUpdate(params)); err != nil {
			slog.Error("send session.update", "error", err)
		}
		s.forward(ev)
		return

	case SessionUpdatedEvent:
		if s.state != StateActive {
			if s.ackTimer != nil {
				s.ackTimer.Stop()
				s.ackTimer = nil
			}
			notify = s.setStateLocked(StateActive, nil)
			slog.Info("session active", "voice", s.cfg.Voice, "mode", string(s.cfg.Mode))
		}

	case ProxyErrorEvent:
		notify = s.failLocked(fmt.Errorf("upstream error %s: %s", e.Code, e.Reason))

	case ProxyClosedEvent:
		notify = s.failLocked(fmt.Errorf("upstream closed (%d): %s", e.Code, e.Reason))

	case ErrorEvent:
		// Backend API errors are per-request; log and let the controller
		// decide what to surface.
		slog.Warn("backend error event", "code", e.Error.Code, "message", e.Error.Message)

	case UnknownEvent:
		slog.Debug("ignoring unknown event", "type", e.Type)
	}
	s.mu.Unlock()

	notify()
	s.forward(ev)
}

func (s *Session) connLost(gen int, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	notify := s.failLocked(fmt.Errorf("connection lost: %w", err))
	s.mu.Unlock()
	notify()
}

// failLocked moves to the error state, recording a human-readable reason,
// and releases the connection and timers. Bumping the generation discards
// anything the old read loop still dispatches, so the recorded reason is
// never overwritten by the trailing socket close.
func (s *Session) failLocked(reason error) func() {
	s.gen++
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		go conn.Close()
	}
	return s.setStateLocked(StateError, reason)
}

func (s *Session) ackTimedOut(gen int) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateActive || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	notify := s.failLocked(errors.New("session negotiation timed out"))
	s.mu.Unlock()
	notify()
}

func (s *Session) setStateLocked(state State, err error) func() {
	s.state = state
	s.lastErr = err
	cb := s.onState
	if cb == nil {
		return func() {}
	}
	return func() { cb(state, err) }
}

func (s *Session) forward(ev Event) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("event channel full, dropping event", "type", ev.eventType())
	}
}
