package realtime

import "encoding/json"

// Server event types, as forwarded by the relay. The proxy.* events are
// emitted by the relay itself; the rest come from the speech backend.
const (
	EventProxyConnected = "proxy.openai_connected"
	EventProxyError     = "proxy.error"
	EventProxyClosed    = "proxy.openai_closed"

	EventSessionCreated = "session.created"
	EventSessionUpdated = "session.updated"

	EventSpeechStarted = "input_audio_buffer.speech_started"
	EventSpeechStopped = "input_audio_buffer.speech_stopped"

	EventTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	EventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"

	EventResponseAudioDelta          = "response.audio.delta"
	EventResponseAudioTranscript     = "response.audio_transcript.delta"
	EventResponseAudioTranscriptDone = "response.audio_transcript.done"
	EventResponseDone                = "response.done"

	EventError = "error"
)

// Event is a discriminated union for server events. Check the concrete
// type via type switch.
type Event interface {
	eventType() string
}

// ProxyConnectedEvent signals the relay has established its upstream link.
// This is distinct from the relay's own socket opening.
type ProxyConnectedEvent struct {
	EventID string `json:"event_id"`
}

func (ProxyConnectedEvent) eventType() string { return EventProxyConnected }

// ProxyErrorEvent is a relay-reported upstream failure, fatal for the
// current connection.
type ProxyErrorEvent struct {
	EventID string `json:"event_id"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (ProxyErrorEvent) eventType() string { return EventProxyError }

// ProxyClosedEvent signals the upstream link closed.
type ProxyClosedEvent struct {
	EventID string `json:"event_id"`
	Code    int    `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (ProxyClosedEvent) eventType() string { return EventProxyClosed }

// SessionCreatedEvent is the first negotiation handshake marker.
type SessionCreatedEvent struct {
	EventID string `json:"event_id"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

func (SessionCreatedEvent) eventType() string { return EventSessionCreated }

// SessionUpdatedEvent acknowledges the session configuration.
type SessionUpdatedEvent struct {
	EventID string `json:"event_id"`
	Session struct {
		ID    string `json:"id"`
		Voice string `json:"voice,omitempty"`
	} `json:"session"`
}

func (SessionUpdatedEvent) eventType() string { return EventSessionUpdated }

// SpeechStartedEvent is emitted when server VAD detects the user speaking.
// Arriving mid-response it triggers the barge-in buffer clear.
type SpeechStartedEvent struct {
	EventID      string `json:"event_id"`
	AudioStartMs int    `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

func (SpeechStartedEvent) eventType() string { return EventSpeechStarted }

// SpeechStoppedEvent is emitted when server VAD detects silence.
type SpeechStoppedEvent struct {
	EventID    string `json:"event_id"`
	AudioEndMs int    `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

func (SpeechStoppedEvent) eventType() string { return EventSpeechStopped }

// TranscriptionDeltaEvent carries incremental speech-to-text for the
// user's turn.
type TranscriptionDeltaEvent struct {
	EventID    string `json:"event_id"`
	ItemID     string `json:"item_id"`
	ContentIdx int    `json:"content_index"`
	Delta      string `json:"delta"`
}

func (TranscriptionDeltaEvent) eventType() string { return EventTranscriptionDelta }

// TranscriptionCompletedEvent carries the final user transcript.
type TranscriptionCompletedEvent struct {
	EventID    string `json:"event_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

func (TranscriptionCompletedEvent) eventType() string { return EventTranscriptionCompleted }

// TranscriptionFailedEvent signals speech-to-text failed for one item.
type TranscriptionFailedEvent struct {
	EventID string `json:"event_id"`
	ItemID  string `json:"item_id"`
	Error   struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

func (TranscriptionFailedEvent) eventType() string { return EventTranscriptionFailed }

// AudioDeltaEvent carries one base64 PCM16 chunk of synthesized speech at
// the 24 kHz wire rate.
type AudioDeltaEvent struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

func (AudioDeltaEvent) eventType() string { return EventResponseAudioDelta }

// AudioTranscriptDeltaEvent carries incremental assistant text.
type AudioTranscriptDeltaEvent struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

func (AudioTranscriptDeltaEvent) eventType() string { return EventResponseAudioTranscript }

// AudioTranscriptDoneEvent carries the complete assistant text for a turn.
type AudioTranscriptDoneEvent struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

func (AudioTranscriptDoneEvent) eventType() string { return EventResponseAudioTranscriptDone }

// ResponseDoneEvent marks the end of a turn.
type ResponseDoneEvent struct {
	EventID  string `json:"event_id"`
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
}

func (ResponseDoneEvent) eventType() string { return EventResponseDone }

// ErrorEvent is a backend-reported API error.
type ErrorEvent struct {
	EventID string `json:"event_id"`
	Error   struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
		Param   string `json:"param,omitempty"`
	} `json:"error"`
}

func (ErrorEvent) eventType() string { return EventError }

// UnknownEvent holds events we don't recognize. Unknown types are logged
// and ignored so new backend events never crash the handler.
type UnknownEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Raw     json.RawMessage
}

func (e UnknownEvent) eventType() string { return e.Type }

// ParseEvent unmarshals JSON into the appropriate Event type.
func ParseEvent(data []byte) (Event, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, err
	}

	switch header.Type {
	case EventProxyConnected:
		var e ProxyConnectedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventProxyError:
		var e ProxyErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventProxyClosed:
		var e ProxyClosedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventSessionCreated:
		var e SessionCreatedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventSessionUpdated:
		var e SessionUpdatedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventSpeechStarted:
		var e SpeechStartedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventSpeechStopped:
		var e SpeechStoppedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTranscriptionDelta:
		var e TranscriptionDeltaEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTranscriptionCompleted:
		var e TranscriptionCompletedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTranscriptionFailed:
		var e TranscriptionFailedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventResponseAudioDelta:
		var e AudioDeltaEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventResponseAudioTranscript:
		var e AudioTranscriptDeltaEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventResponseAudioTranscriptDone:
		var e AudioTranscriptDoneEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventResponseDone:
		var e ResponseDoneEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventError:
		var e ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return UnknownEvent{Type: header.Type, Raw: data}, nil
	}
}
