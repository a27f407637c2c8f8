package realtime

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
}

// Transcription selects the speech-to-text model for user audio, optionally
// biased toward a BCP 47 language.
type Transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// SessionParams is the session.update payload negotiated with the backend.
type SessionParams struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens,omitempty"`
}

// ContentPart is one element of an injected user message: text or an image.
type ContentPart struct {
	Type  string `json:"type"` // "input_text" or "input_image"
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// Item is an outbound conversation item with a caller-supplied correlation id.
type Item struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Event Builders
// ─────────────────────────────────────────────────────────────────────────────

// EventSessionUpdate creates a session.update event.
func EventSessionUpdate(params SessionParams) map[string]any {
	return map[string]any{
		"type":    "session.update",
		"session": params,
	}
}

// EventInputAudioBufferAppend creates an input_audio_buffer.append event.
// audioBase64 is base64-encoded PCM16 at the 24 kHz wire rate.
func EventInputAudioBufferAppend(audioBase64 string) map[string]any {
	return map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audioBase64,
	}
}

// EventConversationItemCreate creates a conversation.item.create event.
func EventConversationItemCreate(item Item) map[string]any {
	return map[string]any{
		"type": "conversation.item.create",
		"item": item,
	}
}

// EventResponseCreate creates a response.create event.
func EventResponseCreate() map[string]any {
	return map[string]any{
		"type": "response.create",
	}
}
