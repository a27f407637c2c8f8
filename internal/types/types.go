// Package types provides shared type definitions for the application.
package types

import "time"

// ConnectionState describes the lifecycle of a tutoring session connection.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnFailed       ConnectionState = "failed"
)

// ResponseMode selects how the assistant answers: spoken audio, or compact
// text suitable for driving sign-language output.
type ResponseMode string

const (
	ModeVoice    ResponseMode = "voice"
	ModeSignText ResponseMode = "sign_text"
)

// Role identifies the author of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEntry is one turn-side of the conversation. Text grows in place
// while the backend streams deltas and is finalized when the turn completes
// or a new entry of the same role begins.
type TranscriptEntry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Final     bool      `json:"final"`
}

// SessionStatus is a point-in-time snapshot of a tutoring session for the UI.
type SessionStatus struct {
	State           ConnectionState `json:"state"`
	Mode            ResponseMode    `json:"mode"`
	Voice           string          `json:"voice"`
	Recording       bool            `json:"recording"`
	Listening       bool            `json:"listening"`  // user speech detected
	Processing      bool            `json:"processing"` // model composing a response
	Speaking        bool            `json:"speaking"`   // TTS audio arriving
	AudioLevel      int             `json:"audioLevel"` // 0-100 mic amplitude
	Duration        int64           `json:"duration"`   // seconds since connect
	TranscriptCount int             `json:"transcriptCount"`
}
