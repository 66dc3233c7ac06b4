package protocol

import (
	"errors"
	"strings"
	"time"
)

// Event kinds carried on a turn stream. A turn emits exactly one
// EventStart, any number of EventChunk/EventToolCall in generation
// order, then exactly one terminal event (final, vision, error or stop).
const (
	EventStart    = "start"
	EventChunk    = "chunk"
	EventToolCall = "tool_call"
	EventVision   = "vision"
	EventFinal    = "final"
	EventError    = "error"
	EventStop     = "stop"
)

// RequestTypeStart is the fixed literal marking a new turn request.
const RequestTypeStart = "start"

// Failure taxonomy shared across the daemon.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrNotFound        = errors.New("not found")
	ErrExpired         = errors.New("expired")
	ErrAlreadyUsed     = errors.New("already used")
	ErrUnauthorized    = errors.New("unauthorized")
)

// TurnRequest is one conversation turn sent by a client.
type TurnRequest struct {
	Type               string           `json:"type"`
	SessionID          string           `json:"session_id"`
	UserID             string           `json:"user_id"`
	ContextID          string           `json:"context_id,omitempty"`
	Text               string           `json:"text,omitempty"`
	AudioData          []byte           `json:"audio_data,omitempty"`
	Files              []FileAttachment `json:"files,omitempty"`
	SystemPromptParams map[string]any   `json:"system_prompt_params,omitempty"`
	Metadata           map[string]any   `json:"metadata,omitempty"`
	Stream             *bool            `json:"stream,omitempty"`
}

// FileAttachment is an opaque auxiliary payload attached to a turn.
type FileAttachment struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Streaming reports whether the caller asked for a streamed response.
// Streaming is the default.
func (r TurnRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// Validate rejects a request before any upstream call is made.
func (r TurnRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.Join(ErrInvalidRequest, errors.New("user_id is required"))
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return errors.Join(ErrInvalidRequest, errors.New("session_id is required"))
	}
	if strings.TrimSpace(r.Text) == "" && len(r.AudioData) == 0 {
		return errors.Join(ErrInvalidRequest, errors.New("either text or audio_data is required"))
	}
	return nil
}

// AvatarControl asks the client to play an animation or facial expression
// alongside a chunk.
type AvatarControl struct {
	AnimationName     string  `json:"animation_name,omitempty"`
	AnimationDuration float64 `json:"animation_duration,omitempty"`
	FaceName          string  `json:"face_name,omitempty"`
	FaceDuration      float64 `json:"face_duration,omitempty"`
}

// ToolCall describes a tool invocation surfaced by the generation engine.
// Result is nil while the invocation is still in flight.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments string         `json:"arguments,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// TurnEvent is the discriminated variant streamed back to the client.
type TurnEvent struct {
	Type          string         `json:"type"`
	SessionID     string         `json:"session_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	ContextID     string         `json:"context_id,omitempty"`
	Text          string         `json:"text,omitempty"`
	VoiceText     string         `json:"voice_text,omitempty"`
	Language      string         `json:"language,omitempty"`
	AvatarControl *AvatarControl `json:"avatar_control_request,omitempty"`
	AudioData     []byte         `json:"audio_data,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether the event closes its stream.
func (e TurnEvent) Terminal() bool {
	switch e.Type {
	case EventFinal, EventVision, EventError, EventStop:
		return true
	}
	return false
}

// TurnRecord is published on the bus when a turn finishes, for
// observers such as the conversation memory recorder.
type TurnRecord struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	CharacterID string    `json:"character_id,omitempty"`
	ContextID   string    `json:"context_id,omitempty"`
	Request     string    `json:"request"`
	Response    string    `json:"response"`
	Timestamp   time.Time `json:"timestamp"`
}

// CharacterActivated is broadcast when the active character changes.
type CharacterActivated struct {
	CharacterID   string    `json:"character_id"`
	PriorID       string    `json:"prior_id,omitempty"`
	SpeechService string    `json:"speech_service,omitempty"`
	Speaker       string    `json:"speaker,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Bus subjects.
const (
	SubjectTurnFinished       = "waifu.turn.finished"
	SubjectCharacterActivated = "waifu.character.activated"
)
