package stt

import (
	"context"
)

// SpeakerCandidate is one scored match from speaker recognition.
type SpeakerCandidate struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// SpeakerMatch reports which enrolled speaker the audio most likely
// belongs to. NewSpeaker is set when no candidate cleared the
// recognition threshold.
type SpeakerMatch struct {
	Chosen     string             `json:"chosen,omitempty"`
	Candidates []SpeakerCandidate `json:"candidates,omitempty"`
	NewSpeaker bool               `json:"new_speaker,omitempty"`
}

// Result is one completed transcription.
type Result struct {
	Text                string         `json:"text"`
	PreprocessMetadata  map[string]any `json:"preprocess_metadata,omitempty"`
	PostprocessMetadata map[string]any `json:"postprocess_metadata,omitempty"`
	SpeakerMatch        *SpeakerMatch  `json:"speaker_match,omitempty"`
}

// Recognizer turns raw audio into text.
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte, sessionID string) (Result, error)
}
