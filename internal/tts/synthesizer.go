package tts

import (
	"context"
)

// Request describes one synthesis call. Service and Speaker override
// the configured defaults when set.
type Request struct {
	Text     string
	Service  string
	Speaker  string
	Language string
}

// Synthesizer turns text into an encoded audio payload.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}
