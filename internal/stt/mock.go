package stt

import (
	"context"
	"fmt"

	"github.com/waifuos/waifud/internal/protocol"
)

// MockRecognizer returns a fixed transcript without touching any
// backend.
type MockRecognizer struct {
	Text string
}

func (m *MockRecognizer) Transcribe(ctx context.Context, audio []byte, sessionID string) (Result, error) {
	if len(audio) == 0 {
		return Result{}, fmt.Errorf("%w: empty audio payload", protocol.ErrInvalidRequest)
	}
	text := m.Text
	if text == "" {
		text = "hello"
	}
	return Result{Text: text}, nil
}
