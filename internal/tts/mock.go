package tts

import (
	"context"
	"fmt"
	"strings"

	"github.com/waifuos/waifud/internal/protocol"
)

// MockSynthesizer returns a deterministic payload derived from the
// input text so tests can assert ordering without real audio.
type MockSynthesizer struct{}

func (m *MockSynthesizer) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: empty synthesis text", protocol.ErrInvalidRequest)
	}
	return []byte("audio:" + req.Text), nil
}
