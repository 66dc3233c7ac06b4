package llm

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// MockGenerator is a deterministic Generator for development and tests.
// It streams its reply word by word so downstream consumers exercise
// the same chunked path a real backend produces.
type MockGenerator struct {
	// Reply overrides the default echo response when non-empty.
	Reply string
}

func (m *MockGenerator) Generate(ctx context.Context, req Request, consumer func(Delta) error) error {
	contextID := req.ContextID
	if contextID == "" {
		contextID = "ctx_" + uuid.NewString()
	}
	if err := consumer(Delta{ContextID: contextID}); err != nil {
		return err
	}

	reply := m.Reply
	if reply == "" {
		reply = "You said: " + req.Text + "。"
	}
	for _, word := range strings.SplitAfter(reply, " ") {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if word == "" {
			continue
		}
		if err := consumer(Delta{Text: word}); err != nil {
			return err
		}
	}
	return nil
}
