package llm

import (
	"context"

	"github.com/waifuos/waifud/internal/protocol"
)

// Request describes one generation call.
type Request struct {
	ContextID   string
	Text        string
	System      string
	Temperature float64
	// Overrides carries caller-supplied prompt-override parameters,
	// substituted into {placeholder} slots of the system prompt.
	Overrides map[string]any
	// Metadata is passed to tool executions (user_id, session_id).
	Metadata map[string]any
}

// Delta is one element of the incremental generation stream. Exactly
// one field group is set per delta: a text fragment, a tool call
// report, or the continuity token for this generation run.
type Delta struct {
	Text      string
	ToolCall  *protocol.ToolCall
	ContextID string
}

// Generator is the pluggable generation backend. Implementations call
// consumer for each delta in generation order and stop on its error.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Delta) error) error
}
