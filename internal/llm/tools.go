package llm

import (
	"context"
	"encoding/json"
)

// ToolFunc executes a tool invocation. meta carries turn identity
// (user_id, session_id) so tools can act on behalf of the requester.
type ToolFunc func(ctx context.Context, args json.RawMessage, meta map[string]any) (map[string]any, error)

// Tool is a function the generation backend may invoke mid-turn.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema object describing the arguments.
	Parameters json.RawMessage
	Execute    ToolFunc
}

func (t Tool) spec() map[string]any {
	params := json.RawMessage(`{"type":"object","properties":{}}`)
	if len(t.Parameters) > 0 {
		params = t.Parameters
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  params,
		},
	}
}
