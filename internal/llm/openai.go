package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/protocol"
)

// maxToolRounds bounds how many times one turn may loop through tool
// execution before the response is forced to finish.
const maxToolRounds = 5

type openaiService struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
	log         *slog.Logger
	tools       []Tool
	history     *historyStore
}

// NewOpenAIService builds a Generator speaking the OpenAI-compatible
// streaming chat-completions protocol, with tool calling and
// per-context conversation history.
func NewOpenAIService(cfg config.LLMConfig, log *slog.Logger) *openaiService {
	return &openaiService{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		log:         log.With(slog.String("component", "llm-openai")),
		history:     newHistoryStore(time.Duration(cfg.ContextTimeoutS) * time.Second),
	}
}

// AddTool registers a tool the model may invoke.
func (s *openaiService) AddTool(t Tool) {
	s.tools = append(s.tools, t)
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []chatMessage    `json:"messages"`
	Temperature float64          `json:"temperature,omitempty"`
	Stream      bool             `json:"stream"`
	Tools       []map[string]any `json:"tools,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (s *openaiService) Generate(ctx context.Context, req Request, consumer func(Delta) error) error {
	contextID := req.ContextID
	if contextID == "" {
		contextID = "ctx_" + uuid.NewString()
	}
	if err := consumer(Delta{ContextID: contextID}); err != nil {
		return err
	}

	messages := []chatMessage{}
	if system := applyOverrides(req.System, req.Overrides); system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, s.history.Get(contextID)...)
	userMsg := chatMessage{Role: "user", Content: req.Text}
	messages = append(messages, userMsg)

	var turnMessages []chatMessage
	turnMessages = append(turnMessages, userMsg)

	for round := 0; round < maxToolRounds; round++ {
		content, calls, err := s.stream(ctx, messages, consumer)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			turnMessages = append(turnMessages, chatMessage{Role: "assistant", Content: content})
			s.history.Append(contextID, turnMessages...)
			return nil
		}

		assistant := chatMessage{Role: "assistant", Content: content, ToolCalls: calls}
		messages = append(messages, assistant)
		turnMessages = append(turnMessages, assistant)

		for _, call := range calls {
			report := &protocol.ToolCall{Name: call.Function.Name, Arguments: call.Function.Arguments}
			if err := consumer(Delta{ToolCall: report}); err != nil {
				return err
			}

			result := s.execute(ctx, call, req.Metadata)
			done := &protocol.ToolCall{Name: call.Function.Name, Arguments: call.Function.Arguments, Result: result}
			if err := consumer(Delta{ToolCall: done}); err != nil {
				return err
			}

			resultJSON, err := json.Marshal(result)
			if err != nil {
				resultJSON = []byte(`{}`)
			}
			toolMsg := chatMessage{Role: "tool", ToolCallID: call.ID, Content: string(resultJSON)}
			messages = append(messages, toolMsg)
			turnMessages = append(turnMessages, toolMsg)
		}
	}

	return fmt.Errorf("generation exceeded %d tool rounds: %w", maxToolRounds, protocol.ErrUpstreamFailure)
}

// execute runs one tool. Tool failures never abort the turn; the error
// is surfaced in the result payload and generation continues degraded.
func (s *openaiService) execute(ctx context.Context, call toolCall, meta map[string]any) map[string]any {
	for _, t := range s.tools {
		if t.Name != call.Function.Name {
			continue
		}
		result, err := t.Execute(ctx, json.RawMessage(call.Function.Arguments), meta)
		if err != nil {
			s.log.Warn("tool execution failed",
				slog.String("tool", t.Name),
				slog.String("error", err.Error()))
			return map[string]any{"error": err.Error()}
		}
		if result == nil {
			result = map[string]any{}
		}
		return result
	}
	s.log.Warn("model requested unknown tool", slog.String("tool", call.Function.Name))
	return map[string]any{"error": "unknown tool: " + call.Function.Name}
}

// stream performs one streaming chat-completions call, forwarding text
// fragments to consumer and returning accumulated content plus any tool
// calls requested by the model.
func (s *openaiService) stream(ctx context.Context, messages []chatMessage, consumer func(Delta) error) (string, []toolCall, error) {
	payload := chatRequest{
		Model:       s.model,
		Messages:    messages,
		Temperature: s.temperature,
		Stream:      true,
	}
	for _, t := range s.tools {
		payload.Tools = append(payload.Tools, t.spec())
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("%w: generation backend returned %s", protocol.ErrUpstreamFailure, resp.Status)
	}

	var content strings.Builder
	calls := map[int]*toolCall{}
	maxIndex := -1

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 512*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", nil, fmt.Errorf("%w: decode stream chunk: %v", protocol.ErrUpstreamFailure, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := consumer(Delta{Text: delta.Content}); err != nil {
				return "", nil, err
			}
		}
		for _, tc := range delta.ToolCalls {
			entry, ok := calls[tc.Index]
			if !ok {
				entry = &toolCall{Type: "function"}
				calls[tc.Index] = entry
				if tc.Index > maxIndex {
					maxIndex = tc.Index
				}
			}
			if tc.ID != "" {
				entry.ID = tc.ID
			}
			if tc.Function.Name != "" {
				entry.Function.Name = tc.Function.Name
			}
			entry.Function.Arguments += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("%w: read stream: %v", protocol.ErrUpstreamFailure, err)
	}

	var ordered []toolCall
	for i := 0; i <= maxIndex; i++ {
		if c, ok := calls[i]; ok {
			ordered = append(ordered, *c)
		}
	}
	return content.String(), ordered, nil
}
