package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/protocol"
)

func sseBody(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: " + c + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func textChunk(text string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, text)
}

func newTestService(t *testing.T, handler http.HandlerFunc) *openaiService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIService(config.LLMConfig{
		Mode:            "openai",
		Endpoint:        srv.URL,
		Model:           "test-model",
		ContextTimeoutS: 3600,
		TimeoutMS:       5000,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func collect(t *testing.T, g Generator, req Request) []Delta {
	t.Helper()
	var deltas []Delta
	err := g.Generate(context.Background(), req, func(d Delta) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return deltas
}

func TestOpenAIStreamsText(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody(textChunk("Hello "), textChunk("world。")))
	})

	deltas := collect(t, svc, Request{Text: "hi"})

	if deltas[0].ContextID == "" || !strings.HasPrefix(deltas[0].ContextID, "ctx_") {
		t.Fatalf("first delta should carry a fresh context id, got %+v", deltas[0])
	}
	var text strings.Builder
	for _, d := range deltas[1:] {
		text.WriteString(d.Text)
	}
	if got := text.String(); got != "Hello world。" {
		t.Fatalf("streamed text = %q", got)
	}
}

func TestOpenAIKeepsHistoryAcrossTurns(t *testing.T) {
	var mu sync.Mutex
	var requests []chatRequest
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		io.WriteString(w, sseBody(textChunk("ok")))
	})

	first := collect(t, svc, Request{Text: "remember the number 7", System: "be brief"})
	contextID := first[0].ContextID
	collect(t, svc, Request{ContextID: contextID, Text: "what number?", System: "be brief"})

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("expected 2 backend calls, got %d", len(requests))
	}
	second := requests[1].Messages
	// system + prior user + prior assistant + new user
	if len(second) != 4 {
		t.Fatalf("second call carried %d messages: %+v", len(second), second)
	}
	if second[1].Content != "remember the number 7" || second[2].Role != "assistant" {
		t.Fatalf("history not replayed: %+v", second)
	}
}

func TestOverridesSubstitutedIntoSystemPrompt(t *testing.T) {
	var mu sync.Mutex
	var requests []chatRequest
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		io.WriteString(w, sseBody(textChunk("ok")))
	})

	collect(t, svc, Request{
		Text:      "hi",
		System:    "You are {user_name}'s waifu. Call them {user_name}.",
		Overrides: map[string]any{"user_name": "Mika"},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 1 || len(requests[0].Messages) == 0 {
		t.Fatalf("backend calls = %+v", requests)
	}
	system := requests[0].Messages[0]
	if system.Role != "system" || system.Content != "You are Mika's waifu. Call them Mika." {
		t.Fatalf("system message = %+v", system)
	}
}

func TestApplyOverridesLeavesUnknownPlaceholders(t *testing.T) {
	got := applyOverrides("hello {user_name} and {other}", map[string]any{"user_name": "Rin"})
	if got != "hello Rin and {other}" {
		t.Fatalf("applyOverrides = %q", got)
	}
	if got := applyOverrides("plain", nil); got != "plain" {
		t.Fatalf("no-override case = %q", got)
	}
}

func TestOpenAIToolLoop(t *testing.T) {
	var calls int
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			io.WriteString(w, sseBody(
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_current_datetime","arguments":""}}]}}]}`,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`,
			))
			return
		}
		io.WriteString(w, sseBody(textChunk("It is noon。")))
	})
	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	svc.AddTool(DatetimeTool(func() time.Time { return fixed }))

	deltas := collect(t, svc, Request{Text: "what time is it?"})

	var pending, completed int
	for _, d := range deltas {
		if d.ToolCall == nil {
			continue
		}
		if d.ToolCall.Result == nil {
			pending++
		} else {
			completed++
			if d.ToolCall.Result["datetime"] != fixed.Format(time.RFC3339) {
				t.Fatalf("tool result = %+v", d.ToolCall.Result)
			}
		}
	}
	if pending != 1 || completed != 1 {
		t.Fatalf("tool call deltas: pending=%d completed=%d", pending, completed)
	}
	last := deltas[len(deltas)-1]
	if last.Text != "It is noon。" {
		t.Fatalf("final text delta = %+v", last)
	}
	if calls != 2 {
		t.Fatalf("backend called %d times", calls)
	}
}

func TestOpenAIToolErrorContinuesTurn(t *testing.T) {
	var calls int
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			io.WriteString(w, sseBody(
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"broken","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`,
			))
			return
		}
		io.WriteString(w, sseBody(textChunk("carrying on")))
	})
	svc.AddTool(Tool{
		Name: "broken",
		Execute: func(ctx context.Context, args json.RawMessage, meta map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("backend unavailable")
		},
	})

	deltas := collect(t, svc, Request{Text: "go"})

	var sawError bool
	for _, d := range deltas {
		if d.ToolCall != nil && d.ToolCall.Result != nil {
			if d.ToolCall.Result["error"] != "backend unavailable" {
				t.Fatalf("tool error result = %+v", d.ToolCall.Result)
			}
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("tool failure was not surfaced in the result payload")
	}
	if got := deltas[len(deltas)-1].Text; got != "carrying on" {
		t.Fatalf("turn did not continue after tool failure, last delta %q", got)
	}
}

func TestOpenAIBackendErrorWrapped(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	err := svc.Generate(context.Background(), Request{Text: "hi"}, func(Delta) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestMockGeneratorIssuesContextID(t *testing.T) {
	deltas := collect(t, &MockGenerator{}, Request{Text: "ping"})
	if !strings.HasPrefix(deltas[0].ContextID, "ctx_") {
		t.Fatalf("first delta = %+v", deltas[0])
	}
	var text strings.Builder
	for _, d := range deltas[1:] {
		text.WriteString(d.Text)
	}
	if !strings.Contains(text.String(), "ping") {
		t.Fatalf("mock reply = %q", text.String())
	}
}

func TestWebSearchToolQueriesBackend(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"weather is sunny"}}]}`)
	}))
	t.Cleanup(srv.Close)

	client := NewWebSearchClient(config.LLMConfig{
		Endpoint:    srv.URL,
		SearchModel: "search-model",
		TimeoutMS:   5000,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tool := WebSearchTool(client)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"weather in tokyo"}`), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["search_result"] != "weather is sunny" {
		t.Fatalf("result = %+v", result)
	}
	if captured["model"] != "search-model" {
		t.Fatalf("model = %v", captured["model"])
	}
	if _, ok := captured["web_search_options"]; !ok {
		t.Fatalf("request missing web_search_options: %+v", captured)
	}
}

func TestWebSearchBackendErrorWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client := NewWebSearchClient(config.LLMConfig{Endpoint: srv.URL, SearchModel: "m", TimeoutMS: 5000},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := client.Search(context.Background(), "q"); !errors.Is(err, protocol.ErrUpstreamFailure) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestHistoryExpires(t *testing.T) {
	h := newHistoryStore(time.Minute)
	now := time.Unix(1000, 0)
	h.clock = func() time.Time { return now }

	h.Append("ctx_a", chatMessage{Role: "user", Content: "hi"})
	if got := h.Get("ctx_a"); len(got) != 1 {
		t.Fatalf("fresh history lost: %+v", got)
	}

	now = now.Add(2 * time.Minute)
	if got := h.Get("ctx_a"); got != nil {
		t.Fatalf("expired history survived: %+v", got)
	}
}
