package llm

import (
	"sync"
	"time"
)

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// historyStore keeps per-context conversation history in memory with
// lazy timeout eviction. The continuity token is the only handle
// callers ever see; history behind an expired token simply restarts.
type historyStore struct {
	mu      sync.Mutex
	timeout time.Duration
	clock   func() time.Time
	entries map[string]*historyEntry
}

type historyEntry struct {
	messages []chatMessage
	touched  time.Time
}

func newHistoryStore(timeout time.Duration) *historyStore {
	return &historyStore{
		timeout: timeout,
		clock:   time.Now,
		entries: make(map[string]*historyEntry),
	}
}

func (h *historyStore) Get(contextID string) []chatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[contextID]
	if !ok {
		return nil
	}
	if h.timeout > 0 && h.clock().Sub(e.touched) > h.timeout {
		delete(h.entries, contextID)
		return nil
	}
	e.touched = h.clock()
	out := make([]chatMessage, len(e.messages))
	copy(out, e.messages)
	return out
}

func (h *historyStore) Append(contextID string, msgs ...chatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[contextID]
	if !ok {
		e = &historyEntry{}
		h.entries[contextID] = e
	}
	e.messages = append(e.messages, msgs...)
	e.touched = h.clock()
}
