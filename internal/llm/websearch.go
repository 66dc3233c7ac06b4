package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/protocol"
)

const webSearchSystemPrompt = "Search the web to answer the user's query. Base your response strictly on the search results, and do not include your own opinions."

// WebSearcher answers a query from live web results.
type WebSearcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// WebSearchClient runs a non-streaming chat-completions call against a
// search-capable model.
type WebSearchClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	log      *slog.Logger
}

func NewWebSearchClient(cfg config.LLMConfig, log *slog.Logger) *WebSearchClient {
	return &WebSearchClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.SearchModel,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		log:      log.With(slog.String("component", "llm-websearch")),
	}
}

func (c *WebSearchClient) Search(ctx context.Context, query string) (string, error) {
	payload := map[string]any{
		"model": c.model,
		"web_search_options": map[string]any{
			"search_context_size": "medium",
		},
		"messages": []map[string]string{
			{"role": "system", "content": webSearchSystemPrompt},
			{"role": "user", "content": "Search: " + query},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: search backend returned %s", protocol.ErrUpstreamFailure, resp.Status)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode search response: %v", protocol.ErrUpstreamFailure, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: search backend returned no choices", protocol.ErrUpstreamFailure)
	}
	return parsed.Choices[0].Message.Content, nil
}

// WebSearchTool lets the model look up current information on the web.
func WebSearchTool(searcher WebSearcher) Tool {
	return Tool{
		Name:        "web_search",
		Description: "Search the web for current information. Call this when the user asks about news, facts, or anything you are not sure about.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"query":{"type":"string","description":"What to search for"}
		},"required":["query"]}`),
		Execute: func(ctx context.Context, args json.RawMessage, meta map[string]any) (map[string]any, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			result, err := searcher.Search(ctx, params.Query)
			if err != nil {
				return nil, err
			}
			return map[string]any{"search_result": result}, nil
		},
	}
}
