package characters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/protocol"
)

// OpenAIImageClient generates portraits through an OpenAI-compatible
// image generation endpoint.
type OpenAIImageClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewOpenAIImageClient(cfg config.LLMConfig) *OpenAIImageClient {
	return &OpenAIImageClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *OpenAIImageClient) GeneratePortrait(ctx context.Context, description string) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":          "Anime style portrait icon. " + description,
		"size":            "1024x1024",
		"response_format": "b64_json",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: image backend returned %s", protocol.ErrUpstreamFailure, resp.Status)
	}

	var decoded struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode image response: %v", protocol.ErrUpstreamFailure, err)
	}
	if len(decoded.Data) == 0 || decoded.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("%w: empty image response", protocol.ErrUpstreamFailure)
	}
	return base64.StdEncoding.DecodeString(decoded.Data[0].B64JSON)
}

// MockImageClient returns a fixed payload, for development and tests.
type MockImageClient struct {
	PNG []byte
	Err error
}

func (m *MockImageClient) GeneratePortrait(ctx context.Context, description string) ([]byte, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.PNG) > 0 {
		return m.PNG, nil
	}
	return []byte("png"), nil
}
