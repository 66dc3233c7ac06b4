package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/protocol"
)

// Gateway synthesizes speech through an HTTP speech-gateway service.
type Gateway struct {
	endpoint string
	apiKey   string
	service  string
	speaker  string
	client   *http.Client
	log      *slog.Logger
}

func NewGateway(cfg config.TTSConfig, log *slog.Logger) *Gateway {
	return &Gateway{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		service:  cfg.Service,
		speaker:  cfg.Speaker,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		log:      log.With(slog.String("component", "tts-gateway")),
	}
}

func (g *Gateway) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: empty synthesis text", protocol.ErrInvalidRequest)
	}

	service := req.Service
	if service == "" {
		service = g.service
	}
	speaker := req.Speaker
	if speaker == "" {
		speaker = g.speaker
	}

	payload := map[string]string{"text": req.Text}
	if service != "" {
		payload["service_name"] = service
	}
	if speaker != "" {
		payload["speaker"] = speaker
	}
	if req.Language != "" {
		payload["language"] = req.Language
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/tts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: synthesis backend returned %s", protocol.ErrUpstreamFailure, resp.Status)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read synthesis response: %v", protocol.ErrUpstreamFailure, err)
	}

	g.log.Debug("synthesis complete",
		slog.Int("text_chars", len(req.Text)),
		slog.Int("audio_bytes", len(audio)),
		slog.Duration("elapsed", time.Since(start)))
	return audio, nil
}
