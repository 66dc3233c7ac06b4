package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/protocol"
)

// Gateway transcribes audio through an HTTP speech-to-text service.
type Gateway struct {
	endpoint string
	apiKey   string
	language string
	client   *http.Client
	log      *slog.Logger
}

func NewGateway(cfg config.STTConfig, log *slog.Logger) *Gateway {
	return &Gateway{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		language: cfg.Language,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		log:      log.With(slog.String("component", "stt-gateway")),
	}
}

type gatewayResponse struct {
	Text                string         `json:"text"`
	PreprocessMetadata  map[string]any `json:"preprocess_metadata"`
	PostprocessMetadata map[string]any `json:"postprocess_metadata"`
	SpeakerMatch        *SpeakerMatch  `json:"speaker_match"`
}

func (g *Gateway) Transcribe(ctx context.Context, audio []byte, sessionID string) (Result, error) {
	if len(audio) == 0 {
		return Result{}, fmt.Errorf("%w: empty audio payload", protocol.ErrInvalidRequest)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(audio); err != nil {
		return Result{}, err
	}
	if g.language != "" {
		if err := form.WriteField("language", g.language); err != nil {
			return Result{}, err
		}
	}
	if sessionID != "" {
		if err := form.WriteField("session_id", sessionID); err != nil {
			return Result{}, err
		}
	}
	if err := form.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/transcribe", &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("%w: transcription backend returned %s", protocol.ErrUpstreamFailure, resp.Status)
	}

	var decoded gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("%w: decode transcription response: %v", protocol.ErrUpstreamFailure, err)
	}

	g.log.Debug("transcription complete",
		slog.String("session_id", sessionID),
		slog.Int("audio_bytes", len(audio)),
		slog.Duration("elapsed", time.Since(start)))

	return Result{
		Text:                decoded.Text,
		PreprocessMetadata:  decoded.PreprocessMetadata,
		PostprocessMetadata: decoded.PostprocessMetadata,
		SpeakerMatch:        decoded.SpeakerMatch,
	}, nil
}
