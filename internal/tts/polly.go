package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/protocol"
)

type pollyClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Polly synthesizes speech with Amazon Polly.
type Polly struct {
	client pollyClient
	voice  string
	engine pollytypes.Engine
	log    *slog.Logger
}

func NewPolly(ctx context.Context, cfg config.PollyConfig, log *slog.Logger) (*Polly, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newPollyWithClient(polly.NewFromConfig(awsCfg), cfg, log), nil
}

func newPollyWithClient(client pollyClient, cfg config.PollyConfig, log *slog.Logger) *Polly {
	engine := pollytypes.EngineStandard
	if strings.EqualFold(cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	return &Polly{
		client: client,
		voice:  cfg.Voice,
		engine: engine,
		log:    log.With(slog.String("component", "tts-polly")),
	}
}

func (p *Polly) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: empty synthesis text", protocol.ErrInvalidRequest)
	}

	voice := p.voice
	if req.Speaker != "" {
		voice = req.Speaker
	}

	input := &polly.SynthesizeSpeechInput{
		Engine:       p.engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &req.Text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice),
	}
	if req.Language != "" {
		input.LanguageCode = pollytypes.LanguageCode(req.Language)
	}

	output, err := p.client.SynthesizeSpeech(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			p.log.Warn("polly rejected synthesis",
				slog.String("code", apiErr.ErrorCode()),
				slog.String("message", apiErr.ErrorMessage()))
		}
		return nil, fmt.Errorf("%w: %v", protocol.ErrUpstreamFailure, err)
	}
	if output == nil || output.AudioStream == nil {
		return nil, fmt.Errorf("%w: empty audio stream", protocol.ErrUpstreamFailure)
	}
	defer output.AudioStream.Close()

	audio, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio stream: %v", protocol.ErrUpstreamFailure, err)
	}
	return audio, nil
}
