package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/llm"
	"github.com/waifuos/waifud/internal/protocol"
	"github.com/waifuos/waifud/internal/stt"
	"github.com/waifuos/waifud/internal/tts"
)

// ContextStore is the slice of the session store the pipeline needs.
type ContextStore interface {
	GetContext(ctx context.Context, userID, sessionID string) (string, bool, error)
	PutContext(ctx context.Context, userID, sessionID, contextID string) error
}

// Profile is the active character's conversational configuration.
type Profile struct {
	CharacterID   string
	SystemPrompt  string
	SpeechService string
	Speaker       string
	Language      string
}

// CharacterSource resolves the active character for a user. A user
// with no active character gets the configured default prompt.
type CharacterSource interface {
	ActiveProfile(ctx context.Context, userID string) (Profile, bool, error)
}

// Publisher mirrors finished turns onto the bus, best effort.
// *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Pipeline drives one conversation turn through transcription,
// generation and synthesis, producing an ordered event stream.
type Pipeline struct {
	log         *slog.Logger
	recognizer  stt.Recognizer
	generator   llm.Generator
	synthesizer tts.Synthesizer
	contexts    ContextStore
	characters  CharacterSource
	publisher   Publisher

	systemPrompt string
	temperature  float64
	maxInflight  int
	turnTimeout  time.Duration
	clock        func() time.Time

	tracer  trace.Tracer
	metrics *turnMetrics
}

// Options carries the pipeline's collaborators. Recognizer, Characters
// and Publisher are optional.
type Options struct {
	Recognizer  stt.Recognizer
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Contexts    ContextStore
	Characters  CharacterSource
	Publisher   Publisher
}

func New(cfg config.Config, opts Options, log *slog.Logger) *Pipeline {
	maxInflight := cfg.Pipeline.MaxInflightSynthesis
	if maxInflight <= 0 {
		maxInflight = 1
	}
	metrics, err := newTurnMetrics()
	if err != nil {
		log.Warn("failed to initialize turn metrics", slog.String("error", err.Error()))
	}
	return &Pipeline{
		log:          log.With(slog.String("component", "pipeline")),
		recognizer:   opts.Recognizer,
		generator:    opts.Generator,
		synthesizer:  opts.Synthesizer,
		contexts:     opts.Contexts,
		characters:   opts.Characters,
		publisher:    opts.Publisher,
		systemPrompt: cfg.LLM.SystemPrompt,
		temperature:  cfg.LLM.Temperature,
		maxInflight:  maxInflight,
		turnTimeout:  time.Duration(cfg.Pipeline.TurnTimeoutMS) * time.Millisecond,
		clock:        time.Now,
		tracer:       otel.Tracer("github.com/waifuos/waifud/pipeline"),
		metrics:      metrics,
	}
}

// RunTurn executes one turn and delivers its events through emit in
// generation order. Request validation failures are returned before
// any event is emitted; once the stream is open every upstream failure
// becomes a single error event and a nil return. The returned error is
// non-nil only for invalid requests or a failing emitter.
func (p *Pipeline) RunTurn(ctx context.Context, req protocol.TurnRequest, emit func(protocol.TurnEvent) error) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if p.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.turnTimeout)
		defer cancel()
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.turn",
		trace.WithAttributes(attribute.String("session_id", req.SessionID)))
	defer span.End()

	start := p.clock()
	t := &turn{p: p, req: req, emit: emit, outcome: "ok"}
	err := t.run(ctx)
	if err != nil {
		t.outcome = "error"
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("outcome", t.outcome))
	p.metrics.observe(ctx, t.outcome, p.clock().Sub(start))
	return err
}

// Result is the aggregated outcome of a non-streamed turn.
type Result struct {
	Terminal protocol.TurnEvent   `json:"terminal"`
	Chunks   []protocol.TurnEvent `json:"chunks,omitempty"`
}

// RunTurnSync buffers the event stream and returns the terminal
// payload plus the chunk events that preceded it.
func (p *Pipeline) RunTurnSync(ctx context.Context, req protocol.TurnRequest) (Result, error) {
	var res Result
	err := p.RunTurn(ctx, req, func(ev protocol.TurnEvent) error {
		switch {
		case ev.Terminal():
			res.Terminal = ev
		case ev.Type == protocol.EventChunk:
			res.Chunks = append(res.Chunks, ev)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// turn holds the mutable state of one RunTurn call.
type turn struct {
	p    *Pipeline
	req  protocol.TurnRequest
	emit func(protocol.TurnEvent) error

	contextID string
	profile   Profile
	outcome   string
}

func (t *turn) event(kind string) protocol.TurnEvent {
	return protocol.TurnEvent{
		Type:      kind,
		SessionID: t.req.SessionID,
		UserID:    t.req.UserID,
		ContextID: t.contextID,
	}
}

func (t *turn) fail(msg string, err error) error {
	t.outcome = "error"
	t.p.log.Warn("turn failed",
		slog.String("session_id", t.req.SessionID),
		slog.String("user_id", t.req.UserID),
		slog.String("error", err.Error()))
	ev := t.event(protocol.EventError)
	ev.Text = msg
	return t.emit(ev)
}

func (t *turn) stop() error {
	t.outcome = "stopped"
	return t.emit(t.event(protocol.EventStop))
}

func (t *turn) run(ctx context.Context) error {
	text := t.req.Text

	// Step 1: transcription, when the turn arrived as audio only.
	if text == "" && len(t.req.AudioData) > 0 {
		if t.p.recognizer == nil {
			return t.fail("transcription is not configured", protocol.ErrUpstreamFailure)
		}
		res, err := t.p.recognizer.Transcribe(ctx, t.req.AudioData, t.req.SessionID)
		if err != nil {
			return t.fail("transcription failed", err)
		}
		text = res.Text
	}
	if ctx.Err() != nil {
		return t.stop()
	}

	// Step 2: continuity and active character resolution. An explicit
	// token on the request wins over the stored one.
	t.contextID = t.req.ContextID
	if t.contextID == "" && t.p.contexts != nil {
		stored, ok, err := t.p.contexts.GetContext(ctx, t.req.UserID, t.req.SessionID)
		if err != nil {
			return t.fail("context lookup failed", err)
		}
		if ok {
			t.contextID = stored
		}
	}
	t.profile = Profile{SystemPrompt: t.p.systemPrompt}
	if t.p.characters != nil {
		profile, ok, err := t.p.characters.ActiveProfile(ctx, t.req.UserID)
		if err != nil {
			return t.fail("character lookup failed", err)
		}
		if ok {
			t.profile = profile
		}
	}

	if err := t.emit(t.event(protocol.EventStart)); err != nil {
		return err
	}

	// Step 3: generation with pipelined synthesis behind a reorder
	// buffer, so chunk order matches generation order even when
	// synthesis completes out of order.
	fullText, err := t.generate(ctx, text)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return t.stop()
		}
		var emitErr *emitFailure
		if errors.As(err, &emitErr) {
			return emitErr.err
		}
		return t.fail("generation failed", err)
	}
	if ctx.Err() != nil {
		return t.stop()
	}

	// Step 4: persist continuity, then the terminal event.
	if t.contextID != "" && t.p.contexts != nil {
		if err := t.p.contexts.PutContext(ctx, t.req.UserID, t.req.SessionID, t.contextID); err != nil {
			return t.fail("context persistence failed", err)
		}
	}

	cleaned, visionID := extractVision(fullText)
	terminal := t.event(protocol.EventFinal)
	terminal.Text = cleaned
	if visionID != "" {
		terminal.Type = protocol.EventVision
		terminal.Metadata = map[string]any{"vision_id": visionID}
	}
	if err := t.emit(terminal); err != nil {
		return err
	}

	t.record(text, cleaned)
	return nil
}

// emitFailure marks an error that came from the emitter rather than an
// upstream adapter, so run does not wrap it into an error event.
type emitFailure struct{ err error }

func (e *emitFailure) Error() string { return e.err.Error() }

// generate consumes the generator's delta stream, cutting text into
// speech units, dispatching bounded concurrent synthesis, and feeding
// everything through the reorder buffer. Tool call events occupy
// sequence slots too, so interleaving order is exactly generation
// order.
func (t *turn) generate(ctx context.Context, text string) (string, error) {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	buffer := newReorderBuffer(t.emit)
	sem := make(chan struct{}, t.p.maxInflight)
	var wg sync.WaitGroup
	var seq int
	var seg segmenter
	var full strings.Builder

	var asyncMu sync.Mutex
	var asyncErr error
	report := func(err error) {
		asyncMu.Lock()
		if asyncErr == nil {
			asyncErr = err
		}
		asyncMu.Unlock()
		cancel()
	}

	// dispatch runs on the consumer goroutine only, so slot assignment
	// and the chunk's context id snapshot are race free.
	dispatch := func(raw string) {
		slot := seq
		seq++
		unit := parseUnit(raw)
		ev := t.event(protocol.EventChunk)
		ev.Text = unit.Text
		ev.VoiceText = unit.Voice
		ev.Language = unit.Language
		if ev.Language == "" {
			ev.Language = t.profile.Language
		}
		ev.AvatarControl = unit.Avatar

		if unit.Voice == "" {
			// Nothing speakable; skip synthesis, keep the slot.
			if err := buffer.Put(slot, ev); err != nil {
				report(&emitFailure{err: err})
			}
			return
		}

		select {
		case sem <- struct{}{}:
		case <-genCtx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			audio, err := t.p.synthesizer.Synthesize(genCtx, tts.Request{
				Text:     unit.Voice,
				Service:  t.profile.SpeechService,
				Speaker:  t.profile.Speaker,
				Language: ev.Language,
			})
			if err != nil {
				report(err)
				return
			}
			ev.AudioData = audio
			if err := buffer.Put(slot, ev); err != nil {
				report(&emitFailure{err: err})
			}
		}()
	}

	meta := map[string]any{
		"user_id":    t.req.UserID,
		"session_id": t.req.SessionID,
	}
	if t.profile.CharacterID != "" {
		meta["character_id"] = t.profile.CharacterID
	}
	for k, v := range t.req.Metadata {
		meta[k] = v
	}

	genErr := t.p.generator.Generate(genCtx, llm.Request{
		ContextID:   t.contextID,
		Text:        text,
		System:      t.profile.SystemPrompt,
		Temperature: t.p.temperature,
		Overrides:   t.req.SystemPromptParams,
		Metadata:    meta,
	}, func(d llm.Delta) error {
		if err := genCtx.Err(); err != nil {
			return err
		}
		switch {
		case d.ContextID != "":
			t.contextID = d.ContextID
		case d.ToolCall != nil:
			ev := t.event(protocol.EventToolCall)
			ev.Metadata = map[string]any{"tool_call": d.ToolCall}
			slot := seq
			seq++
			if err := buffer.Put(slot, ev); err != nil {
				return &emitFailure{err: err}
			}
		case d.Text != "":
			full.WriteString(d.Text)
			for _, raw := range seg.Feed(d.Text) {
				dispatch(raw)
			}
		}
		return nil
	})

	if genErr == nil {
		if remainder, ok := seg.Flush(); ok {
			dispatch(remainder)
		}
	}
	wg.Wait()

	asyncMu.Lock()
	err := asyncErr
	asyncMu.Unlock()

	// A synthesis or emit failure cancels generation; report the root
	// cause, not the resulting context cancellation.
	if err != nil {
		return "", err
	}
	if genErr != nil {
		return "", genErr
	}
	if err := buffer.Err(); err != nil {
		return "", &emitFailure{err: err}
	}
	return full.String(), nil
}

func (t *turn) record(request, response string) {
	if t.p.publisher == nil {
		return
	}
	rec := protocol.TurnRecord{
		SessionID:   t.req.SessionID,
		UserID:      t.req.UserID,
		CharacterID: t.profile.CharacterID,
		ContextID:   t.contextID,
		Request:     request,
		Response:    response,
		Timestamp:   t.p.clock(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := t.p.publisher.Publish(protocol.SubjectTurnFinished, data); err != nil {
		t.p.log.Debug("turn record publish failed", slog.String("error", err.Error()))
	}
}
