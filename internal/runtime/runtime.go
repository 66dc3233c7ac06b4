package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/waifuos/waifud/internal/bridge"
	"github.com/waifuos/waifud/internal/bus"
	"github.com/waifuos/waifud/internal/characters"
	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/contextstore"
	"github.com/waifuos/waifud/internal/httpapi"
	"github.com/waifuos/waifud/internal/llm"
	"github.com/waifuos/waifud/internal/memory"
	"github.com/waifuos/waifud/internal/natsserver"
	"github.com/waifuos/waifud/internal/pipeline"
	"github.com/waifuos/waifud/internal/stt"
	"github.com/waifuos/waifud/internal/tts"
)

// Runtime owns the full service wiring: telemetry, bus, stores,
// inference adapters, the turn pipeline and the HTTP surface.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	closers    []func()
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves HTTP until ctx is cancelled,
// then shuts everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	defer r.closeAll()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS server: %w", err)
	}
	if embedded != nil {
		r.closers = append(r.closers, embedded.Shutdown)
	}

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to message bus: %w", err)
	}
	r.closers = append(r.closers, busClient.Close)

	contexts, err := contextstore.Open(ctx, r.cfg.ContextStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open context store: %w", err)
	}
	r.closers = append(r.closers, func() {
		if err := contexts.Close(); err != nil {
			r.logger.Error("context store close error", slog.String("error", err.Error()))
		}
	})

	registry, err := characters.Open(ctx, r.cfg.Characters, busClient.Conn(), r.logger)
	if err != nil {
		return fmt.Errorf("failed to open character registry: %w", err)
	}
	r.closers = append(r.closers, func() {
		if err := registry.Close(); err != nil {
			r.logger.Error("character registry close error", slog.String("error", err.Error()))
		}
	})

	var memStore *memory.Store
	if r.cfg.Memory.Enabled {
		memStore, err = memory.Open(ctx, r.cfg.Memory, r.logger)
		if err != nil {
			return fmt.Errorf("failed to open memory store: %w", err)
		}
		r.closers = append(r.closers, func() {
			if err := memStore.Close(); err != nil {
				r.logger.Error("memory store close error", slog.String("error", err.Error()))
			}
		})
	}

	recognizer := r.buildRecognizer()
	generator := r.buildGenerator(contexts, memStore)
	synthesizer, err := r.buildSynthesizer(ctx)
	if err != nil {
		return err
	}

	bridgeStore, err := r.buildBridgeStore(ctx)
	if err != nil {
		return err
	}
	bridgeService := bridge.NewService(bridgeStore, r.logger)

	var images characters.ImageClient
	if r.cfg.LLM.Mode == "openai" {
		images = characters.NewOpenAIImageClient(r.cfg.LLM)
	}
	creator := characters.NewCreator(registry, generator, images, r.logger)

	var searcher llm.WebSearcher
	if r.cfg.LLM.Mode == "openai" {
		searcher = llm.NewWebSearchClient(r.cfg.LLM, r.logger)
	}
	diarist := characters.NewDiarist(registry, generator, searcher, r.logger)

	turns := pipeline.New(r.cfg, pipeline.Options{
		Recognizer:  recognizer,
		Generator:   generator,
		Synthesizer: synthesizer,
		Contexts:    contexts,
		Characters:  &characterSource{registry: registry, language: r.cfg.STT.Language},
		Publisher:   busClient.Conn(),
	}, r.logger)

	if memStore != nil {
		recorder := memory.NewRecorder(memStore, r.logger)
		if err := recorder.Start(busClient.Conn()); err != nil {
			return fmt.Errorf("failed to start memory recorder: %w", err)
		}
		r.closers = append(r.closers, func() {
			if err := recorder.Close(); err != nil {
				r.logger.Error("memory recorder close error", slog.String("error", err.Error()))
			}
		})
	}

	api := httpapi.NewServer(r.cfg.HTTP, httpapi.Deps{
		Pipeline:    turns,
		Contexts:    contexts,
		Characters:  registry,
		Creator:     creator,
		Bridge:      bridgeService,
		Recognizer:  recognizer,
		Synthesizer: synthesizer,
		Metrics:     metricsHandler,
		Ready:       r.ready.Load,
	}, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runRetentionSweep(ctx, contexts, memStore)
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runDailyJobs(ctx, registry, diarist, creator)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return nil
}

func (r *Runtime) closeAll() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) buildRecognizer() stt.Recognizer {
	switch r.cfg.STT.Mode {
	case "gateway":
		return stt.NewGateway(r.cfg.STT, r.logger)
	default:
		return &stt.MockRecognizer{}
	}
}

func (r *Runtime) buildGenerator(contexts *contextstore.Store, memStore *memory.Store) llm.Generator {
	if r.cfg.LLM.Mode != "openai" {
		return &llm.MockGenerator{}
	}
	svc := llm.NewOpenAIService(r.cfg.LLM, r.logger)
	svc.AddTool(llm.DatetimeTool(nil))
	svc.AddTool(llm.UserInfoTool(&userStoreAdapter{store: contexts}))
	svc.AddTool(llm.WebSearchTool(llm.NewWebSearchClient(r.cfg.LLM, r.logger)))
	if memStore != nil {
		svc.AddTool(llm.MemoryTool(memStore))
	}
	return svc
}

func (r *Runtime) buildSynthesizer(ctx context.Context) (tts.Synthesizer, error) {
	switch r.cfg.TTS.Mode {
	case "gateway":
		return tts.NewGateway(r.cfg.TTS, r.logger), nil
	case "polly":
		p, err := tts.NewPolly(ctx, r.cfg.TTS.Polly, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize polly synthesizer: %w", err)
		}
		return p, nil
	default:
		return &tts.MockSynthesizer{}, nil
	}
}

func (r *Runtime) buildBridgeStore(ctx context.Context) (bridge.TokenStore, error) {
	if r.cfg.Bridge.Store == "redis" {
		store, err := bridge.NewRedisStore(ctx, r.cfg.Bridge)
		if err != nil {
			return nil, fmt.Errorf("failed to connect bridge token store: %w", err)
		}
		return store, nil
	}
	return bridge.NewMemStore(), nil
}

// runRetentionSweep clears stale conversation contexts and prunes the
// long-term memory store once an hour.
func (r *Runtime) runRetentionSweep(ctx context.Context, contexts *contextstore.Store, memStore *memory.Store) {
	if r.cfg.ContextStore.RetentionHours <= 0 && memStore == nil {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if r.cfg.ContextStore.RetentionHours > 0 {
			cutoff := time.Now().Add(-time.Duration(r.cfg.ContextStore.RetentionHours) * time.Hour)
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			removed, err := contexts.ClearBefore(sweepCtx, cutoff)
			cancel()
			if err != nil {
				r.logger.Error("context retention sweep failed", slog.String("error", err.Error()))
			} else if removed > 0 {
				r.logger.Info("cleared stale contexts", slog.Int64("removed", removed))
			}
		}
		if memStore != nil {
			pruneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := memStore.Prune(pruneCtx); err != nil {
				r.logger.Error("memory prune failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// runDailyJobs watches for the day boundary. When the date changes,
// every character gets a diary entry for the finished day and a fresh
// plan for the new one.
func (r *Runtime) runDailyJobs(ctx context.Context, registry *characters.Registry, diarist *characters.Diarist, creator *characters.Creator) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	day := time.Now().Format("20060102")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if now.Format("20060102") == day {
			continue
		}
		day = now.Format("20060102")
		r.logger.Info("running daily jobs", slog.String("date", now.Format("2006-01-02")))
		jobCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		r.rollOverDay(jobCtx, registry, diarist, creator, now)
		cancel()
	}
}

func (r *Runtime) rollOverDay(ctx context.Context, registry *characters.Registry, diarist *characters.Diarist, creator *characters.Creator, now time.Time) {
	list, err := registry.List(ctx)
	if err != nil {
		r.logger.Error("daily job failed to list characters", slog.String("error", err.Error()))
		return
	}
	yesterday := now.AddDate(0, 0, -1)
	for _, ch := range list {
		entry, err := registry.Diary(ch.ID, yesterday)
		if err == nil && entry == "" {
			if _, err := diarist.Generate(ctx, ch.ID, yesterday); err != nil {
				r.logger.Error("diary generation failed",
					slog.String("character_id", ch.ID),
					slog.String("error", err.Error()))
			}
		}
		if err := creator.EnsureDailyPlan(ctx, ch.ID); err != nil {
			r.logger.Error("daily plan refresh failed",
				slog.String("character_id", ch.ID),
				slog.String("error", err.Error()))
		}
	}
}

// userStoreAdapter bridges the flat tool-call signature onto the
// context store's user rows.
type userStoreAdapter struct {
	store *contextstore.Store
}

func (a *userStoreAdapter) PutUser(ctx context.Context, userID, characterID, userName, relation string) error {
	_, err := a.store.PutUser(ctx, contextstore.User{
		UserID:      userID,
		CharacterID: characterID,
		UserName:    userName,
		Relation:    relation,
	})
	return err
}

// characterSource resolves a user's active character into the turn
// pipeline's profile, folding in the persona and today's daily plan.
type characterSource struct {
	registry *characters.Registry
	language string
}

func (s *characterSource) ActiveProfile(ctx context.Context, userID string) (pipeline.Profile, bool, error) {
	ch, ok, err := s.registry.ActiveCharacter(ctx, userID)
	if err != nil || !ok {
		return pipeline.Profile{}, false, err
	}
	prompt, err := s.registry.SystemPrompt(ch.ID, time.Now())
	if err != nil {
		return pipeline.Profile{}, false, err
	}
	return pipeline.Profile{
		CharacterID:   ch.ID,
		SystemPrompt:  prompt,
		SpeechService: ch.SpeechService,
		Speaker:       ch.Speaker,
		Language:      s.language,
	}, true, nil
}
