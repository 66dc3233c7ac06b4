package characters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/waifuos/waifud/internal/llm"
)

// Creation stages, streamed in this order. Any stage may emit an error
// without aborting the stages after it.
const (
	StageCharacterPrompt  = "character_prompt"
	StageWeeklyPlanPrompt = "weekly_plan_prompt"
	StageDailyPlanPrompt  = "daily_plan_prompt"
	StageImageBytes       = "image_bytes"
	StageFinal            = "final"
	StageError            = "error"
)

// StageEvent is one progress report of the creation flow.
type StageEvent struct {
	Stage       string `json:"stage"`
	CharacterID string `json:"character_id,omitempty"`
	Text        string `json:"text,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CreateRequest describes the character to build.
type CreateRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	SpeechService string `json:"speech_service,omitempty"`
	Speaker       string `json:"speaker,omitempty"`
	BirthdayMMDD  string `json:"birthday_mmdd,omitempty"`
}

// ImageClient produces portrait artwork for a character.
type ImageClient interface {
	GeneratePortrait(ctx context.Context, description string) ([]byte, error)
}

// Creator runs the staged character creation flow: persona document,
// weekly and daily plans, portrait, then the registry row. Stages are
// best effort so a failed portrait still yields a usable character.
type Creator struct {
	registry  *Registry
	generator llm.Generator
	images    ImageClient
	log       *slog.Logger
	clock     func() time.Time
}

func NewCreator(registry *Registry, generator llm.Generator, images ImageClient, log *slog.Logger) *Creator {
	return &Creator{
		registry:  registry,
		generator: generator,
		images:    images,
		log:       log.With(slog.String("component", "character-creator")),
		clock:     time.Now,
	}
}

// generateText runs one non-streamed generation call and returns the
// accumulated text.
func generateText(ctx context.Context, g llm.Generator, system, user string) (string, error) {
	var out strings.Builder
	err := g.Generate(ctx, llm.Request{System: system, Text: user}, func(d llm.Delta) error {
		out.WriteString(d.Text)
		return nil
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("generation produced no text")
	}
	return text, nil
}

// Create runs every stage, emitting progress through emit. The final
// stage always runs so a partially generated character is still
// registered and can be repaired later.
func (c *Creator) Create(ctx context.Context, req CreateRequest, emit func(StageEvent) error) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("character name is required")
	}
	id := "waifu_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	stageErr := func(stage string, err error) error {
		c.log.Warn("creation stage failed",
			slog.String("character_id", id),
			slog.String("stage", stage),
			slog.String("error", err.Error()))
		return emit(StageEvent{Stage: StageError, CharacterID: id,
			Error: fmt.Sprintf("%s: %s", stage, err.Error())})
	}

	var persona string
	{
		system := fmt.Sprintf(characterGenerationPrompt, req.Name)
		user := fmt.Sprintf("Character Name: %s\nCharacter Description:\n%s", req.Name, req.Description)
		text, err := generateText(ctx, c.generator, system, user)
		if err != nil {
			if err := stageErr(StageCharacterPrompt, err); err != nil {
				return err
			}
		} else if err := c.registry.WriteCharacterPrompt(id, text); err != nil {
			if err := stageErr(StageCharacterPrompt, err); err != nil {
				return err
			}
		} else {
			persona = text
			if err := emit(StageEvent{Stage: StageCharacterPrompt, CharacterID: id, Text: text}); err != nil {
				return err
			}
		}
	}

	var weekly string
	if persona != "" {
		text, err := generateText(ctx, c.generator, weeklyPlanGenerationPrompt, persona)
		if err != nil {
			if err := stageErr(StageWeeklyPlanPrompt, err); err != nil {
				return err
			}
		} else if err := c.registry.WriteWeeklyPlan(id, text); err != nil {
			if err := stageErr(StageWeeklyPlanPrompt, err); err != nil {
				return err
			}
		} else {
			weekly = text
			if err := emit(StageEvent{Stage: StageWeeklyPlanPrompt, CharacterID: id, Text: text}); err != nil {
				return err
			}
		}
	}

	if weekly != "" {
		if err := c.generateDailyPlan(ctx, id, persona, weekly, c.clock()); err != nil {
			if err := stageErr(StageDailyPlanPrompt, err); err != nil {
				return err
			}
		} else if err := emit(StageEvent{Stage: StageDailyPlanPrompt, CharacterID: id}); err != nil {
			return err
		}
	}

	if err := c.portrait(ctx, id, req.Description); err != nil {
		if err := stageErr(StageImageBytes, err); err != nil {
			return err
		}
	} else if err := emit(StageEvent{Stage: StageImageBytes, CharacterID: id}); err != nil {
		return err
	}

	err := c.registry.Put(ctx, Character{
		ID:            id,
		Name:          req.Name,
		SpeechService: req.SpeechService,
		Speaker:       req.Speaker,
		BirthdayMMDD:  req.BirthdayMMDD,
	})
	if err != nil {
		if err := stageErr(StageFinal, err); err != nil {
			return err
		}
		return nil
	}
	c.log.Info("character created", slog.String("character_id", id), slog.String("name", req.Name))
	return emit(StageEvent{Stage: StageFinal, CharacterID: id})
}

func (c *Creator) generateDailyPlan(ctx context.Context, id, persona, weekly string, date time.Time) error {
	system := fmt.Sprintf(dailyPlanGenerationSystemPrompt, date.Format("2006-01-02"), persona)
	user := fmt.Sprintf(dailyPlanGenerationUserPrompt, weekly)
	text, err := generateText(ctx, c.generator, system, user)
	if err != nil {
		return err
	}
	return c.registry.WriteDailyPlan(id, date, text)
}

// portrait generates the icon. Failed generation still writes the
// default icon from the data dir, then reports the failure so the
// stage surfaces as an error rather than a success.
func (c *Creator) portrait(ctx context.Context, id, description string) error {
	if c.images == nil {
		return c.writeDefaultIcon(id)
	}
	png, genErr := c.images.GeneratePortrait(ctx, description)
	if genErr == nil {
		return c.registry.writeIcon(id, png)
	}
	c.log.Warn("portrait generation failed, using default icon",
		slog.String("character_id", id),
		slog.String("error", genErr.Error()))
	if err := c.writeDefaultIcon(id); err != nil {
		return errors.Join(genErr, err)
	}
	return fmt.Errorf("portrait generation failed: %w", genErr)
}

func (c *Creator) writeDefaultIcon(id string) error {
	fallback, err := os.ReadFile(filepath.Join(c.registry.dataDir, "default_icon.png"))
	if err != nil {
		return fmt.Errorf("read default icon: %w", err)
	}
	return c.registry.writeIcon(id, fallback)
}

// EnsureDailyPlan regenerates today's plan when missing, as happens on
// activation of a character that sat idle past the day boundary.
func (c *Creator) EnsureDailyPlan(ctx context.Context, id string) error {
	now := c.clock()
	plan, err := c.registry.DailyPlan(id, now)
	if err != nil {
		return err
	}
	if plan != "" {
		return nil
	}
	persona, err := c.registry.CharacterPrompt(id)
	if err != nil {
		return err
	}
	weekly, err := c.registry.WeeklyPlan(id)
	if err != nil {
		return err
	}
	return c.generateDailyPlan(ctx, id, persona, weekly, now)
}
