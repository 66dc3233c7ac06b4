package characters

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/waifuos/waifud/internal/llm"
)

// Prompt templates for diary generation.
const (
	diaryPersonaSystemPrompt = `以下のキャラクター設定に従って日記を書いてください。

%s`

	diaryTopicPrompt = `本日の出来事やニュースから、日記に書くトピックを箇条書きで挙げてください。

## 本日の行動

%s

## 本日の主要ニュース

%s`

	diaryGenerationPrompt = `挙げたトピックに従い、600字以内程度で日記を書いてください。
タイトルは「## %sの日記」と1行目に出力してください。

トピックは以下の通りです。

%s

なお昨日の日記は以下の通りです。必要に応じて関連づけつつ、あまり似通った内容にならないようにしてください。

%s`
)

const (
	diaryDir             = "diaries"
	diaryNoActivity      = "記録なし"
	diaryNoNews          = "なし"
	diaryNoPreviousEntry = "昨日の日記なし"
)

func (r *Registry) diaryPath(id string, date time.Time) string {
	return filepath.Join(r.Dir(id), diaryDir, date.Format("20060102")+".md")
}

// Diary reads the character's diary entry for the given date. The
// empty string with a nil error means no entry exists.
func (r *Registry) Diary(id string, date time.Time) (string, error) {
	data, err := os.ReadFile(r.diaryPath(id, date))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteDiary stores the diary entry for the given date.
func (r *Registry) WriteDiary(id string, date time.Time, content string) error {
	return r.writePromptFile(r.diaryPath(id, date), content)
}

// Diarist writes a character's diary for a finished day. The entry is
// built from the character's persona, that day's plan, and the day's
// news, and references the previous entry to keep continuity without
// repetition.
type Diarist struct {
	registry  *Registry
	generator llm.Generator
	search    llm.WebSearcher
	log       *slog.Logger
}

// NewDiarist builds a Diarist. The searcher may be nil, in which case
// entries are written without a news section.
func NewDiarist(registry *Registry, generator llm.Generator, search llm.WebSearcher, log *slog.Logger) *Diarist {
	return &Diarist{
		registry:  registry,
		generator: generator,
		search:    search,
		log:       log.With(slog.String("component", "diarist")),
	}
}

// Generate writes the diary entry for the given date and returns its
// text. Generation needs the persona document; the plan, news, and
// previous entry all degrade to placeholders when absent.
func (d *Diarist) Generate(ctx context.Context, id string, date time.Time) (string, error) {
	persona, err := d.registry.CharacterPrompt(id)
	if err != nil {
		return "", fmt.Errorf("read character prompt: %w", err)
	}
	system := fmt.Sprintf(diaryPersonaSystemPrompt, persona)

	activity, err := d.registry.DailyPlan(id, date)
	if err != nil {
		return "", fmt.Errorf("read daily plan: %w", err)
	}
	if activity == "" {
		activity = diaryNoActivity
	}

	news := d.news(ctx, date)

	topics, err := generateText(ctx, d.generator, system, fmt.Sprintf(diaryTopicPrompt, activity, news))
	if err != nil {
		return "", fmt.Errorf("generate diary topics: %w", err)
	}

	previous, err := d.registry.Diary(id, date.AddDate(0, 0, -1))
	if err != nil {
		return "", fmt.Errorf("read previous diary: %w", err)
	}
	if previous == "" {
		previous = diaryNoPreviousEntry
	}

	user := fmt.Sprintf(diaryGenerationPrompt, date.Format("2006/01/02"), topics, previous)
	entry, err := generateText(ctx, d.generator, system, user)
	if err != nil {
		return "", fmt.Errorf("generate diary: %w", err)
	}
	if err := d.registry.WriteDiary(id, date, entry); err != nil {
		return "", fmt.Errorf("write diary: %w", err)
	}
	d.log.Info("diary written",
		slog.String("character_id", id),
		slog.String("date", date.Format("2006-01-02")))
	return entry, nil
}

// news fetches the day's headlines. A missing searcher or a failed
// search degrades to the placeholder instead of blocking the diary.
func (d *Diarist) news(ctx context.Context, date time.Time) string {
	if d.search == nil {
		return diaryNoNews
	}
	result, err := d.search.Search(ctx, date.Format("2006/01/02")+"の主要ニュース")
	if err != nil {
		d.log.Warn("news search failed", slog.String("error", err.Error()))
		return diaryNoNews
	}
	return result
}
