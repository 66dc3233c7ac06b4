package characters

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Prompt templates for persona document generation.
const (
	characterGenerationPrompt = `与えられた情報からキャラクター設定を考えてください。
キャラクター設定は以下のマークダウンで示された項目を埋めたものとしてください。
出力はマークダウン部分のみとします。
セリフ例には鉤括弧や記号、絵文字、ト書きを含む例文は使用不可。


## キャラクター設定

- 名前: %s
- 性別:
- 年齢:
- 職業・所属:
- 髪型や見た目の特徴:
- 性格:
- 趣味・ハマっていること:
- 好きなもの:
- 嫌いなもの:
- その他の情報:


## 話し方

- 一人称:
- 語尾・ですます調・タメ語等:
- 表情変化の豊かさ:
- その他の特徴:


## セリフ例
`

	weeklyPlanGenerationPrompt = `与えられたキャラクター設定に相応しい1週間のスケジュールを1時間単位でマークダウンのテーブルで出力してください。
授業の教科など含め可能な限り詳細かつ端的に。
日によりアクティビティーの異なる時間帯は「自由時間」とすること。
出力はマークダウンのテーブル部分のみとする。`

	dailyPlanGenerationSystemPrompt = `以下のキャラクター設定に基づき、与えられた週間スケジュールから%sのスケジュールを生成してください。
自由時間など行動予定が決まっていない部分があれば、具体的な予定を考えて埋めてください。
出力フォーマットはマークダウンで、タイトルは「## YYYY月MM月DD日 (曜日)の活動」、予定の内容はテーブル形式とします。

%s`

	dailyPlanGenerationUserPrompt = `週間予定は以下の通り。

%s


週間予定に基づき、タイトルとテーブルのみを出力してください。`
)

const (
	characterPromptFile = "character_prompt.md"
	weeklyPlanFile      = "plan_weekly_prompt.md"
	dailyPlanDir        = "plan_daily_prompts"
)

func (r *Registry) promptPath(id, name string) string {
	return filepath.Join(r.Dir(id), name)
}

func (r *Registry) dailyPlanPath(id string, date time.Time) string {
	return filepath.Join(r.Dir(id), dailyPlanDir, date.Format("20060102")+".md")
}

// CharacterPrompt reads the character's persona document.
func (r *Registry) CharacterPrompt(id string) (string, error) {
	data, err := os.ReadFile(r.promptPath(id, characterPromptFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WeeklyPlan reads the character's weekly schedule document.
func (r *Registry) WeeklyPlan(id string) (string, error) {
	data, err := os.ReadFile(r.promptPath(id, weeklyPlanFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DailyPlan reads the character's plan for the given date. The empty
// string with a nil error means no plan exists yet.
func (r *Registry) DailyPlan(id string, date time.Time) (string, error) {
	data, err := os.ReadFile(r.dailyPlanPath(id, date))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *Registry) writePromptFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// WriteCharacterPrompt stores the persona document.
func (r *Registry) WriteCharacterPrompt(id, content string) error {
	return r.writePromptFile(r.promptPath(id, characterPromptFile), content)
}

// WriteWeeklyPlan stores the weekly schedule document.
func (r *Registry) WriteWeeklyPlan(id, content string) error {
	return r.writePromptFile(r.promptPath(id, weeklyPlanFile), content)
}

// WriteDailyPlan stores the plan for the given date.
func (r *Registry) WriteDailyPlan(id string, date time.Time, content string) error {
	return r.writePromptFile(r.dailyPlanPath(id, date), content)
}

// SystemPrompt assembles the conversational system prompt for a
// character from its persona document and today's plan.
func (r *Registry) SystemPrompt(id string, now time.Time) (string, error) {
	persona, err := r.CharacterPrompt(id)
	if err != nil {
		return "", fmt.Errorf("read character prompt: %w", err)
	}
	plan, err := r.DailyPlan(id, now)
	if err != nil {
		return "", fmt.Errorf("read daily plan: %w", err)
	}
	if plan == "" {
		return persona, nil
	}
	return persona + "\n\n## 今日の活動予定\n\n" + plan, nil
}
