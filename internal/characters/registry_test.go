package characters

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/protocol"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *capturePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func openTestRegistry(t *testing.T) (*Registry, *capturePublisher) {
	t.Helper()
	dir := t.TempDir()
	pub := &capturePublisher{}
	r, err := Open(context.Background(), config.CharactersConfig{
		Path:    filepath.Join(dir, "characters.db"),
		DataDir: filepath.Join(dir, "characters"),
	}, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, pub
}

func seedCharacter(t *testing.T, r *Registry, id, name string) {
	t.Helper()
	err := r.Put(context.Background(), Character{
		ID:            id,
		Name:          name,
		SpeechService: "voicevox",
		Speaker:       "46",
	})
	if err != nil {
		t.Fatalf("put %s: %v", id, err)
	}
}

func TestGetUnknownCharacter(t *testing.T) {
	r, _ := openTestRegistry(t)
	_, err := r.Get(context.Background(), "waifu_missing")
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOmitsPortrait(t *testing.T) {
	r, _ := openTestRegistry(t)
	ctx := context.Background()
	seedCharacter(t, r, "waifu_a", "あかり")
	if err := r.SetPortrait(ctx, "waifu_a", []byte("png-bytes")); err != nil {
		t.Fatalf("set portrait: %v", err)
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Portrait != nil {
		t.Fatalf("list = %+v", list)
	}

	got, err := r.Get(ctx, "waifu_a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Portrait) != "png-bytes" {
		t.Fatalf("portrait = %q", got.Portrait)
	}
}

func TestActivationIsExclusive(t *testing.T) {
	r, pub := openTestRegistry(t)
	ctx := context.Background()
	seedCharacter(t, r, "waifu_a", "あかり")
	seedCharacter(t, r, "waifu_b", "ひなた")

	prior, err := r.Activate(ctx, "u1", "waifu_a")
	if err != nil {
		t.Fatalf("activate a: %v", err)
	}
	if prior != "" {
		t.Fatalf("prior = %q on first activation", prior)
	}

	prior, err = r.Activate(ctx, "u1", "waifu_b")
	if err != nil {
		t.Fatalf("activate b: %v", err)
	}
	if prior != "waifu_a" {
		t.Fatalf("prior = %q, want waifu_a", prior)
	}

	active, ok, err := r.ActiveCharacter(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("active: %v ok=%v", err, ok)
	}
	if active.ID != "waifu_b" {
		t.Fatalf("active = %s", active.ID)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.subjects) != 2 || pub.subjects[1] != protocol.SubjectCharacterActivated {
		t.Fatalf("published subjects = %v", pub.subjects)
	}
}

func TestActivationScopedPerUser(t *testing.T) {
	r, _ := openTestRegistry(t)
	ctx := context.Background()
	seedCharacter(t, r, "waifu_a", "あかり")
	seedCharacter(t, r, "waifu_b", "ひなた")

	if _, err := r.Activate(ctx, "u1", "waifu_a"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := r.Activate(ctx, "u2", "waifu_b"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	a, _, _ := r.ActiveCharacter(ctx, "u1")
	b, _, _ := r.ActiveCharacter(ctx, "u2")
	if a.ID != "waifu_a" || b.ID != "waifu_b" {
		t.Fatalf("active per user: u1=%s u2=%s", a.ID, b.ID)
	}
}

func TestActivateUnknownCharacter(t *testing.T) {
	r, _ := openTestRegistry(t)
	_, err := r.Activate(context.Background(), "u1", "waifu_missing")
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	r, _ := openTestRegistry(t)
	ctx := context.Background()
	seedCharacter(t, r, "waifu_a", "あかり")

	updated, err := r.Update(ctx, Character{ID: "waifu_a", Name: "あかり", Speaker: "8"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Speaker != "8" {
		t.Fatalf("speaker = %q", updated.Speaker)
	}

	if err := r.Delete(ctx, "waifu_a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Get(ctx, "waifu_a"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("character survived delete: %v", err)
	}
	if err := r.Delete(ctx, "waifu_a"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestSystemPromptIncludesDailyPlan(t *testing.T) {
	r, _ := openTestRegistry(t)
	seedCharacter(t, r, "waifu_a", "あかり")

	now := time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)
	if err := r.WriteCharacterPrompt("waifu_a", "## キャラクター設定\n- 名前: あかり"); err != nil {
		t.Fatalf("write persona: %v", err)
	}
	if err := r.WriteDailyPlan("waifu_a", now, "| 10:00-11:00 | 勉強 |"); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	prompt, err := r.SystemPrompt("waifu_a", now)
	if err != nil {
		t.Fatalf("system prompt: %v", err)
	}
	for _, want := range []string{"あかり", "勉強"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q: %q", want, prompt)
		}
	}
}
