package contextstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/waifuos/waifud/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.ContextStoreConfig{Path: filepath.Join(t.TempDir(), "contexts.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestContextRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetContext(ctx, "u1", "s1"); err != nil || ok {
		t.Fatalf("expected no context yet, ok=%v err=%v", ok, err)
	}
	if err := s.PutContext(ctx, "u1", "s1", "ctx_1"); err != nil {
		t.Fatalf("put context: %v", err)
	}
	got, ok, err := s.GetContext(ctx, "u1", "s1")
	if err != nil || !ok || got != "ctx_1" {
		t.Fatalf("expected ctx_1, got %q ok=%v err=%v", got, ok, err)
	}

	// Same user, other session stays isolated.
	if _, ok, _ := s.GetContext(ctx, "u1", "s2"); ok {
		t.Fatal("expected no context for other session")
	}

	if err := s.PutContext(ctx, "u1", "s1", "ctx_2"); err != nil {
		t.Fatalf("put context: %v", err)
	}
	got, _, _ = s.GetContext(ctx, "u1", "s1")
	if got != "ctx_2" {
		t.Fatalf("expected updated token ctx_2, got %q", got)
	}
}

func TestConcurrentPutsSameKey(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.PutContext(ctx, "u1", "s1", fmt.Sprintf("ctx_%d", i))
		}(i)
	}
	wg.Wait()

	got, ok, err := s.GetContext(ctx, "u1", "s1")
	if err != nil || !ok || got == "" {
		t.Fatalf("expected some winner token, got %q ok=%v err=%v", got, ok, err)
	}
}

func TestClearBefore(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.PutContext(ctx, "u1", "old", "ctx_old"); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.PutContext(ctx, "u1", "new", "ctx_new"); err != nil {
		t.Fatalf("put: %v", err)
	}

	n, err := s.ClearBefore(ctx, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
	if _, ok, _ := s.GetContext(ctx, "u1", "old"); ok {
		t.Fatal("expected old context cleared")
	}
	if _, ok, _ := s.GetContext(ctx, "u1", "new"); !ok {
		t.Fatal("expected new context kept")
	}
}

func TestUserUpsertKeepsFields(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	u, err := s.PutUser(ctx, User{UserID: "u1", CharacterID: "w1", UserName: "Aoi", Relation: "friend"})
	if err != nil {
		t.Fatalf("put user: %v", err)
	}
	if u.UserName != "Aoi" || u.Relation != "friend" {
		t.Fatalf("unexpected user: %+v", u)
	}

	// Empty fields do not wipe stored values.
	u, err = s.PutUser(ctx, User{UserID: "u1", CharacterID: "w1", Relation: "partner"})
	if err != nil {
		t.Fatalf("put user: %v", err)
	}
	if u.UserName != "Aoi" || u.Relation != "partner" {
		t.Fatalf("expected merged row, got %+v", u)
	}

	exists, err := s.UserExists(ctx, "u1")
	if err != nil || !exists {
		t.Fatalf("expected user to exist, err=%v", err)
	}
	exists, _ = s.UserExists(ctx, "nobody")
	if exists {
		t.Fatal("expected unknown user to not exist")
	}
}
