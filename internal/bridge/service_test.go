package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/waifuos/waifud/internal/protocol"
)

func newTestService(t *testing.T) (*Service, *MemStore) {
	t.Helper()
	store := NewMemStore()
	svc := NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, store
}

func TestIssueAndRedeemOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, "user_1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if code == "" {
		t.Fatal("empty code")
	}

	userID, err := svc.Redeem(ctx, code)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if userID != "user_1" {
		t.Fatalf("user = %q", userID)
	}
}

func TestSecondRedemptionFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, "user_1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Redeem(ctx, code); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	_, err = svc.Redeem(ctx, code)
	if !errors.Is(err, protocol.ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
}

func TestRedemptionAfterTTLFails(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	now := time.Unix(1_000_000, 0)
	store.clock = func() time.Time { return now }

	code, err := svc.Issue(ctx, "user_1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = now.Add(TTL + time.Second)
	_, err = svc.Redeem(ctx, code)
	if !errors.Is(err, protocol.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRedemptionJustInsideTTL(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	now := time.Unix(1_000_000, 0)
	store.clock = func() time.Time { return now }

	code, err := svc.Issue(ctx, "user_1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = now.Add(TTL - time.Second)
	if _, err := svc.Redeem(ctx, code); err != nil {
		t.Fatalf("Redeem within TTL: %v", err)
	}
}

func TestUnknownCode(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Redeem(context.Background(), "nope")
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
