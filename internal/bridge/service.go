package bridge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TTL is the fixed lifetime of a bridge token.
const TTL = 5 * time.Minute

// TokenStore holds issued tokens. Take redeems a code exactly once.
type TokenStore interface {
	Put(ctx context.Context, code, userID string, ttl time.Duration) error
	Take(ctx context.Context, code string) (string, error)
}

// Service issues short-lived single-use codes that let a browser
// session attach to an existing user identity.
type Service struct {
	store TokenStore
	log   *slog.Logger
}

func NewService(store TokenStore, log *slog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With(slog.String("component", "bridge")),
	}
}

// Issue mints a code bound to the user, valid for TTL.
func (s *Service) Issue(ctx context.Context, userID string) (string, error) {
	code := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.store.Put(ctx, code, userID, TTL); err != nil {
		return "", err
	}
	s.log.Info("bridge token issued", slog.String("user_id", userID))
	return code, nil
}

// Redeem resolves a code to its user and invalidates it. A second
// redemption fails even inside the TTL window.
func (s *Service) Redeem(ctx context.Context, code string) (string, error) {
	userID, err := s.store.Take(ctx, code)
	if err != nil {
		return "", err
	}
	s.log.Info("bridge token redeemed", slog.String("user_id", userID))
	return userID, nil
}
