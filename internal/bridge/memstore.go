package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/waifuos/waifud/internal/protocol"
)

type memToken struct {
	userID   string
	issuedAt time.Time
	ttl      time.Duration
	used     bool
}

// MemStore keeps tokens in process memory. Expiry is lazy: tokens are
// checked at redemption, not swept.
type MemStore struct {
	mu     sync.Mutex
	tokens map[string]*memToken
	clock  func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		tokens: make(map[string]*memToken),
		clock:  time.Now,
	}
}

func (m *MemStore) Put(ctx context.Context, code, userID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[code] = &memToken{userID: userID, issuedAt: m.clock(), ttl: ttl}
	return nil
}

func (m *MemStore) Take(ctx context.Context, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[code]
	if !ok {
		return "", fmt.Errorf("%w: unknown bridge token", protocol.ErrNotFound)
	}
	if t.used {
		return "", fmt.Errorf("%w: bridge token already redeemed", protocol.ErrAlreadyUsed)
	}
	if m.clock().Sub(t.issuedAt) > t.ttl {
		delete(m.tokens, code)
		return "", fmt.Errorf("%w: bridge token expired", protocol.ErrExpired)
	}
	t.used = true
	return t.userID, nil
}
