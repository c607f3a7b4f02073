package core

import (
	"context"
	"sync"
	"time"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// MockAuthenticator returns Actor or Err and records every token it saw.
type MockAuthenticator struct {
	Actor *types.Actor
	Err   error

	mu    sync.Mutex
	Calls []string
}

func (m *MockAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	return m.Actor, nil
}

type rateLimitCall struct {
	Key    string
	Limit  int
	Window time.Duration
}

type MockRateLimitStore struct {
	Result RateLimitResult
	Err    error

	mu    sync.Mutex
	Calls []rateLimitCall
}

func (m *MockRateLimitStore) IncrementAndCheck(_ context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, rateLimitCall{Key: key, Limit: limit, Window: window})
	m.mu.Unlock()
	return m.Result, m.Err
}

var (
	_ Authenticator  = (*MockAuthenticator)(nil)
	_ RateLimitStore = (*MockRateLimitStore)(nil)
	_ RateLimitStore = (*MemoryRateLimitStore)(nil)
)
