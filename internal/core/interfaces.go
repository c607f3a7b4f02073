package core

import (
	"context"
	"time"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// Authenticator decouples the HTTP layer from specific auth mechanisms
// (DB lookups), allowing for easy mocking in tests.
type Authenticator interface {
	// ResolveToken returns the Actor for a bearer token.
	//
	// Distinct error codes:
	//   - auth_token_invalid if the token is malformed or unknown.
	//   - auth_token_revoked if the credential was revoked.
	//   - auth_token_expired if the credential exists but has expired.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// RateLimitStore abstracts the backing store for rate limiting.
type RateLimitStore interface {
	// IncrementAndCheck atomically increments the counter for key and checks
	// whether limit has been exceeded within the window.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}
