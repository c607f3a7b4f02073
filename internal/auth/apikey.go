// Package auth resolves bearer API keys to request actors.
//
// Keys have the form cpk_<prefix>_<secret>. The prefix is stored in clear
// and indexed for lookup; only the bcrypt hash of the secret is persisted.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

const (
	// KeyScheme is the leading segment of every API key.
	KeyScheme = "cpk"

	// bcryptCost is the cost factor used when hashing new key secrets.
	bcryptCost = 12

	prefixBytes = 6
	secretBytes = 24

	// lastUsedResolution limits last_used_at writes to one per key per minute.
	lastUsedResolution = time.Minute
)

// APIKeyStore is the data access needed by APIKeyAuthenticator.
type APIKeyStore interface {
	GetByPrefix(ctx context.Context, prefix string) (*types.APIKey, error)
	TouchLastUsed(ctx context.Context, id string) error
}

// SecretHasher abstracts bcrypt operations for testability.
type SecretHasher interface {
	CompareHashAndSecret(hash, secret string) error
	Hash(secret string) (string, error)
}

type bcryptHasher struct {
	cost int
}

func (b bcryptHasher) CompareHashAndSecret(hash, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}

func (b bcryptHasher) Hash(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), b.cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// NewBcryptHasher returns the production SecretHasher. A cost of zero uses
// the default cost.
func NewBcryptHasher(cost int) SecretHasher {
	if cost == 0 {
		cost = bcryptCost
	}
	return bcryptHasher{cost: cost}
}

// APIKeyAuthenticator implements core.Authenticator for API keys.
type APIKeyAuthenticator struct {
	store  APIKeyStore
	hasher SecretHasher
	clock  types.Clock
	logger *slog.Logger
}

// NewAPIKeyAuthenticator creates an authenticator. hasher and clock default
// to bcrypt and the real clock when nil.
func NewAPIKeyAuthenticator(store APIKeyStore, hasher SecretHasher, clock types.Clock, logger *slog.Logger) *APIKeyAuthenticator {
	if hasher == nil {
		hasher = NewBcryptHasher(0)
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyAuthenticator{
		store:  store,
		hasher: hasher,
		clock:  clock,
		logger: logger,
	}
}

// ParseAPIKey splits a raw key into its lookup prefix and secret.
func ParseAPIKey(raw string) (prefix, secret string, ok bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != KeyScheme || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// ResolveToken maps a bearer token to the Actor of its API key.
//
// Unknown keys and secret mismatches both report auth_token_invalid so the
// response does not reveal which prefixes exist.
func (a *APIKeyAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	if token == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "API key is required", nil)
	}
	prefix, secret, ok := ParseAPIKey(token)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "malformed API key", nil)
	}

	key, err := a.store.GetByPrefix(ctx, prefix)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundAPIKey) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", nil)
		}
		return nil, err
	}

	if err := a.hasher.CompareHashAndSecret(key.KeyHash, secret); err != nil {
		a.logger.WarnContext(ctx, "API key secret mismatch", "key_prefix", prefix)
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", nil)
	}

	now := a.clock.Now()
	if key.RevokedAt != nil {
		return nil, types.NewAppError(types.ErrCodeAuthTokenRevoked, "API key has been revoked", nil)
	}
	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "API key has expired", nil)
	}

	if key.LastUsedAt == nil || now.Sub(*key.LastUsedAt) >= lastUsedResolution {
		if err := a.store.TouchLastUsed(ctx, key.ID); err != nil {
			a.logger.WarnContext(ctx, "failed to update API key last use", "key_id", key.ID, "error", err)
		}
	}

	return &types.Actor{
		ID:             key.ID,
		Type:           types.ActorTypeAPIKey,
		OrganizationID: key.OrganizationID,
		Role:           key.Role,
	}, nil
}

// GenerateAPIKey creates a new key record and returns it with the plaintext
// key. The plaintext is shown once and never stored.
func GenerateAPIKey(hasher SecretHasher, orgID, name string, role types.UserRole, now time.Time) (string, *types.APIKey, error) {
	if !role.Valid() {
		return "", nil, types.NewAppError(types.ErrCodeValidationFailed, "unknown role "+string(role), nil)
	}
	if role.IsStaff() && orgID != "" {
		return "", nil, types.NewAppError(types.ErrCodeValidationFailed, "staff keys cannot belong to an organization", nil)
	}
	if !role.IsStaff() && orgID == "" {
		return "", nil, types.NewAppError(types.ErrCodeValidationFailed, "client keys require an organization", nil)
	}

	prefix, err := randomHex(prefixBytes)
	if err != nil {
		return "", nil, err
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return "", nil, err
	}
	hash, err := hasher.Hash(secret)
	if err != nil {
		return "", nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash API key", err)
	}

	key := &types.APIKey{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           name,
		Prefix:         prefix,
		KeyHash:        hash,
		Role:           role,
		CreatedAt:      now,
	}
	return KeyScheme + "_" + prefix + "_" + secret, key, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read random bytes", err)
	}
	return hex.EncodeToString(b), nil
}
