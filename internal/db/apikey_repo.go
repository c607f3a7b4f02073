package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// APIKeyRepository provides data access for the api_keys table. Only bcrypt
// hashes of key secrets are stored.
type APIKeyRepository struct {
	db DBTX
}

func NewAPIKeyRepository(db DBTX) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, organization_id, name, key_prefix, key_hash, role,
	expires_at, revoked_at, last_used_at, created_at`

func scanAPIKey(row pgx.Row) (*types.APIKey, error) {
	var key types.APIKey
	var orgID *string
	err := row.Scan(
		&key.ID,
		&orgID,
		&key.Name,
		&key.Prefix,
		&key.KeyHash,
		&key.Role,
		&key.ExpiresAt,
		&key.RevokedAt,
		&key.LastUsedAt,
		&key.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	key.OrganizationID = derefString(orgID)
	return &key, nil
}

// Create inserts a key record. KeyHash must already be the bcrypt hash.
func (r *APIKeyRepository) Create(ctx context.Context, key *types.APIKey) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO api_keys (id, organization_id, name, key_prefix, key_hash, role, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		key.ID,
		nilIfEmpty(key.OrganizationID),
		key.Name,
		key.Prefix,
		key.KeyHash,
		key.Role,
		key.ExpiresAt,
		nilIfZeroTime(key.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "API key prefix already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create API key", err)
	}
	return nil
}

// GetByPrefix loads the key identified by its public prefix. Revocation and
// expiry are checked by the caller so it can report the precise reason.
func (r *APIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*types.APIKey, error) {
	key, err := scanAPIKey(r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM api_keys WHERE key_prefix = $1`, apiKeyColumns),
		prefix,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAPIKey, "API key not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve API key", err)
	}
	return key, nil
}

func (r *APIKeyRepository) Revoke(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to revoke API key", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAPIKey, "API key not found or already revoked", nil)
	}
	return nil
}

// TouchLastUsed is best-effort; callers log and ignore the error.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update API key last_used_at", err)
	}
	return nil
}
