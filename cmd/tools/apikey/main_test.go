package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kre8ivTech/client-portal-sub003/internal/auth"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

type memKeyStore struct {
	created []*types.APIKey
	revoked []string
	err     error
}

func (m *memKeyStore) Create(_ context.Context, key *types.APIKey) error {
	if m.err != nil {
		return m.err
	}
	m.created = append(m.created, key)
	return nil
}

func (m *memKeyStore) Revoke(_ context.Context, id string) error {
	if m.err != nil {
		return m.err
	}
	m.revoked = append(m.revoked, id)
	return nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestIssue_StaffKey(t *testing.T) {
	store := &memKeyStore{}
	hasher := auth.NewBcryptHasher(4)
	var out bytes.Buffer

	err := dispatch(context.Background(), []string{"issue", "--role=staff", "--name=support desk"}, store, hasher, now, &out)
	require.NoError(t, err)

	require.Len(t, store.created, 1)
	key := store.created[0]
	assert.Equal(t, types.RoleStaff, key.Role)
	assert.Empty(t, key.OrganizationID)
	assert.Nil(t, key.ExpiresAt)

	// The printed plaintext verifies against the stored hash.
	var plaintext string
	for _, line := range strings.Split(out.String(), "\n") {
		if v, ok := strings.CutPrefix(line, "key:"); ok {
			plaintext = strings.TrimSpace(v)
		}
	}
	prefix, secret, ok := auth.ParseAPIKey(plaintext)
	require.True(t, ok, "printed key %q does not parse", plaintext)
	assert.Equal(t, key.Prefix, prefix)
	assert.NoError(t, hasher.CompareHashAndSecret(key.KeyHash, secret))
}

func TestIssue_ClientKeyWithExpiry(t *testing.T) {
	store := &memKeyStore{}
	err := dispatch(context.Background(),
		[]string{"issue", "--role=owner", "--org=org-1", "--name=portal", "--expires-in=720h"},
		store, auth.NewBcryptHasher(4), now, &bytes.Buffer{})
	require.NoError(t, err)

	key := store.created[0]
	assert.Equal(t, "org-1", key.OrganizationID)
	require.NotNil(t, key.ExpiresAt)
	assert.Equal(t, now.Add(720*time.Hour), *key.ExpiresAt)
}

func TestIssue_Rejections(t *testing.T) {
	cases := map[string][]string{
		"missing name":         {"issue", "--role=staff"},
		"client without org":   {"issue", "--role=owner", "--name=x"},
		"staff with org":       {"issue", "--role=staff", "--org=org-1", "--name=x"},
		"unknown role":         {"issue", "--role=superuser", "--name=x"},
		"unknown command":      {"rotate"},
		"revoke without an id": {"revoke"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			store := &memKeyStore{}
			err := dispatch(context.Background(), args, store, auth.NewBcryptHasher(4), now, &bytes.Buffer{})
			assert.Error(t, err)
			assert.Empty(t, store.created)
		})
	}
}

func TestRevoke(t *testing.T) {
	store := &memKeyStore{}
	var out bytes.Buffer
	require.NoError(t, dispatch(context.Background(), []string{"revoke", "--id=key-1"}, store, nil, now, &out))
	assert.Equal(t, []string{"key-1"}, store.revoked)
	assert.Contains(t, out.String(), "revoked key-1")

	store.err = errors.New("not found")
	assert.Error(t, dispatch(context.Background(), []string{"revoke", "--id=key-2"}, store, nil, now, &out))
}
