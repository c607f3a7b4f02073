// Package main implements the apikey CLI for issuing and revoking API keys.
//
// Usage:
//
//	go run ./cmd/tools/apikey issue --role=staff --name="support desk"
//	go run ./cmd/tools/apikey issue --role=owner --org=org_123 --name="client portal" --expires-in=2160h
//	go run ./cmd/tools/apikey revoke --id=6f1c...
//
// DATABASE_URL is read from the environment (or a .env file). The plaintext
// key is printed once and cannot be recovered.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Kre8ivTech/client-portal-sub003/internal/auth"
	"github.com/Kre8ivTech/client-portal-sub003/internal/config"
	"github.com/Kre8ivTech/client-portal-sub003/internal/db"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// keyStore is the subset of db.APIKeyRepository the tool uses.
type keyStore interface {
	Create(ctx context.Context, key *types.APIKey) error
	Revoke(ctx context.Context, id string) error
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: apikey <issue|revoke> [flags]")
	}

	_ = godotenv.Load()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, config.DatabaseConfig{URL: types.SecretString(databaseURL), MaxConns: 1})
	if err != nil {
		return err
	}
	defer pool.Close()

	return dispatch(ctx, args, db.NewAPIKeyRepository(pool), auth.NewBcryptHasher(0), time.Now().UTC(), stdout)
}

func dispatch(ctx context.Context, args []string, store keyStore, hasher auth.SecretHasher, now time.Time, stdout io.Writer) error {
	switch args[0] {
	case "issue":
		return issue(ctx, args[1:], store, hasher, now, stdout)
	case "revoke":
		return revoke(ctx, args[1:], store, stdout)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func issue(ctx context.Context, args []string, store keyStore, hasher auth.SecretHasher, now time.Time, stdout io.Writer) error {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	role := fs.String("role", "", "Key role: admin, staff, owner or member")
	org := fs.String("org", "", "Organization ID (client roles only)")
	name := fs.String("name", "", "Human readable key name")
	expiresIn := fs.Duration("expires-in", 0, "Optional lifetime, e.g. 2160h")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("--name is required")
	}

	plaintext, key, err := auth.GenerateAPIKey(hasher, *org, *name, types.UserRole(*role), now)
	if err != nil {
		return err
	}
	if *expiresIn > 0 {
		exp := now.Add(*expiresIn)
		key.ExpiresAt = &exp
	}
	if err := store.Create(ctx, key); err != nil {
		return fmt.Errorf("storing API key: %w", err)
	}

	fmt.Fprintf(stdout, "id:   %s\nrole: %s\nkey:  %s\n", key.ID, key.Role, plaintext)
	return nil
}

func revoke(ctx context.Context, args []string, store keyStore, stdout io.Writer) error {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	id := fs.String("id", "", "API key ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("--id is required")
	}
	if err := store.Revoke(ctx, *id); err != nil {
		return fmt.Errorf("revoking API key: %w", err)
	}
	fmt.Fprintf(stdout, "revoked %s\n", *id)
	return nil
}
