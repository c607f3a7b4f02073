package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
)

// ExportEnvConfig controls ExportEnvFile.
type ExportEnvConfig struct {
	OutputPath string
	SSM        *SSMManager
	Inventory  []Step
	Stderr     io.Writer

	// IncludeLocalDefaults adds the non-secret variables a local run of
	// cmd/api needs (APP_ENV=local, PORT, LOG_LEVEL).
	IncludeLocalDefaults bool
}

var localDefaults = map[string]string{
	"APP_ENV":   "local",
	"PORT":      "8080",
	"LOG_LEVEL": "debug",
}

// ExportEnvFile reads every inventory parameter back from SSM and writes
// them as a .env file readable only by the owner. Missing optional
// parameters are left out; a missing required one is an error.
func ExportEnvFile(ctx context.Context, cfg ExportEnvConfig) error {
	if cfg.OutputPath == "" {
		return errors.New("export path must not be empty")
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}

	env := make(map[string]string, len(cfg.Inventory)+len(localDefaults))
	if cfg.IncludeLocalDefaults {
		for k, v := range localDefaults {
			env[k] = v
		}
	}

	for _, step := range cfg.Inventory {
		path := cfg.SSM.SSMPath(step.Key)
		value, err := cfg.SSM.GetParameterValue(ctx, path)
		switch {
		case errors.Is(err, ErrParameterNotFound) && step.Optional:
			continue
		case err != nil:
			return fmt.Errorf("exporting %s: %w", step.EnvVar, err)
		}
		env[step.EnvVar] = value
	}

	if err := godotenv.Write(env, cfg.OutputPath); err != nil {
		return fmt.Errorf("writing %s: %w", cfg.OutputPath, err)
	}
	if err := os.Chmod(cfg.OutputPath, 0o600); err != nil {
		return fmt.Errorf("restricting permissions on %s: %w", cfg.OutputPath, err)
	}

	fmt.Fprintf(cfg.Stderr, "  Wrote %d variables to %s\n", len(env), cfg.OutputPath)
	return nil
}
