package core

import (
	"io"
	"log/slog"
	"testing"

	"github.com/Kre8ivTech/client-portal-sub003/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Environment: "local",
		Security: config.SecurityConfig{
			CorsAllowedOrigins: []string{"*"},
		},
		Build: config.BuildInfo{Version: "1.2.3"},
	}
	srv, err := NewServer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv
}
