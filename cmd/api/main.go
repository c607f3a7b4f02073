// Package main is the entry point for the billing API server.
//
// It loads configuration (resolving secrets from SSM outside local), opens
// the Postgres pool, wires the billing services into the core chassis and
// serves HTTP until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/Kre8ivTech/client-portal-sub003/internal/api/handlers"
	"github.com/Kre8ivTech/client-portal-sub003/internal/auth"
	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/config"
	"github.com/Kre8ivTech/client-portal-sub003/internal/core"
	"github.com/Kre8ivTech/client-portal-sub003/internal/db"
	"github.com/Kre8ivTech/client-portal-sub003/internal/external"
	"github.com/Kre8ivTech/client-portal-sub003/internal/notifications"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// database is the Postgres handle the API needs: queries, transactions and
// a liveness ping. *pgxpool.Pool satisfies it.
type database interface {
	db.TxBeginner
	core.Pinger
}

// apiDeps holds the process-level collaborators handed to buildServer.
type apiDeps struct {
	DB         database
	Events     billing.EventPublisher
	Agreements billing.AgreementSender
	Clock      types.Clock
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	provider := config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	events, err := newEventPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	deps := apiDeps{
		DB:     pool,
		Events: events,
		Clock:  types.RealClock{},
	}
	if cfg.ESign.Enabled() {
		deps.Agreements = external.NewESignClient(&http.Client{Timeout: 15 * time.Second}, external.ESignClientConfig{
			BaseURL:      cfg.ESign.BaseURL,
			AuthURL:      cfg.ESign.AuthURL,
			AccountID:    cfg.ESign.AccountID,
			ClientID:     cfg.ESign.ClientID,
			ClientSecret: cfg.ESign.ClientSecret,
			TemplateID:   cfg.ESign.TemplateID,
			RefreshSkew:  cfg.ESign.RefreshSkew,
			Logger:       logger,
		})
	} else {
		logger.Warn("e-signature provider not configured; agreement sending is disabled")
	}

	srv, err := buildServer(cfg, logger, deps)
	if err != nil {
		return err
	}

	return runHTTPServer(srv, cfg, logger)
}

// newEventPublisher returns an SQS publisher when a queue is configured and
// a log-only publisher otherwise.
func newEventPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (billing.EventPublisher, error) {
	if cfg.AWS.EventQueueURL == "" {
		logger.Warn("SQS_BILLING_EVENTS not set; domain events are logged only")
		return notifications.LogPublisher{Logger: logger}, nil
	}
	awsCfg, err := config.LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	return notifications.NewEventPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.EventQueueURL, logger), nil
}

// buildServer wires repositories, services and handlers into a mounted
// core.Server.
func buildServer(cfg *config.Config, logger *slog.Logger, deps apiDeps) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = types.RealClock{}
	}

	tx := db.NewBillingTx(db.NewStore(deps.DB))
	stores := db.NewStores(deps.DB)

	plans := billing.NewPlanService(tx, stores.Plans, clock, cfg.Billing.DefaultCurrency, logger)
	assignments := billing.NewAssignmentService(billing.AssignmentServiceDeps{
		Tx:         tx,
		Stores:     stores,
		Events:     deps.Events,
		Agreements: deps.Agreements,
		Clock:      clock,
		Logger:     logger,
	})
	overages := billing.NewOverageService(tx, stores, deps.Events, clock, logger)
	disputes := billing.NewDisputeService(tx, stores.Disputes, clock, logger)
	sla := billing.NewSLAService(stores.Assignments)

	srv.Authenticator = auth.NewAPIKeyAuthenticator(db.NewAPIKeyRepository(deps.DB), auth.NewBcryptHasher(0), clock, logger)
	srv.RateLimitStore = core.NewMemoryRateLimitStore(nil)
	srv.HealthProbes = []core.HealthProbe{core.PingProbe{ProbeName: "database", Target: deps.DB}}

	webhook := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		assignments,
		db.NewAccountRepository(deps.DB),
		cfg.Billing.StripeWebhookSecret,
		logger,
	)

	srv.V1RouteRegistrars = []core.RouteRegistrar{
		handlers.NewPlanHandler(plans, srv.Validator, logger).RegisterRoutes,
		handlers.NewAssignmentHandler(assignments, srv.Validator, logger).RegisterRoutes,
		handlers.NewOverageHandler(overages, srv.Validator, logger).RegisterRoutes,
		handlers.NewDisputeHandler(disputes, srv.Validator, logger).RegisterRoutes,
		handlers.NewSLAHandler(sla, srv.Validator).RegisterRoutes,
		handlers.NewAuditHandler(db.NewAuditRepository(deps.DB)).RegisterRoutes,
		webhook.RegisterRoutes,
	}
	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown", "timeout", cfg.Server.ShutdownTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
