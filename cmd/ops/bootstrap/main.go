// Package main implements the billing secrets bootstrap tool.
//
// The tool walks an operator through the secrets the API and the cycle
// processor need (database URL, Stripe keys, e-signature credentials),
// validates each one, and stores it in SSM Parameter Store under
// /{env}/client-portal/billing/. Deployed services reference the stored
// parameters through *_SSM_PARAM variables, which config.LoadConfig resolves.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=dev --export-env
//	go run ./cmd/ops/bootstrap --env=prod --profile=portal-prod --region=us-east-1
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

// options holds the parsed command-line flags.
type options struct {
	Env           string
	Profile       string
	Region        string
	EndpointURL   string
	ExportEnv     bool
	ExportEnvPath string
	SkipOptional  bool
}

// BootstrapContext is the session established before any parameter is written.
type BootstrapContext struct {
	Environment string
	AWSProfile  string
	AWSRegion   string
	AccountID   string
	CallerARN   string
	AWSConfig   aws.Config
	Logger      *slog.Logger
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bctx, err := initializeSession(ctx, opts, logger)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if bctx.Environment == "prod" && !confirmProduction(os.Stdin, os.Stderr, bctx) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		return nil
	}

	printBanner(os.Stderr, bctx)

	runner := NewBootstrapRunner(bctx)
	runner.SkipOptional = opts.SkipOptional
	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	logger.Info("bootstrap completed",
		"env", bctx.Environment,
		"account", bctx.AccountID,
		"region", bctx.AWSRegion,
	)

	if !opts.ExportEnv {
		return nil
	}
	return ExportEnvFile(ctx, ExportEnvConfig{
		OutputPath:           opts.ExportEnvPath,
		SSM:                  runner.SSM,
		Inventory:            BuildInventory(runner.Validator),
		Stderr:               os.Stderr,
		IncludeLocalDefaults: true,
	})
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.Env, "env", "", "Target environment (dev/staging/prod) [required]")
	fs.StringVar(&opts.Profile, "profile", "", "AWS CLI profile (default: default credential chain)")
	fs.StringVar(&opts.Region, "region", "us-east-1", "AWS region")
	fs.StringVar(&opts.EndpointURL, "endpoint-url", "", "AWS endpoint override (LocalStack)")
	fs.BoolVar(&opts.ExportEnv, "export-env", false, "Write the stored values to a local .env file afterwards")
	fs.StringVar(&opts.ExportEnvPath, "export-env-path", ".env", "Path of the exported .env file")
	fs.BoolVar(&opts.SkipOptional, "skip-optional", false, "Skip the optional e-signature parameters")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Billing secrets bootstrap\n\n")
		fmt.Fprintf(stderr, "Usage:\n  bootstrap --env=dev [--profile=NAME] [--region=REGION] [--export-env]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.Env == "" {
		fs.Usage()
		return opts, errors.New("--env is required")
	}
	if !validEnvironments[opts.Env] {
		return opts, fmt.Errorf("invalid environment %q (must be dev, staging, or prod)", opts.Env)
	}
	return opts, nil
}

// initializeSession loads the AWS configuration and confirms the caller
// identity with STS before anything is written.
func initializeSession(ctx context.Context, opts options, logger *slog.Logger) (*BootstrapContext, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	if opts.EndpointURL != "" {
		loadOpts = append(loadOpts, awsconfig.WithBaseEndpoint(opts.EndpointURL))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	identityCtx, identityCancel := context.WithTimeout(ctx, 10*time.Second)
	defer identityCancel()

	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(identityCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying AWS identity (profile %q, region %q): %w", opts.Profile, opts.Region, err)
	}

	bctx := &BootstrapContext{
		Environment: opts.Env,
		AWSProfile:  opts.Profile,
		AWSRegion:   opts.Region,
		AccountID:   aws.ToString(identity.Account),
		CallerARN:   aws.ToString(identity.Arn),
		AWSConfig:   cfg,
		Logger:      logger,
	}
	logger.Info("AWS identity verified", "account_id", bctx.AccountID, "arn", bctx.CallerARN)
	return bctx, nil
}

// confirmProduction returns true only when the operator types "yes".
func confirmProduction(in io.Reader, out io.Writer, bctx *BootstrapContext) bool {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintln(out, "  WARNING: You are targeting the PRODUCTION environment")
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintf(out, "  Account: %s\n", bctx.AccountID)
	fmt.Fprintf(out, "  Region:  %s\n", bctx.AWSRegion)
	fmt.Fprintf(out, "  ARN:     %s\n", bctx.CallerARN)
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type 'yes' to continue: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes")
}

func printBanner(w io.Writer, bctx *BootstrapContext) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "------------------------------------------------------------")
	fmt.Fprintln(w, "  Client Portal Billing Bootstrap")
	fmt.Fprintln(w, "------------------------------------------------------------")
	fmt.Fprintf(w, "  Environment:  %s\n", bctx.Environment)
	fmt.Fprintf(w, "  AWS Account:  %s\n", bctx.AccountID)
	fmt.Fprintf(w, "  AWS Region:   %s\n", bctx.AWSRegion)
	fmt.Fprintf(w, "  Identity:     %s\n", bctx.CallerARN)
	if bctx.AWSProfile != "" {
		fmt.Fprintf(w, "  Profile:      %s\n", bctx.AWSProfile)
	}
	fmt.Fprintf(w, "  SSM Prefix:   %s\n", ssmPrefix(bctx.Environment))
	fmt.Fprintln(w, "------------------------------------------------------------")
	fmt.Fprintln(w)
}
