// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// graygate is the PDF analysis and grayscale conversion gateway daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/graygate/graygate/clerk"
	"github.com/graygate/graygate/convex"
	"github.com/graygate/graygate/gateway"
	"github.com/graygate/graygate/gateway/api"
	"github.com/graygate/graygate/ghostscript"
	"github.com/graygate/graygate/mupdf"
	"github.com/graygate/graygate/payments"
	"github.com/graygate/graygate/plans"
	"github.com/graygate/graygate/private/gate"
	"github.com/graygate/graygate/private/procrun"
	"github.com/graygate/graygate/quota"
)

var (
	rootCmd = &cobra.Command{
		Use:          "graygate",
		Short:        "PDF analysis and grayscale conversion gateway",
		SilenceUsage: true,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		RunE:  cmdRun,
	}
)

func init() {
	runCmd.Flags().String("log-level", "", "minimum log level; overrides the LOG_LEVEL environment variable")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	loaded, err := loadEnvFiles()
	if err != nil {
		return err
	}

	log, err := newLogger(flagOrEnv(cmd.Flags(), "log-level", "LOG_LEVEL"))
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	if len(loaded) == 0 {
		log.Warn("No .env or .env.local file found. Using process environment only.")
	} else {
		log.Info("Loaded environment files", zap.Strings("files", loaded))
	}

	convexURL, ok := os.LookupEnv("CONVEX_URL")
	if !ok {
		return errs.New("CONVEX_URL environment variable is not set")
	}
	convexURL = convex.NormalizeDeploymentURL(convexURL)

	stripeSecretKey, ok := os.LookupEnv("STRIPE_SECRET_KEY")
	if !ok {
		if strings.EqualFold(os.Getenv("NODE_ENV"), "production") {
			return errs.New("STRIPE_SECRET_KEY environment variable is not set")
		}
		log.Warn("STRIPE_SECRET_KEY is not set. Stripe functionality will not work until it is provided.")
	}

	clerkIssuer := os.Getenv("CLERK_ISSUER")
	if clerkIssuer == "" {
		log.Warn("CLERK_ISSUER is not set. JWT verification will accept any valid Clerk issuer.")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend := convex.NewClient(log.Named("convex"), convexURL)

	var health string
	raw, probeErr := backend.Query(ctx, "health:get", nil)
	if probeErr == nil {
		probeErr = json.Unmarshal(raw, &health)
	}
	if probeErr != nil {
		log.Error("Convex connectivity check failed. If using local Convex, run `bunx convex dev` and ensure CONVEX_URL matches that deployment.",
			zap.String("convex_url", convexURL), zap.Error(probeErr))
	} else {
		log.Info("Convex connectivity check passed", zap.String("convex_health", health))
	}

	verifier := clerk.NewVerifier(log.Named("clerk"), clerkIssuer)
	clerkClient := clerk.NewClient(
		envString("CLERK_API_BASE", "https://api.clerk.com/v1"),
		os.Getenv("CLERK_SECRET_KEY"),
	)

	stripeClient := payments.NewStripeClient(log.Named("stripe"), stripeSecretKey)
	paymentsService := payments.NewService(log.Named("payments"), stripeClient, payments.Config{
		SecretKey:     stripeSecretKey,
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
	})

	quotaService := quota.NewService(log.Named("quota"), backend)

	prices := plans.NewPriceMap(
		os.Getenv("STRIPE_PRICE_ID_STARTER"),
		os.Getenv("STRIPE_PRICE_ID_PRO"),
		os.Getenv("STRIPE_PRICE_ID_BUSINESS"),
		os.Getenv("STRIPE_PRICE_ID_ENTERPRISE"),
	)

	tool := ghostscript.NewTool(log.Named("ghostscript"),
		procrun.New(log.Named("ghostscript"), envMillis("GHOSTSCRIPT_COMMAND_TIMEOUT_MS", 2*time.Minute)),
		ghostscript.Config{
			GhostscriptBin: envString("GHOSTSCRIPT_BIN", "gs"),
			PdfinfoBin:     envString("PDFINFO_BIN", "pdfinfo"),
		})
	mutool := mupdf.NewTool(log.Named("mupdf"),
		procrun.New(log.Named("mupdf"), envMillis("MUTOOL_COMMAND_TIMEOUT_MS", 2*time.Minute)),
		mupdf.Config{
			MutoolBin: envString("MUTOOL_BIN", "mutool"),
		})

	concurrencyRaw, ok := os.LookupEnv("GHOSTSCRIPT_CONCURRENCY")
	if !ok {
		concurrencyRaw = os.Getenv("PROCESSING_CONCURRENCY")
	}
	concurrency := 3
	if parsed, err := strconv.Atoi(concurrencyRaw); err == nil && parsed > 0 {
		concurrency = parsed
	}
	processingGate := gate.New(log.Named("gate"), "ghostscript", concurrency, envTimingFlag("LOG_TASK_QUEUE_TIMINGS"))

	port := envPositiveInt("PORT", 9001)
	if port > 65535 {
		port = 9001
	}

	config := gateway.Config{
		Address:     fmt.Sprintf(":%d", port),
		TrustProxy:  envFlag("TRUST_PROXY", true),
		TLSCertPath: os.Getenv("TLS_CERT_PATH"),
		TLSKeyPath:  os.Getenv("TLS_KEY_PATH"),
		FrontendURL: os.Getenv("FRONTEND_URL"),

		PreflightTestLimit: 5,
		APILimit:           100,
		RateLimitWindow:    15 * time.Minute,

		Process: api.ProcessConfig{
			LogGhostscriptTimings: envTimingFlag("LOG_GHOSTSCRIPT_TIMINGS"),
			LogProcessingTimings:  envTimingFlag("LOG_PROCESSING_TIMINGS"),
			BlackControls: ghostscript.BlackControls{
				ForceText:   envFlag("GRAYSCALE_PRODUCTION_FORCE_BLACK_TEXT", true),
				ForceVector: envFlag("GRAYSCALE_PRODUCTION_FORCE_BLACK_VECTOR", true),
				ThresholdL:  envFloat("GRAYSCALE_PRODUCTION_BLACK_THRESHOLD_L"),
				ThresholdC:  envFloat("GRAYSCALE_PRODUCTION_BLACK_THRESHOLD_C"),
			},
		},
	}

	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return errs.New("failed to bind TCP listener: %v", err)
	}

	server := gateway.NewServer(log.Named("gateway"), listener,
		verifier, clerkClient, backend,
		quotaService, paymentsService, prices,
		tool, mutool, processingGate, config)

	runErr := server.Run(ctx)
	closeErr := server.Close()
	return errs.Combine(runErr, closeErr)
}

// flagOrEnv prefers an explicitly set command line flag over the
// matching environment variable.
func flagOrEnv(flags *pflag.FlagSet, name, envKey string) string {
	if value, err := flags.GetString(name); err == nil && value != "" {
		return value
	}
	return os.Getenv(envKey)
}

// newLogger builds the process logger. NODE_ENV=production switches to
// the JSON encoder, rawLevel overrides the info default.
func newLogger(rawLevel string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if rawLevel != "" {
		if parsed, err := zapcore.ParseLevel(rawLevel); err == nil {
			level = parsed
		}
	}

	var config zap.Config
	if strings.EqualFold(os.Getenv("NODE_ENV"), "production") {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)
	return config.Build()
}

// loadEnvFiles applies .env and .env.local from the working directory
// and the executable's directory. The process environment always wins
// and the first file to define a key wins, matching dotenv semantics.
func loadEnvFiles() (loaded []string, err error) {
	var roots []string
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		roots = append(roots, filepath.Dir(exe))
	}

	seen := make(map[string]bool)
	for _, root := range roots {
		if seen[root] {
			continue
		}
		seen[root] = true

		for _, name := range []string{".env", ".env.local"} {
			path := filepath.Join(root, name)
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			if err := applyEnvFile(path); err != nil {
				return nil, err
			}
			loaded = append(loaded, path)
		}
	}
	return loaded, nil
}

func applyEnvFile(path string) error {
	parser := viper.New()
	parser.SetConfigFile(path)
	parser.SetConfigType("env")
	if err := parser.ReadInConfig(); err != nil {
		return errs.New("failed to load %s: %v", path, err)
	}

	for _, key := range parser.AllKeys() {
		name := strings.ToUpper(key)
		if _, exists := os.LookupEnv(name); exists {
			continue
		}
		if err := os.Setenv(name, parser.GetString(key)); err != nil {
			return errs.Wrap(err)
		}
	}
	return nil
}

func envString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// envFlag is lenient about spelling: anything except "0", "false",
// "off", and "no" counts as enabled.
func envFlag(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "0", "false", "off", "no":
		return false
	default:
		return true
	}
}

// envTimingFlag is strict: only "1" and "true" enable a timing log.
func envTimingFlag(key string) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return false
	}
	return value == "1" || strings.EqualFold(value, "true")
}

func envPositiveInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envFloat(key string) *float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	return &parsed
}

func envMillis(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}
