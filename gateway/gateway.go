// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package gateway implements the public HTTP server: routing, CORS,
// rate limiting, and the bearer and API key authentication flavors in
// front of the api controllers.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/graygate/graygate/clerk"
	"github.com/graygate/graygate/gateway/api"
	"github.com/graygate/graygate/ghostscript"
	"github.com/graygate/graygate/mupdf"
	"github.com/graygate/graygate/payments"
	"github.com/graygate/graygate/plans"
	"github.com/graygate/graygate/private/gate"
	"github.com/graygate/graygate/private/ratelimit"
	"github.com/graygate/graygate/quota"
)

// Error is the default error class for the gateway package.
var Error = errs.Class("gateway")

// Request bodies larger than this are refused before multipart parsing
// starts. The webhook route shares the ceiling.
const maxBodyBytes = 25 << 20

// Config holds the gateway server settings.
type Config struct {
	Address    string `help:"address the gateway listens on" default:":9001"`
	TrustProxy bool   `help:"trust X-Forwarded-For and X-Real-IP for client identity" default:"true"`

	TLSCertPath string `help:"TLS certificate path; HTTPS is used when the key and certificate both exist" default:""`
	TLSKeyPath  string `help:"TLS private key path" default:""`

	FrontendURL string `help:"frontend base URL for billing redirects" default:""`

	PreflightTestLimit int           `help:"anonymous preflight requests allowed per window per client" default:"5"`
	APILimit           int           `help:"api requests allowed per window per client" default:"100"`
	RateLimitWindow    time.Duration `help:"rate limit window" default:"15m"`

	Process api.ProcessConfig
}

// TokenVerifier checks bearer session tokens. Implemented by
// *clerk.Verifier.
type TokenVerifier interface {
	VerifyBearer(ctx context.Context, authorization string) (clerk.Claims, error)
}

// Server is the gateway HTTP server.
type Server struct {
	log    *zap.Logger
	config Config

	listener net.Listener
	server   http.Server

	verifier TokenVerifier
	clerk    *clerk.Client
	backend  api.Backend

	preflightTestLimiter *ratelimit.Limiter
	apiLimiter           *ratelimit.Limiter
}

// NewServer wires the controllers into the route table and returns a
// server ready to Run.
func NewServer(
	log *zap.Logger,
	listener net.Listener,
	verifier TokenVerifier,
	clerkClient *clerk.Client,
	backend api.Backend,
	quotaService *quota.Service,
	paymentsService *payments.Service,
	prices *plans.PriceMap,
	tool *ghostscript.Tool,
	mutool *mupdf.Tool,
	gate *gate.Gate,
	config Config,
) *Server {
	server := &Server{
		log:      log,
		config:   config,
		listener: listener,

		verifier: verifier,
		clerk:    clerkClient,
		backend:  backend,

		preflightTestLimiter: ratelimit.New(config.RateLimitWindow, config.PreflightTestLimit),
		apiLimiter:           ratelimit.New(config.RateLimitWindow, config.APILimit),
	}

	health := api.NewHealth(log, backend, tool)
	keys := api.NewKeys(log, backend)
	usage := api.NewUsage(log, backend)
	billing := api.NewBilling(log, backend, paymentsService, prices, config.FrontendURL)
	process := api.NewProcess(log, quotaService, tool, mutool, gate, config.Process)

	root := mux.NewRouter()
	root.NotFoundHandler = http.HandlerFunc(server.serveNotFound)

	// The webhook is registered ahead of the /api subtree so Stripe
	// retries are never counted against the api rate limit.
	root.HandleFunc("/api/stripe/webhook", billing.Webhook).Methods(http.MethodPost)

	root.HandleFunc("/health", health.Status).Methods(http.MethodGet)

	processRouter := root.PathPrefix("/process/").Subrouter()

	processPublic := processRouter.NewRoute().Subrouter()
	processPublic.Use(server.withRateLimit(server.preflightTestLimiter))
	processPublic.HandleFunc("/preflight-test", process.PreflightTest).Methods(http.MethodPost)

	processPrivate := processRouter.NewRoute().Subrouter()
	processPrivate.Use(server.withBearerAuth(true))
	processPrivate.HandleFunc("/preflight", process.Preflight).Methods(http.MethodPost)
	processPrivate.HandleFunc("/grayscale", process.Grayscale).Methods(http.MethodPost)
	processPrivate.HandleFunc("/conversion", process.Conversion).Methods(http.MethodGet)

	apiRouter := root.PathPrefix("/api/").Subrouter()
	apiRouter.Use(server.withRateLimit(server.apiLimiter))

	bearerAPI := apiRouter.NewRoute().Subrouter()
	bearerAPI.Use(server.withBearerAuth(true))
	bearerAPI.HandleFunc("/keys", keys.Create).Methods(http.MethodPost)
	bearerAPI.HandleFunc("/keys", keys.List).Methods(http.MethodGet)
	bearerAPI.HandleFunc("/keys/{id}", keys.Delete).Methods(http.MethodDelete)
	bearerAPI.HandleFunc("/subscription", billing.Subscription).Methods(http.MethodGet)
	bearerAPI.HandleFunc("/stripe/create-checkout-session", billing.CreateCheckoutSession).Methods(http.MethodPost)
	bearerAPI.HandleFunc("/stripe/sync-session", billing.SyncSession).Methods(http.MethodPost)
	bearerAPI.HandleFunc("/stripe/create-customer-portal-session", billing.PortalSession).Methods(http.MethodPost)

	// Usage skips the directory sync: the dashboard polls it and the
	// extra Clerk round trip per poll adds nothing.
	usageAPI := apiRouter.NewRoute().Subrouter()
	usageAPI.Use(server.withBearerAuth(false))
	usageAPI.HandleFunc("/usage", usage.Summary).Methods(http.MethodGet)

	keyedAPI := apiRouter.PathPrefix("/process/").Subrouter()
	keyedAPI.Use(server.withAPIKeyAuth)
	keyedAPI.HandleFunc("/analyze", process.Analyze).Methods(http.MethodPost)
	keyedAPI.HandleFunc("/grayscale", process.GrayscaleAPI).Methods(http.MethodPost)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{
			http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions,
		}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-API-Key", "Stripe-Signature"}),
	)

	server.server.Handler = cors(server.withBodyLimit(root))
	return server
}

// Run serves requests until ctx is canceled. HTTPS is used when the
// configured certificate pair checks out, otherwise the server
// downgrades to HTTP after logging what was wrong.
func (server *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()

		var err error
		if certPath, keyPath, ok := server.tlsPaths(); ok {
			server.log.Info("TLS configuration loaded. Running in HTTPS mode.",
				zap.String("address", server.listener.Addr().String()))
			err = server.server.ServeTLS(server.listener, certPath, keyPath)
		} else {
			server.log.Info("Running in HTTP mode.",
				zap.String("address", server.listener.Addr().String()))
			err = server.server.Serve(server.listener)
		}
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close stops the server abruptly.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// tlsPaths validates the configured certificate pair. Misconfiguration
// downgrades to HTTP with error logs instead of refusing to start.
func (server *Server) tlsPaths() (certPath, keyPath string, ok bool) {
	certPath, keyPath = server.config.TLSCertPath, server.config.TLSKeyPath
	switch {
	case certPath == "" && keyPath == "":
		return "", "", false
	case keyPath == "":
		server.log.Error("TLS certificate file provided but TLS key path missing", zap.String("path", certPath))
	case certPath == "":
		server.log.Error("TLS key file provided but TLS certificate path missing", zap.String("path", keyPath))
	default:
		certExists := fileExists(certPath)
		keyExists := fileExists(keyPath)
		if certExists && keyExists {
			return certPath, keyPath, true
		}
		if !keyExists {
			server.log.Error("TLS key file not found", zap.String("path", keyPath))
		}
		if !certExists {
			server.log.Error("TLS certificate file not found", zap.String("path", certPath))
		}
	}
	server.log.Error("Proceeding without TLS.")
	return "", "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (server *Server) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
