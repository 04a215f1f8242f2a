// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/graygate/graygate/clerk"
	"github.com/graygate/graygate/ghostscript"
	"github.com/graygate/graygate/mupdf"
	"github.com/graygate/graygate/payments"
	"github.com/graygate/graygate/plans"
	"github.com/graygate/graygate/private/gate"
	"github.com/graygate/graygate/quota"
)

type stubVerifier struct {
	authorization string
	claims        clerk.Claims
	err           error
}

func (s *stubVerifier) VerifyBearer(ctx context.Context, authorization string) (clerk.Claims, error) {
	s.authorization = authorization
	if s.err != nil {
		return clerk.Claims{}, s.err
	}
	return s.claims, nil
}

type stubBackend struct {
	query  func(path string, args interface{}) (json.RawMessage, error)
	action func(path string, args interface{}) (json.RawMessage, error)
}

func (s *stubBackend) Query(ctx context.Context, path string, args interface{}) (json.RawMessage, error) {
	return s.query(path, args)
}

func (s *stubBackend) Action(ctx context.Context, path string, args interface{}) (json.RawMessage, error) {
	return s.action(path, args)
}

type staticRunner struct{}

func (staticRunner) Run(ctx context.Context, program string, args ...string) ([]byte, []byte, error) {
	return []byte("ok"), nil, nil
}

func newTestServer(t *testing.T, verifier TokenVerifier, backend *stubBackend, config Config) *Server {
	log := zaptest.NewLogger(t)
	if config.RateLimitWindow == 0 {
		config.RateLimitWindow = 15 * time.Minute
	}
	if config.PreflightTestLimit == 0 {
		config.PreflightTestLimit = 5
	}
	if config.APILimit == 0 {
		config.APILimit = 100
	}
	return NewServer(log, nil, verifier,
		clerk.NewClient("", ""),
		backend,
		quota.NewService(log, backend),
		payments.NewService(log, payments.NewStripeClient(log, ""), payments.Config{}),
		plans.NewPriceMap("", "", "", ""),
		ghostscript.NewTool(log, staticRunner{}, ghostscript.Config{}),
		mupdf.NewTool(log, staticRunner{}, mupdf.Config{}),
		gate.New(log, "test", 2, false),
		config)
}

func serveRequest(server *Server, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, r)
	return rec
}

func requireJSONError(t *testing.T, rec *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	require.Equal(t, status, rec.Code)
	require.JSONEq(t, fmt.Sprintf(`{"error":%q}`, message), rec.Body.String())
}

func multipartWithoutFile(t *testing.T) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("mode", "preview"))
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func TestRoutingNotFound(t *testing.T) {
	server := newTestServer(t, &stubVerifier{}, &stubBackend{}, Config{})

	for _, target := range []string{"/nope", "/api/bogus", "/process/bogus"} {
		rec := serveRequest(server, httptest.NewRequest(http.MethodGet, target, nil))
		requireJSONError(t, rec, http.StatusNotFound, "Not Found")
	}
}

func TestHealthRoute(t *testing.T) {
	backend := &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			require.Equal(t, "health:get", path)
			return json.RawMessage(`"ok"`), nil
		},
	}
	server := newTestServer(t, &stubVerifier{}, backend, Config{})

	rec := serveRequest(server, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Gateway is online.")
}

func TestBearerAuth(t *testing.T) {
	t.Run("missing header", func(t *testing.T) {
		server := newTestServer(t, &stubVerifier{}, &stubBackend{}, Config{})

		rec := serveRequest(server, httptest.NewRequest(http.MethodGet, "/api/subscription", nil))
		requireJSONError(t, rec, http.StatusUnauthorized, "Unauthorized")
	})

	t.Run("rejected token", func(t *testing.T) {
		server := newTestServer(t, &stubVerifier{err: errs.New("token expired")}, &stubBackend{}, Config{})

		r := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
		r.Header.Set("Authorization", "Bearer bad")
		rec := serveRequest(server, r)
		requireJSONError(t, rec, http.StatusUnauthorized, "Unauthorized")
	})

	t.Run("valid token reaches the controller", func(t *testing.T) {
		backend := &stubBackend{
			query: func(path string, args interface{}) (json.RawMessage, error) {
				require.Equal(t, "subscriptions:get", path)
				data, err := json.Marshal(args)
				require.NoError(t, err)
				require.JSONEq(t, `{"userId":"user_1"}`, string(data))
				return json.RawMessage(`{"plan":"pro","status":"active"}`), nil
			},
		}
		verifier := &stubVerifier{claims: clerk.Claims{Subject: "user_1"}}
		server := newTestServer(t, verifier, backend, Config{})

		r := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
		r.Header.Set("Authorization", "Bearer token-123")
		rec := serveRequest(server, r)

		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"plan":"pro","status":"active"}`, rec.Body.String())
		require.Equal(t, "Bearer token-123", verifier.authorization)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	newKeyedRequest := func(t *testing.T, key string) *http.Request {
		body, contentType := multipartWithoutFile(t)
		r := httptest.NewRequest(http.MethodPost, "/api/process/analyze", body)
		r.Header.Set("Content-Type", contentType)
		if key != "" {
			r.Header.Set("X-API-Key", key)
		}
		return r
	}

	t.Run("missing key", func(t *testing.T) {
		server := newTestServer(t, &stubVerifier{}, &stubBackend{}, Config{})

		rec := serveRequest(server, newKeyedRequest(t, ""))
		requireJSONError(t, rec, http.StatusUnauthorized, "Unauthorized: API Key is required.")
	})

	t.Run("lookup failure", func(t *testing.T) {
		backend := &stubBackend{
			action: func(path string, args interface{}) (json.RawMessage, error) {
				return nil, errs.New("backend offline")
			},
		}
		server := newTestServer(t, &stubVerifier{}, backend, Config{})

		rec := serveRequest(server, newKeyedRequest(t, "gk_live_1"))
		requireJSONError(t, rec, http.StatusInternalServerError, "Internal Server Error")
	})

	t.Run("unknown key", func(t *testing.T) {
		backend := &stubBackend{
			action: func(path string, args interface{}) (json.RawMessage, error) {
				return json.RawMessage(`null`), nil
			},
		}
		server := newTestServer(t, &stubVerifier{}, backend, Config{})

		rec := serveRequest(server, newKeyedRequest(t, "gk_live_1"))
		requireJSONError(t, rec, http.StatusUnauthorized, "Unauthorized: Invalid API Key.")
	})

	t.Run("valid key reaches the controller", func(t *testing.T) {
		var authenticatedKey string
		backend := &stubBackend{
			action: func(path string, args interface{}) (json.RawMessage, error) {
				require.Equal(t, "apiKeys:authenticateAndTrackUsage", path)
				data, err := json.Marshal(args)
				require.NoError(t, err)
				var body struct {
					Key string `json:"key"`
				}
				require.NoError(t, json.Unmarshal(data, &body))
				authenticatedKey = body.Key
				return json.RawMessage(`{"clerkId":"user_9"}`), nil
			},
		}
		server := newTestServer(t, &stubVerifier{}, backend, Config{})

		// The upload is rejected after authentication: proof the key
		// cleared the middleware.
		rec := serveRequest(server, newKeyedRequest(t, "gk_live_1"))
		requireJSONError(t, rec, http.StatusBadRequest, "File not found")
		require.Equal(t, "gk_live_1", authenticatedKey)
	})
}

func TestWebhookBypassesAPILimit(t *testing.T) {
	server := newTestServer(t, &stubVerifier{}, &stubBackend{}, Config{APILimit: 1})

	rec := serveRequest(server, httptest.NewRequest(http.MethodGet, "/api/usage", nil))
	requireJSONError(t, rec, http.StatusUnauthorized, "Unauthorized")

	rec = serveRequest(server, httptest.NewRequest(http.MethodGet, "/api/usage", nil))
	requireJSONError(t, rec, http.StatusTooManyRequests,
		"Too many requests from this IP, please try again after 15 minutes")

	// Stripe retries must keep landing even when the caller's api
	// budget is spent.
	rec = serveRequest(server, httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil))
	requireJSONError(t, rec, http.StatusBadRequest, "Missing Stripe signature.")
}

func TestConversionRequiresBearer(t *testing.T) {
	server := newTestServer(t, &stubVerifier{claims: clerk.Claims{Subject: "user_1"}}, &stubBackend{}, Config{})

	rec := serveRequest(server, httptest.NewRequest(http.MethodGet, "/process/conversion", nil))
	requireJSONError(t, rec, http.StatusUnauthorized, "Unauthorized")

	r := httptest.NewRequest(http.MethodGet, "/process/conversion", nil)
	r.Header.Set("Authorization", "Bearer token-123")
	rec = serveRequest(server, r)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":"conversion"}`, rec.Body.String())
}

func TestCORS(t *testing.T) {
	t.Run("preflight", func(t *testing.T) {
		server := newTestServer(t, &stubVerifier{}, &stubBackend{}, Config{})

		r := httptest.NewRequest(http.MethodOptions, "/api/usage", nil)
		r.Header.Set("Origin", "https://app.example.com")
		r.Header.Set("Access-Control-Request-Method", http.MethodGet)
		r.Header.Set("Access-Control-Request-Headers", "authorization")
		rec := serveRequest(server, r)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("simple request", func(t *testing.T) {
		backend := &stubBackend{
			query: func(path string, args interface{}) (json.RawMessage, error) {
				return json.RawMessage(`"ok"`), nil
			},
		}
		server := newTestServer(t, &stubVerifier{}, backend, Config{})

		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.Header.Set("Origin", "https://app.example.com")
		rec := serveRequest(server, r)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestTLSPaths(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("cert"), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))

	for _, tt := range []struct {
		name string
		cert string
		key  string
		ok   bool
	}{
		{"both configured", certPath, keyPath, true},
		{"neither configured", "", "", false},
		{"key missing on disk", certPath, filepath.Join(dir, "absent.pem"), false},
		{"cert not configured", "", keyPath, false},
		{"key not configured", certPath, "", false},
		{"cert is a directory", dir, keyPath, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			server := &Server{
				log:    zaptest.NewLogger(t),
				config: Config{TLSCertPath: tt.cert, TLSKeyPath: tt.key},
			}
			gotCert, gotKey, ok := server.tlsPaths()
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.Equal(t, tt.cert, gotCert)
				require.Equal(t, tt.key, gotKey)
			}
		})
	}
}
