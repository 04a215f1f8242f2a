// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/graygate/graygate/convex"
	"github.com/graygate/graygate/gateway/api"
	"github.com/graygate/graygate/private/ratelimit"
)

// withRateLimit refuses requests once the client identity exhausts the
// limiter's window.
func (server *Server) withRateLimit(limiter *ratelimit.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(server.clientIdentity(r)) {
				server.serveError(w, http.StatusTooManyRequests,
					"Too many requests from this IP, please try again after 15 minutes")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withBearerAuth verifies the Authorization header and stashes the
// authenticated user on the request context. When sync is set the
// user's Clerk profile is pushed to the backend first, so a record
// exists before any usage writes.
func (server *Server) withBearerAuth(sync bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authorization := r.Header.Get("Authorization")
			if authorization == "" {
				server.serveError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			claims, err := server.verifier.VerifyBearer(ctx, authorization)
			if err != nil {
				server.log.Warn("authorization failed", zap.Error(err))
				server.serveError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			if sync {
				server.syncUser(ctx, claims.Subject)
			}

			ctx = api.WithUser(ctx, api.User{ClerkID: claims.Subject})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// syncUser mirrors the user's primary email into the backend. Failures
// only log: an authenticated request must not die because the
// directory was slow.
func (server *Server) syncUser(ctx context.Context, clerkID string) {
	if !server.clerk.Enabled() {
		return
	}

	user, err := server.clerk.GetUser(ctx, clerkID)
	if err != nil {
		server.log.Error("failed to load Clerk user",
			zap.String("user_id", clerkID), zap.Error(err))
		return
	}

	email := user.PrimaryEmail()
	if email == "" {
		server.log.Warn("user has no primary email in Clerk", zap.String("user_id", clerkID))
		return
	}

	_, err = server.backend.Action(ctx, "users:sync", map[string]interface{}{
		"clerkId": clerkID,
		"email":   email,
	})
	if err != nil {
		server.log.Error("failed to sync user to Convex",
			zap.String("user_id", clerkID), zap.Error(err))
	}
}

// withAPIKeyAuth authenticates via the X-API-Key header. The backend
// validates the key and records the hit in one call.
func (server *Server) withAPIKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if key == "" {
			server.serveError(w, http.StatusUnauthorized, "Unauthorized: API Key is required.")
			return
		}

		raw, err := server.backend.Action(ctx, "apiKeys:authenticateAndTrackUsage", map[string]interface{}{
			"key": key,
		})
		if err != nil {
			server.log.Error("API key authentication failed", zap.Error(err))
			server.serveError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		if convex.IsNull(raw) {
			server.serveError(w, http.StatusUnauthorized, "Unauthorized: Invalid API Key.")
			return
		}

		var user struct {
			ClerkID string `json:"clerkId"`
		}
		if err := json.Unmarshal(raw, &user); err != nil {
			server.log.Error("failed to decode API key owner", zap.Error(err))
			server.serveError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		ctx = api.WithUser(ctx, api.User{ClerkID: user.ClerkID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIdentity picks the key rate limiting buckets requests by. With
// a trusted proxy the forwarding headers win, otherwise the socket
// address is the only thing we believe.
func (server *Server) clientIdentity(r *http.Request) string {
	if server.config.TrustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if candidate := strings.TrimSpace(first); candidate != "" {
				return candidate
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func (server *Server) serveNotFound(w http.ResponseWriter, r *http.Request) {
	server.serveError(w, http.StatusNotFound, "Not Found")
}

func (server *Server) serveError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(map[string]string{"error": message})
	if err != nil {
		server.log.Error("failed to write json error response", zap.Error(err))
	}
}
