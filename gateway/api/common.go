// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package api implements the HTTP controllers of the gateway.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the api package.
	Error = errs.Class("gateway api")
)

// Backend runs functions on the Convex deployment. Implemented by
// *convex.Client.
type Backend interface {
	Query(ctx context.Context, path string, args interface{}) (json.RawMessage, error)
	Action(ctx context.Context, path string, args interface{}) (json.RawMessage, error)
}

// User identifies the authenticated caller of a request. ClerkID may be
// blank for API key callers whose backend record carries no Clerk id.
type User struct {
	ClerkID string
}

type contextKey int

const userContextKey contextKey = iota

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// GetUser returns the authenticated user stored in the context by the
// auth middleware.
func GetUser(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userContextKey).(User)
	return user, ok
}

// serveJSON writes a JSON response body with the given status.
func serveJSON(log *zap.Logger, w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Error("failed to write json response", zap.Error(Error.Wrap(err)))
	}
}

// serveJSONError writes a JSON error to the response output stream.
func serveJSONError(log *zap.Logger, w http.ResponseWriter, status int, err error) {
	serveCustomJSONError(log, w, status, err, err.Error())
}

// serveCustomJSONError writes a JSON error with a message that differs
// from the internal error.
func serveCustomJSONError(log *zap.Logger, w http.ResponseWriter, status int, err error, message string) {
	fields := []zap.Field{
		zap.Int("code", status),
		zap.String("message", message),
		zap.Error(err),
	}
	if status == http.StatusInternalServerError {
		log.Error("returning error to client", fields...)
	} else {
		log.Debug("returning error to client", fields...)
	}

	var response struct {
		Error string `json:"error"`
	}
	response.Error = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error("failed to write json error response", zap.Error(Error.Wrap(err)))
	}
}
