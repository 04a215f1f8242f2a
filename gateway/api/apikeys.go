// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// ErrKeysAPI is the error class for the api keys controller.
var ErrKeysAPI = errs.Class("gateway keys")

// Keys is an api controller for managed API keys. The keys themselves
// live in the Convex backend; the gateway only brokers generate, list,
// and delete on behalf of the authenticated user.
type Keys struct {
	log     *zap.Logger
	backend Backend
}

// NewKeys is a constructor for the api keys controller.
func NewKeys(log *zap.Logger, backend Backend) *Keys {
	return &Keys{
		log:     log,
		backend: backend,
	}
}

// Create generates a new API key for the caller.
func (keys *Keys) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	user, ok := GetUser(ctx)
	if !ok {
		serveCustomJSONError(keys.log, w, http.StatusUnauthorized, ErrKeysAPI.New("no user in context"), "Unauthorized")
		return
	}

	apiKey, err := keys.backend.Action(ctx, "apiKeys:generate", map[string]interface{}{
		"userId": user.ClerkID,
	})
	if err != nil {
		serveCustomJSONError(keys.log, w, http.StatusInternalServerError, ErrKeysAPI.Wrap(err), "Error generating API key")
		return
	}

	serveJSON(keys.log, w, http.StatusCreated, map[string]interface{}{
		"apiKey": json.RawMessage(apiKey),
	})
}

// List returns the caller's API keys as stored by the backend.
func (keys *Keys) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	user, ok := GetUser(ctx)
	if !ok {
		serveCustomJSONError(keys.log, w, http.StatusUnauthorized, ErrKeysAPI.New("no user in context"), "Unauthorized")
		return
	}

	listed, err := keys.backend.Query(ctx, "apiKeys:list", map[string]interface{}{
		"userId": user.ClerkID,
	})
	if err != nil {
		serveCustomJSONError(keys.log, w, http.StatusInternalServerError, ErrKeysAPI.Wrap(err), "Error listing API keys")
		return
	}

	serveJSON(keys.log, w, http.StatusOK, json.RawMessage(listed))
}

// Delete removes an API key by its backend id.
func (keys *Keys) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	user, ok := GetUser(ctx)
	if !ok {
		serveCustomJSONError(keys.log, w, http.StatusUnauthorized, ErrKeysAPI.New("no user in context"), "Unauthorized")
		return
	}

	keyID := strings.TrimSpace(mux.Vars(r)["id"])
	if keyID == "" {
		serveCustomJSONError(keys.log, w, http.StatusBadRequest, ErrKeysAPI.New("blank key id"), "Missing API key ID.")
		return
	}

	_, err = keys.backend.Action(ctx, "apiKeys:deleteApiKey", map[string]interface{}{
		"clerkId":  user.ClerkID,
		"apiKeyId": keyID,
	})
	if err != nil {
		serveCustomJSONError(keys.log, w, http.StatusInternalServerError, ErrKeysAPI.Wrap(err), "Error deleting API key.")
		return
	}

	serveJSON(keys.log, w, http.StatusOK, map[string]string{
		"message": "API key deleted successfully.",
	})
}
