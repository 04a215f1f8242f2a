// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	query  func(path string, args interface{}) (json.RawMessage, error)
	action func(path string, args interface{}) (json.RawMessage, error)
}

func (stub *stubBackend) Query(ctx context.Context, path string, args interface{}) (json.RawMessage, error) {
	return stub.query(path, args)
}

func (stub *stubBackend) Action(ctx context.Context, path string, args interface{}) (json.RawMessage, error) {
	return stub.action(path, args)
}

func argsMap(t *testing.T, args interface{}) map[string]interface{} {
	t.Helper()
	m, ok := args.(map[string]interface{})
	require.True(t, ok)
	return m
}

// withTestUser attaches an authenticated user the way the gateway's
// middleware would.
func withTestUser(r *http.Request, clerkID string) *http.Request {
	return r.WithContext(WithUser(r.Context(), User{ClerkID: clerkID}))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func requireErrorBody(t *testing.T, rec *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	require.Equal(t, status, rec.Code)
	require.Equal(t, map[string]interface{}{"error": message}, decodeBody(t, rec))
}
