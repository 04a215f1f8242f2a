// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package convex implements a client for the Convex deployment HTTP API.
// Queries and actions are POSTed to /api/query and /api/action with the
// convex_encoded_json argument format.
package convex

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the convex package.
	Error = errs.Class("convex")
)

// clientHeader mirrors the official npm client version so that
// deployments attribute our traffic the same way.
const clientHeader = "npm-1.26.2"

// Client calls functions on a Convex deployment.
type Client struct {
	log     *zap.Logger
	baseURL string
	http    http.Client
}

// NewClient creates a client against the deployment at baseURL.
func NewClient(log *zap.Logger, baseURL string) *Client {
	return &Client{
		log:     log,
		baseURL: baseURL,
		http:    http.Client{},
	}
}

// BaseURL returns the deployment URL the client was configured with.
func (client *Client) BaseURL() string { return client.baseURL }

// Query runs a read-only Convex function and returns its raw value.
func (client *Client) Query(ctx context.Context, path string, args interface{}) (_ json.RawMessage, err error) {
	defer mon.Task()(&ctx)(&err)
	return client.call(ctx, "query", path, args)
}

// Action runs a Convex action and returns its raw value.
func (client *Client) Action(ctx context.Context, path string, args interface{}) (_ json.RawMessage, err error) {
	defer mon.Task()(&ctx)(&err)
	return client.call(ctx, "action", path, args)
}

func (client *Client) call(ctx context.Context, kind, path string, args interface{}) (_ json.RawMessage, err error) {
	endpoint := strings.TrimRight(client.baseURL, "/") + "/api/" + kind

	pruned, err := pruneNullFields(args)
	if err != nil {
		return nil, Error.New("invalid arguments for %s: %v", path, err)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"path":   path,
		"format": "convex_encoded_json",
		"args":   []interface{}{pruned},
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Convex-Client", clientHeader)

	resp, err := client.http.Do(req)
	if err != nil {
		return nil, Error.New("%s request failed for %s: %v", kind, path, err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Error.New("failed to read %s response for %s: %v", kind, path, err)
	}
	if !json.Valid(raw) {
		return nil, Error.New("failed to parse %s response for %s", kind, path)
	}

	// Convex reports application errors with status 560 and a regular
	// error envelope; anything else outside 2xx is a transport failure.
	if (resp.StatusCode < 200 || resp.StatusCode > 299) && resp.StatusCode != 560 {
		return nil, Error.New("%s HTTP error %d for %s: %s", kind, resp.StatusCode, path, raw)
	}

	var envelope struct {
		Status       json.RawMessage `json:"status"`
		Value        json.RawMessage `json:"value"`
		ErrorMessage json.RawMessage `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, Error.New("invalid %s response for %s: %s", kind, path, raw)
	}

	var status string
	_ = json.Unmarshal(envelope.Status, &status)
	switch status {
	case "success":
		if len(envelope.Value) == 0 {
			return json.RawMessage("null"), nil
		}
		return envelope.Value, nil
	case "error":
		message := "Convex function error"
		var text string
		if json.Unmarshal(envelope.ErrorMessage, &text) == nil && text != "" {
			message = text
		}
		return nil, Error.New("%s %s failed: %s", kind, path, message)
	default:
		return nil, Error.New("invalid %s response for %s: %s", kind, path, raw)
	}
}

// pruneNullFields round-trips args through generic JSON and removes
// object fields whose value is null, recursively, including objects
// nested in arrays. Null array elements are kept.
func pruneNullFields(args interface{}) (interface{}, error) {
	if args == nil {
		return map[string]interface{}{}, nil
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return nil, err
	}
	return pruneValue(generic), nil
}

func pruneValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		for key, child := range typed {
			if child == nil {
				delete(typed, key)
				continue
			}
			typed[key] = pruneValue(child)
		}
		return typed
	case []interface{}:
		for i, child := range typed {
			if child == nil {
				continue
			}
			typed[i] = pruneValue(child)
		}
		return typed
	default:
		return value
	}
}

// IsNull reports whether a backend value is JSON null or absent.
func IsNull(value json.RawMessage) bool {
	trimmed := bytes.TrimSpace(value)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// NormalizeDeploymentURL rewrites websocket deployment URLs to their
// HTTP equivalents. Convex dashboards hand out wss:// URLs while the
// HTTP API lives on https://.
func NormalizeDeploymentURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(trimmed, "wss://"):
		return "https://" + strings.TrimPrefix(trimmed, "wss://")
	case strings.HasPrefix(trimmed, "ws://"):
		return "http://" + strings.TrimPrefix(trimmed, "ws://")
	default:
		return trimmed
	}
}
