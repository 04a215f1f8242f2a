// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/graygate/graygate/ghostscript"
)

// Health reports gateway, backend, and toolchain status.
type Health struct {
	log     *zap.Logger
	backend Backend
	tool    *ghostscript.Tool
}

// NewHealth is a constructor for the health controller.
func NewHealth(log *zap.Logger, backend Backend, tool *ghostscript.Tool) *Health {
	return &Health{
		log:     log,
		backend: backend,
		tool:    tool,
	}
}

// Status probes the Convex deployment and the Ghostscript binary and
// writes a plain text summary. The toolchain probe runs outside the
// work gate: it must answer even when the gate is saturated.
func (health *Health) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	ghostscriptStatus := "Not checked"
	ghostscriptDetail := ""
	if banner, versionErr := health.tool.Version(ctx); versionErr == nil {
		ghostscriptStatus = banner
	} else {
		ghostscriptDetail = fmt.Sprintf(" (Error: %v)", versionErr)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	raw, err := health.backend.Query(ctx, "health:get", map[string]interface{}{})
	if err != nil {
		health.log.Error("failed to connect to Convex", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "Failed to connect to Convex. Ghostscript status: %s%s",
			ghostscriptStatus, ghostscriptDetail)
		return
	}

	var convexStatus string
	if decodeErr := json.Unmarshal(raw, &convexStatus); decodeErr != nil {
		convexStatus = string(raw)
	}

	fmt.Fprintf(w, "Gateway is online. Convex status: %q. Ghostscript status: %s%s",
		convexStatus, ghostscriptStatus, ghostscriptDetail)
}
