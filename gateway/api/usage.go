// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/graygate/graygate/convex"
	"github.com/graygate/graygate/plans"
)

// ErrUsageAPI is the error class for the usage controller.
var ErrUsageAPI = errs.Class("gateway usage")

// Usage summarizes a user's unit consumption for the dashboard.
type Usage struct {
	log     *zap.Logger
	backend Backend

	nowFn func() time.Time
}

// NewUsage is a constructor for the usage controller.
func NewUsage(log *zap.Logger, backend Backend) *Usage {
	return &Usage{
		log:     log,
		backend: backend,
		nowFn:   time.Now,
	}
}

type usageSummary struct {
	Plan           string `json:"plan"`
	TotalUnits     int64  `json:"totalUnits"`
	UnitsThisMonth int64  `json:"unitsThisMonth"`
	PendingUnits   int64  `json:"pendingUnits"`
	MonthlyQuota   *int64 `json:"monthlyQuota"`
	RemainingUnits *int64 `json:"remainingUnits"`
}

// Summary aggregates committed usage, live pending reservations, and
// the plan quota into a single view. Pending units only count when the
// reservation is still unexpired and belongs to the current month, so
// abandoned holds stop inflating the number as soon as they lapse.
func (usage *Usage) Summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	user, ok := GetUser(ctx)
	if !ok {
		serveCustomJSONError(usage.log, w, http.StatusUnauthorized, ErrUsageAPI.New("no user in context"), "Unauthorized")
		return
	}

	raw, err := usage.backend.Query(ctx, "usage:getUsageData", map[string]interface{}{
		"userId": user.ClerkID,
	})
	if err != nil {
		serveCustomJSONError(usage.log, w, http.StatusInternalServerError, ErrUsageAPI.Wrap(err), "Error fetching usage data")
		return
	}
	var records []struct {
		Date  string       `json:"date"`
		Count convex.Int64 `json:"count"`
	}
	if !convex.IsNull(raw) {
		if err := json.Unmarshal(raw, &records); err != nil {
			serveCustomJSONError(usage.log, w, http.StatusInternalServerError, ErrUsageAPI.Wrap(err), "Error fetching usage data")
			return
		}
	}

	raw, err = usage.backend.Query(ctx, "usage:getUsageReservations", map[string]interface{}{
		"userId": user.ClerkID,
	})
	if err != nil {
		serveCustomJSONError(usage.log, w, http.StatusInternalServerError, ErrUsageAPI.Wrap(err), "Error fetching usage data")
		return
	}
	var reservations []struct {
		Date      string       `json:"date"`
		Status    string       `json:"status"`
		Units     convex.Int64 `json:"units"`
		ExpiresAt convex.Int64 `json:"expiresAt"`
	}
	if !convex.IsNull(raw) {
		if err := json.Unmarshal(raw, &reservations); err != nil {
			serveCustomJSONError(usage.log, w, http.StatusInternalServerError, ErrUsageAPI.Wrap(err), "Error fetching usage data")
			return
		}
	}

	now := usage.nowFn().UTC()
	currentMonth := now.Format("2006-01")

	var totalUnits, unitsThisMonth int64
	for _, record := range records {
		totalUnits += int64(record.Count)
		if strings.HasPrefix(record.Date, currentMonth) {
			unitsThisMonth += int64(record.Count)
		}
	}

	nowMillis := now.UnixMilli()
	var pendingUnits int64
	for _, reservation := range reservations {
		if reservation.Status == "pending" &&
			strings.HasPrefix(reservation.Date, currentMonth) &&
			int64(reservation.ExpiresAt) > nowMillis {
			pendingUnits += int64(reservation.Units)
		}
	}

	raw, err = usage.backend.Query(ctx, "subscriptions:get", map[string]interface{}{
		"userId": user.ClerkID,
	})
	if err != nil {
		serveCustomJSONError(usage.log, w, http.StatusInternalServerError, ErrUsageAPI.Wrap(err), "Error fetching usage data")
		return
	}
	plan := plans.Free
	if !convex.IsNull(raw) {
		var subscription struct {
			Plan   string `json:"plan"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(raw, &subscription); err != nil {
			serveCustomJSONError(usage.log, w, http.StatusInternalServerError, ErrUsageAPI.Wrap(err), "Error fetching usage data")
			return
		}
		if plans.SubscriptionActive(subscription.Status) {
			plan = plans.Resolve(subscription.Plan)
		}
	}

	summary := usageSummary{
		Plan:           plan.String(),
		TotalUnits:     totalUnits,
		UnitsThisMonth: unitsThisMonth,
		PendingUnits:   pendingUnits,
	}
	if quota, limited := plan.MonthlyUnits(); limited {
		remaining := quota - unitsThisMonth - pendingUnits
		if remaining < 0 {
			remaining = 0
		}
		summary.MonthlyQuota = &quota
		summary.RemainingUnits = &remaining
	}

	serveJSON(usage.log, w, http.StatusOK, summary)
}
