// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newUsageTest(t *testing.T, backend *stubBackend, now time.Time) *Usage {
	usage := NewUsage(zaptest.NewLogger(t), backend)
	usage.nowFn = func() time.Time { return now }
	return usage
}

func serveUsage(usage *Usage) *httptest.ResponseRecorder {
	r := withTestUser(httptest.NewRequest(http.MethodGet, "/api/usage", nil), "user_1")
	rec := httptest.NewRecorder()
	usage.Summary(rec, r)
	return rec
}

type usageResponse struct {
	Plan           string `json:"plan"`
	TotalUnits     int64  `json:"totalUnits"`
	UnitsThisMonth int64  `json:"unitsThisMonth"`
	PendingUnits   int64  `json:"pendingUnits"`
	MonthlyQuota   *int64 `json:"monthlyQuota"`
	RemainingUnits *int64 `json:"remainingUnits"`
}

func TestUsageSummary(t *testing.T) {
	now := time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)
	nowMillis := now.UnixMilli()

	backend := &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			require.Equal(t, "user_1", argsMap(t, args)["userId"])
			switch path {
			case "usage:getUsageData":
				return json.RawMessage(`[
					{"date": "2025-03-01", "count": 5},
					{"date": "2025-03-10", "count": 7.0},
					{"date": "2025-02-28", "count": 11}
				]`), nil
			case "usage:getUsageReservations":
				return json.RawMessage(fmt.Sprintf(`[
					{"date": "2025-03-14", "status": "pending", "units": 3, "expiresAt": %d},
					{"date": "2025-03-14", "status": "pending", "units": 100, "expiresAt": %d},
					{"date": "2025-03-13", "status": "committed", "units": 50, "expiresAt": %d},
					{"date": "2025-02-20", "status": "pending", "units": 9, "expiresAt": %d}
				]`, nowMillis+60_000, nowMillis-1, nowMillis+60_000, nowMillis+60_000)), nil
			case "subscriptions:get":
				return json.RawMessage(`{"plan": "pro", "status": "active"}`), nil
			}
			t.Fatalf("unexpected query %q", path)
			return nil, nil
		},
	}

	rec := serveUsage(newUsageTest(t, backend, now))
	require.Equal(t, http.StatusOK, rec.Code)

	var summary usageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, "pro", summary.Plan)
	require.EqualValues(t, 23, summary.TotalUnits)
	require.EqualValues(t, 12, summary.UnitsThisMonth)
	require.EqualValues(t, 3, summary.PendingUnits)
	require.NotNil(t, summary.MonthlyQuota)
	require.EqualValues(t, 25000, *summary.MonthlyQuota)
	require.NotNil(t, summary.RemainingUnits)
	require.EqualValues(t, 24985, *summary.RemainingUnits)
}

func TestUsageSummaryPlanHandling(t *testing.T) {
	now := time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

	for _, tt := range []struct {
		name          string
		subscription  string
		plan          string
		quota         *int64
		remaining     *int64
		wantUnlimited bool
	}{
		{
			name:         "no subscription falls back to free",
			subscription: `null`,
			plan:         "free",
			quota:        int64Ptr(400),
			remaining:    int64Ptr(390),
		},
		{
			name:         "inactive subscription falls back to free",
			subscription: `{"plan": "pro", "status": "canceled"}`,
			plan:         "free",
			quota:        int64Ptr(400),
			remaining:    int64Ptr(390),
		},
		{
			name:          "enterprise has no quota",
			subscription:  `{"plan": "enterprise", "status": "trialing"}`,
			plan:          "enterprise",
			wantUnlimited: true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			backend := &stubBackend{
				query: func(path string, args interface{}) (json.RawMessage, error) {
					switch path {
					case "usage:getUsageData":
						return json.RawMessage(`[{"date": "2025-03-01", "count": 10}]`), nil
					case "usage:getUsageReservations":
						return json.RawMessage(`null`), nil
					default:
						return json.RawMessage(tt.subscription), nil
					}
				},
			}

			rec := serveUsage(newUsageTest(t, backend, now))
			require.Equal(t, http.StatusOK, rec.Code)

			var summary usageResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
			require.Equal(t, tt.plan, summary.Plan)
			if tt.wantUnlimited {
				require.Nil(t, summary.MonthlyQuota)
				require.Nil(t, summary.RemainingUnits)
				return
			}
			require.Equal(t, *tt.quota, *summary.MonthlyQuota)
			require.Equal(t, *tt.remaining, *summary.RemainingUnits)
		})
	}
}

func TestUsageSummaryRemainingClampsAtZero(t *testing.T) {
	now := time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

	backend := &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			switch path {
			case "usage:getUsageData":
				return json.RawMessage(`[{"date": "2025-03-01", "count": 999}]`), nil
			case "usage:getUsageReservations":
				return json.RawMessage(`[]`), nil
			default:
				return json.RawMessage(`null`), nil
			}
		},
	}

	rec := serveUsage(newUsageTest(t, backend, now))
	require.Equal(t, http.StatusOK, rec.Code)

	var summary usageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.NotNil(t, summary.RemainingUnits)
	require.EqualValues(t, 0, *summary.RemainingUnits)
}

func TestUsageSummaryEmptyData(t *testing.T) {
	now := time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

	backend := &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			return json.RawMessage(`null`), nil
		},
	}

	rec := serveUsage(newUsageTest(t, backend, now))
	require.Equal(t, http.StatusOK, rec.Code)

	var summary usageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, "free", summary.Plan)
	require.Zero(t, summary.TotalUnits)
	require.Zero(t, summary.UnitsThisMonth)
	require.Zero(t, summary.PendingUnits)
	require.EqualValues(t, 400, *summary.MonthlyQuota)
	require.EqualValues(t, 400, *summary.RemainingUnits)
}

func TestUsageSummaryBackendFailure(t *testing.T) {
	backend := &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			return nil, ErrUsageAPI.New("backend offline")
		},
	}

	rec := serveUsage(newUsageTest(t, backend, time.Now()))
	requireErrorBody(t, rec, http.StatusInternalServerError, "Error fetching usage data")
}

func TestUsageSummaryUnauthorized(t *testing.T) {
	usage := NewUsage(zaptest.NewLogger(t), &stubBackend{})

	rec := httptest.NewRecorder()
	usage.Summary(rec, httptest.NewRequest(http.MethodGet, "/api/usage", nil))

	requireErrorBody(t, rec, http.StatusUnauthorized, "Unauthorized")
}

func int64Ptr(value int64) *int64 { return &value }
