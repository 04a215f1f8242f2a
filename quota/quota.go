// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package quota coordinates usage reservations against the Convex
// backend. Processing endpoints reserve units before running the
// toolchain and then settle the reservation exactly once: commit on
// success, release on failure.
package quota

import (
	"context"
	"encoding/json"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/graygate/graygate/convex"
	"github.com/graygate/graygate/plans"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the quota package.
	Error = errs.Class("quota")
)

// Backend runs functions on the usage backend. Implemented by
// *convex.Client.
type Backend interface {
	Query(ctx context.Context, path string, args interface{}) (json.RawMessage, error)
	Action(ctx context.Context, path string, args interface{}) (json.RawMessage, error)
}

// Reservation is the outcome of a reserve call. MonthlyQuota is nil for
// unlimited plans.
type Reservation struct {
	Allowed        bool
	ReservationID  string
	Plan           plans.ID
	MonthlyQuota   *int64
	TotalThisMonth int64
	PendingUnits   int64
}

// Service reserves, commits, and releases usage units.
type Service struct {
	log     *zap.Logger
	backend Backend
}

// NewService creates a quota service on top of a backend.
func NewService(log *zap.Logger, backend Backend) *Service {
	return &Service{
		log:     log,
		backend: backend,
	}
}

// Reserve determines the caller's plan quota and asks the backend to
// hold units against it. A denied reservation is not an error: the
// returned Reservation reports Allowed=false together with the usage
// numbers needed for the quota-exceeded response.
func (service *Service) Reserve(ctx context.Context, clerkID string, units int64) (_ Reservation, err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := service.backend.Query(ctx, "subscriptions:get", map[string]interface{}{
		"userId": clerkID,
	})
	if err != nil {
		return Reservation{}, Error.New("failed to fetch subscription: %v", err)
	}

	plan := plans.Free
	if !convex.IsNull(raw) {
		var subscription struct {
			Plan   string `json:"plan"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(raw, &subscription); err != nil {
			return Reservation{}, Error.New("invalid subscription record: %v", err)
		}
		if plans.SubscriptionActive(subscription.Status) {
			plan = plans.Resolve(subscription.Plan)
		}
	}

	var monthlyQuota *int64
	if limit, limited := plan.MonthlyUnits(); limited {
		monthlyQuota = &limit
	}

	raw, err = service.backend.Action(ctx, "usage:reserveForClerkUser", map[string]interface{}{
		"clerkId":      clerkID,
		"units":        units,
		"monthlyQuota": monthlyQuota,
	})
	if err != nil {
		return Reservation{}, Error.New("failed to reserve %d units for %s: %v", units, clerkID, err)
	}

	var result struct {
		Allowed        bool          `json:"allowed"`
		ReservationID  string        `json:"reservationId"`
		TotalThisMonth convex.Int64  `json:"totalThisMonth"`
		PendingUnits   *convex.Int64 `json:"pendingUnits"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return Reservation{}, Error.New("invalid reserve response: %v", err)
	}

	reservation := Reservation{
		Allowed:        result.Allowed,
		ReservationID:  result.ReservationID,
		Plan:           plan,
		MonthlyQuota:   monthlyQuota,
		TotalThisMonth: int64(result.TotalThisMonth),
		PendingUnits:   convex.Int64Value(result.PendingUnits),
	}
	service.log.Debug("usage reservation",
		zap.String("plan", string(plan)),
		zap.Int64("units", units),
		zap.Bool("allowed", reservation.Allowed),
		zap.Int64("total_this_month", reservation.TotalThisMonth))
	return reservation, nil
}

// Commit finalizes a reservation so its units count against the
// caller's monthly usage. It returns whether the backend actually
// committed; a false return means the reservation had already expired
// or was released.
func (service *Service) Commit(ctx context.Context, clerkID, reservationID string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := service.backend.Action(ctx, "usage:commitReservationForClerkUser", map[string]interface{}{
		"clerkId":       clerkID,
		"reservationId": reservationID,
	})
	if err != nil {
		return false, Error.New("failed to commit reservation %s: %v", reservationID, err)
	}
	var result struct {
		Committed bool `json:"committed"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, Error.New("invalid commit response: %v", err)
	}
	return result.Committed, nil
}

// Release returns a reservation's units to the pool after a failed
// run. Callers treat failures as non-fatal: at worst the hold expires
// on its own.
func (service *Service) Release(ctx context.Context, clerkID, reservationID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = service.backend.Action(ctx, "usage:releaseReservationForClerkUser", map[string]interface{}{
		"clerkId":       clerkID,
		"reservationId": reservationID,
	})
	if err != nil {
		return Error.New("failed to release reservation %s: %v", reservationID, err)
	}
	return nil
}
