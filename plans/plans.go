// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package plans defines the subscription plan catalog: per-plan monthly
// unit allowances and the mapping from Stripe price identifiers to plans.
package plans

import "strings"

// ID identifies a subscription plan.
type ID string

// Known plans.
const (
	Free       ID = "free"
	Starter    ID = "starter"
	Pro        ID = "pro"
	Business   ID = "business"
	Enterprise ID = "enterprise"
)

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// MonthlyUnits returns the unit allowance included with the plan per
// calendar month. Unmetered plans return ok=false. Unknown values fall
// back to the free allowance, matching Resolve.
func (id ID) MonthlyUnits() (units int64, ok bool) {
	switch id {
	case Starter:
		return 5000, true
	case Pro:
		return 25000, true
	case Business:
		return 100000, true
	case Enterprise:
		return 0, false
	default:
		return 400, true
	}
}

// Resolve maps a raw plan string to a known plan. Matching is
// case-insensitive after trimming; anything unknown resolves to Free.
func Resolve(raw string) ID {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "starter":
		return Starter
	case "pro":
		return Pro
	case "business":
		return Business
	case "enterprise":
		return Enterprise
	default:
		return Free
	}
}

// SubscriptionActive reports whether a subscription status string grants
// plan benefits.
func SubscriptionActive(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return true
	default:
		return false
	}
}

// PriceMap resolves Stripe price identifiers to plans. It is built once
// at startup and read-only afterwards.
type PriceMap struct {
	byPriceID map[string]ID
}

// NewPriceMap builds the lookup from the configured price identifiers.
// Blank identifiers are skipped.
func NewPriceMap(starter, pro, business, enterprise string) *PriceMap {
	byPriceID := make(map[string]ID, 4)
	insert := func(priceID string, id ID) {
		priceID = strings.TrimSpace(priceID)
		if priceID != "" {
			byPriceID[priceID] = id
		}
	}
	insert(starter, Starter)
	insert(pro, Pro)
	insert(business, Business)
	insert(enterprise, Enterprise)
	return &PriceMap{byPriceID: byPriceID}
}

// PlanForPriceID returns the plan mapped to priceID, trimming surrounding
// whitespace first.
func (prices *PriceMap) PlanForPriceID(priceID string) (ID, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return "", false
	}
	id, ok := prices.byPriceID[priceID]
	return id, ok
}
