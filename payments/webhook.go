// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// signatureTolerance bounds how far a webhook's signed timestamp may
// drift from the gateway clock before the event is rejected as a
// possible replay.
const signatureTolerance = 300

// VerifyWebhook checks a Stripe-Signature header against the raw
// request payload. The header carries a unix timestamp and one or more
// v1 signatures; the expected signature is HMAC-SHA256 over
// "<timestamp>.<payload>" keyed with the webhook signing secret, and
// any matching v1 candidate passes.
func (service *Service) VerifyWebhook(header string, payload []byte) error {
	if service.webhookSecret == "" {
		return ErrNotConfigured.New("STRIPE_WEBHOOK_SECRET is not set")
	}

	var timestamp int64
	var haveTimestamp bool
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch key {
		case "t":
			if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
				timestamp = parsed
				haveTimestamp = true
			}
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if !haveTimestamp {
		return Error.New("missing timestamp in signature header")
	}
	if len(candidates) == 0 {
		return Error.New("missing v1 signature in header")
	}

	drift := service.nowFn().Unix() - timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > signatureTolerance {
		return Error.New("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(service.webhookSecret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return Error.New("signature mismatch")
}
