// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package clerk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/zeebo/errs"
)

// DefaultAPIBase is the public Clerk management API endpoint.
const DefaultAPIBase = "https://api.clerk.com/v1"

// User is the subset of a Clerk user record the gateway cares about.
type User struct {
	ID                    string         `json:"id"`
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
	EmailAddresses        []EmailAddress `json:"email_addresses"`
}

// EmailAddress is a single address attached to a Clerk user.
type EmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// PrimaryEmail returns the address whose id matches the user's primary
// email address id. Users without a designated primary address have no
// usable email, even when other addresses exist.
func (user *User) PrimaryEmail() string {
	if user == nil || user.PrimaryEmailAddressID == "" {
		return ""
	}
	for _, address := range user.EmailAddresses {
		if address.ID == user.PrimaryEmailAddressID {
			return address.EmailAddress
		}
	}
	return ""
}

// Client talks to the Clerk management API. It is inert until
// configured with a secret key; callers should check Enabled before
// issuing lookups.
type Client struct {
	http      http.Client
	baseURL   string
	secretKey string
}

// NewClient creates a management API client. An empty baseURL falls
// back to DefaultAPIBase.
func NewClient(baseURL, secretKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
	}
}

// Enabled reports whether a secret key was configured.
func (client *Client) Enabled() bool {
	return client.secretKey != ""
}

// GetUser fetches a user record by id.
func (client *Client) GetUser(ctx context.Context, userID string) (_ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	if !client.Enabled() {
		return nil, Error.New("management API secret key not configured")
	}
	if userID == "" {
		return nil, Error.New("user id is required")
	}

	endpoint := client.baseURL + "/users/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+client.secretKey)

	resp, err := client.http.Do(req)
	if err != nil {
		return nil, Error.New("failed to fetch Clerk user: %v", err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Error.New("Clerk user lookup returned HTTP %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, Error.New("invalid Clerk user response: %v", err)
	}
	return &user, nil
}
