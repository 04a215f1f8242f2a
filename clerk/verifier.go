// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package clerk verifies Clerk session tokens against issuer key sets
// and talks to the Clerk management API.
package clerk

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the clerk package.
	Error = errs.Class("clerk")
)

const jwksTTL = 10 * time.Minute

// Claims are the verified subject claims of a Clerk session token.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
	NotBefore time.Time // zero when the token carries no nbf
}

// Verifier validates RS256 session tokens. Signing keys are fetched
// from each issuer's /.well-known/jwks.json and cached per issuer with
// a ten minute TTL; concurrent refreshes for one issuer collapse into a
// single fetch.
type Verifier struct {
	log            *zap.Logger
	http           http.Client
	expectedIssuer string
	ttl            time.Duration

	mu    sync.RWMutex
	cache map[string]cachedKeys

	fetches singleflight.Group
}

type cachedKeys struct {
	keys      []jwk
	fetchedAt time.Time
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// NewVerifier creates a Verifier. A non-empty expectedIssuer pins
// accepted tokens to that issuer; otherwise any issuer that passes
// JWKS validation is trusted.
func NewVerifier(log *zap.Logger, expectedIssuer string) *Verifier {
	return &Verifier{
		log:            log,
		expectedIssuer: NormalizeIssuer(expectedIssuer),
		ttl:            jwksTTL,
		cache:          map[string]cachedKeys{},
	}
}

// VerifyBearer validates an Authorization header value carrying a
// bearer token and returns its claims.
func (verifier *Verifier) VerifyBearer(ctx context.Context, authorization string) (Claims, error) {
	token, err := ExtractBearerToken(authorization)
	if err != nil {
		return Claims{}, err
	}
	return verifier.VerifyToken(ctx, token)
}

// VerifyToken validates a raw session token and returns its claims.
func (verifier *Verifier) VerifyToken(ctx context.Context, token string) (_ Claims, err error) {
	defer mon.Task()(&ctx)(&err)

	unverified, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		return Claims{}, Error.New("invalid JWT: %v", err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return Claims{}, Error.New("JWT header missing kid")
	}
	rawIssuer, err := unverified.Claims.GetIssuer()
	if err != nil || rawIssuer == "" {
		return Claims{}, Error.New("JWT missing iss claim")
	}
	issuer := NormalizeIssuer(rawIssuer)
	if verifier.expectedIssuer != "" && issuer != verifier.expectedIssuer {
		return Claims{}, Error.New("JWT issuer mismatch: expected %s, got %s",
			verifier.expectedIssuer, issuer)
	}

	keys, err := verifier.keysForIssuer(ctx, issuer)
	if err != nil {
		return Claims{}, err
	}
	var selected *jwk
	for i := range keys {
		if keys[i].Kid == kid {
			selected = &keys[i]
			break
		}
	}
	if selected == nil {
		return Claims{}, Error.New("no matching JWK found for kid")
	}
	if selected.Kty != "RSA" {
		return Claims{}, Error.New("unsupported JWK type: %s", selected.Kty)
	}
	if selected.Alg != "" && selected.Alg != "RS256" {
		return Claims{}, Error.New("unsupported JWK alg: %s", selected.Alg)
	}
	publicKey, err := rsaKeyFromJWK(*selected)
	if err != nil {
		return Claims{}, err
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (interface{}, error) { return publicKey, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(time.Minute),
	)
	if err != nil {
		return Claims{}, Error.New("JWT validation failed: %v", err)
	}
	registered := parsed.Claims.(*jwt.RegisteredClaims)
	if registered.Subject == "" {
		return Claims{}, Error.New("JWT missing sub claim")
	}

	claims := Claims{
		Subject:   registered.Subject,
		Issuer:    issuer,
		ExpiresAt: registered.ExpiresAt.Time,
	}
	if registered.NotBefore != nil {
		claims.NotBefore = registered.NotBefore.Time
	}
	verifier.log.Debug("verified Clerk bearer token",
		zap.String("iss", claims.Issuer),
		zap.Time("exp", claims.ExpiresAt))
	return claims, nil
}

func (verifier *Verifier) keysForIssuer(ctx context.Context, issuer string) ([]jwk, error) {
	verifier.mu.RLock()
	cached, ok := verifier.cache[issuer]
	verifier.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < verifier.ttl {
		return cached.keys, nil
	}

	result, err, _ := verifier.fetches.Do(issuer, func() (interface{}, error) {
		// a peer may have refreshed while we queued on the flight
		verifier.mu.RLock()
		cached, ok := verifier.cache[issuer]
		verifier.mu.RUnlock()
		if ok && time.Since(cached.fetchedAt) < verifier.ttl {
			return cached.keys, nil
		}

		keys, err := verifier.fetchKeys(ctx, issuer)
		if err != nil {
			return nil, err
		}
		verifier.mu.Lock()
		verifier.cache[issuer] = cachedKeys{keys: keys, fetchedAt: time.Now()}
		verifier.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]jwk), nil
}

func (verifier *Verifier) fetchKeys(ctx context.Context, issuer string) (_ []jwk, err error) {
	jwksURL := strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp, err := verifier.http.Do(req)
	if err != nil {
		return nil, Error.New("failed to fetch JWKS from %s: %v", jwksURL, err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Error.New("failed to fetch JWKS from %s: HTTP %d", jwksURL, resp.StatusCode)
	}

	var parsed struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, Error.New("invalid JWKS response from %s: %v", jwksURL, err)
	}
	return parsed.Keys, nil
}

func rsaKeyFromJWK(key jwk) (*rsa.PublicKey, error) {
	if key.N == "" {
		return nil, Error.New("JWK missing modulus")
	}
	if key.E == "" {
		return nil, Error.New("JWK missing exponent")
	}
	modulus, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, Error.New("invalid JWK modulus: %v", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, Error.New("invalid JWK exponent: %v", err)
	}
	if len(modulus) == 0 || len(exponent) == 0 || len(exponent) > 8 {
		return nil, Error.New("malformed JWK RSA components")
	}
	e := 0
	for _, b := range exponent {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: e}, nil
}

// ExtractBearerToken pulls the token out of an Authorization header
// value. The bearer scheme is matched case-insensitively.
func ExtractBearerToken(value string) (string, error) {
	scheme, token, _ := strings.Cut(value, " ")
	token = strings.TrimSpace(token)
	if !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", Error.New("invalid Authorization header format")
	}
	return token, nil
}

// NormalizeIssuer trims whitespace and trailing slashes from an issuer
// URL so equivalent spellings compare equal.
func NormalizeIssuer(issuer string) string {
	return strings.TrimRight(strings.TrimSpace(issuer), "/")
}
