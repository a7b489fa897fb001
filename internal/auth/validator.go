package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

var errEmptyKeySet = errors.New("key set is empty")

const (
	// AssertionHeader carries the Access token on every proxied request.
	AssertionHeader = "Cf-Access-Jwt-Assertion"
	// AssertionCookie is set by Access on the application domain.
	AssertionCookie = "CF_Authorization"
)

type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type ValidatorConfig struct {
	Audience   string
	TeamDomain string
	CacheTTL   time.Duration
	Admins     AdminSet
	Fetcher    KeyFetcher
	Logger     *slog.Logger
}

// Validator verifies Cloudflare Access identity tokens against a cached key
// set. It is safe for concurrent use.
type Validator struct {
	audience string
	issuer   string
	ttl      time.Duration
	admins   AdminSet
	fetcher  KeyFetcher
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu        sync.RWMutex
	keys      []JWK
	fetchedAt time.Time
}

func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Audience == "" || cfg.TeamDomain == "" {
		return nil, fmt.Errorf("audience and team domain are required")
	}
	if cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("key cache TTL must be > 0")
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPKeyFetcher(JWKSURL(cfg.TeamDomain), 5*time.Second)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	admins := cfg.Admins
	if admins == nil {
		admins = AdminSet{}
	}
	return &Validator{
		audience: cfg.Audience,
		issuer:   Issuer(cfg.TeamDomain),
		ttl:      cfg.CacheTTL,
		admins:   admins,
		fetcher:  fetcher,
		logger:   logger.With("component", "auth"),
		nowFunc:  time.Now,
	}, nil
}

// Validate checks signature, algorithm, audience, issuer and expiry and
// returns the caller's identity. Every failure wraps ErrUnauthorized.
func (v *Validator) Validate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyFunc(ctx),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.nowFunc),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Email == "" {
		return Identity{}, fmt.Errorf("%w: token has no email claim", ErrUnauthorized)
	}

	username := UsernameFromEmail(claims.Email)
	return Identity{
		Username: username,
		Email:    claims.Email,
		IsAdmin:  v.admins.Contains(username),
	}, nil
}

// Authenticate validates the Access token carried by r.
func (v *Validator) Authenticate(r *http.Request) (Identity, error) {
	return v.Validate(r.Context(), TokenFromRequest(r))
}

// TokenFromRequest prefers the assertion header and falls back to the
// Access cookie.
func TokenFromRequest(r *http.Request) string {
	if tok := r.Header.Get(AssertionHeader); tok != "" {
		return tok
	}
	if c, err := r.Cookie(AssertionCookie); err == nil {
		return c.Value
	}
	return ""
}

func (v *Validator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token missing kid")
		}
		keys, err := v.getKeys(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if k.Kid == kid {
				return k.publicKey()
			}
		}
		return nil, fmt.Errorf("no key for kid %q", kid)
	}
}

// getKeys returns the cached key set, refreshing it once the TTL has
// elapsed. A failed refresh keeps serving the previous keys.
func (v *Validator) getKeys(ctx context.Context) ([]JWK, error) {
	v.mu.RLock()
	if len(v.keys) > 0 && v.nowFunc().Sub(v.fetchedAt) < v.ttl {
		keys := append([]JWK(nil), v.keys...)
		v.mu.RUnlock()
		return keys, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.keys) > 0 && v.nowFunc().Sub(v.fetchedAt) < v.ttl {
		return append([]JWK(nil), v.keys...), nil
	}

	fetched, err := v.fetcher.FetchKeys(ctx)
	if err == nil && len(fetched) == 0 {
		err = errEmptyKeySet
	}
	if err != nil {
		if len(v.keys) > 0 {
			v.logger.Warn("key set refresh failed, serving stale keys", "error", err, "age", v.nowFunc().Sub(v.fetchedAt).String())
			return append([]JWK(nil), v.keys...), nil
		}
		return nil, fmt.Errorf("key set unavailable: %w", err)
	}

	v.keys = append([]JWK(nil), fetched...)
	v.fetchedAt = v.nowFunc()
	v.logger.Info("key set refreshed", "keys", len(fetched))
	return append([]JWK(nil), v.keys...), nil
}
