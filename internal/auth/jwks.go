package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

const maxKeySetBytes = 1 << 20

// JWK is the subset of an RSA JSON Web Key the validator needs.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type keySet struct {
	Keys []JWK `json:"keys"`
}

// KeyFetcher retrieves the current signing key set.
type KeyFetcher interface {
	FetchKeys(ctx context.Context) ([]JWK, error)
}

// HTTPKeyFetcher downloads a JWKS document over HTTPS.
type HTTPKeyFetcher struct {
	URL    string
	Client *http.Client
}

func NewHTTPKeyFetcher(url string, timeout time.Duration) *HTTPKeyFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPKeyFetcher{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPKeyFetcher) FetchKeys(ctx context.Context) ([]JWK, error) {
	if f.URL == "" {
		return nil, fmt.Errorf("jwks url missing")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch jwks: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}
	var payload keySet
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	return payload.Keys, nil
}

// JWKSURL is the Cloudflare Access certificate endpoint for a team domain.
func JWKSURL(teamDomain string) string {
	return "https://" + teamDomain + "/cdn-cgi/access/certs"
}

func Issuer(teamDomain string) string {
	return "https://" + teamDomain
}

func (k JWK) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode jwk n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode jwk e: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || e.Sign() <= 0 || !e.IsInt64() {
		return nil, fmt.Errorf("invalid jwk modulus or exponent")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
