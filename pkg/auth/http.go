// Package auth verifies caller bearer tokens and exposes the caller's
// subject and group memberships.
package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/VaultSovereign/vmq-oracle/pkg/httpx"
)

const (
	ModeOff   = "off"
	ModeHS256 = "hs256"
	ModeRS256 = "rs256"
)

// Principal is the verified caller. Groups keep the token's order.
type Principal struct {
	Subject string
	Groups  []string
}

type contextKey string

const principalContextKey contextKey = "vmq.principal"

type MiddlewareConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Timeout  time.Duration
	Now      func() time.Time
}

type MiddlewareOption func(*MiddlewareConfig)

func WithJWKS(url string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.JWKSURL = strings.TrimSpace(url) }
}

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Audience = strings.TrimSpace(audience) }
}

func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Timeout = timeout }
}

func withClock(now func() time.Time) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Now = now }
}

// Middleware verifies the bearer token for hs256 and rs256 modes. In off
// mode requests pass through without a principal and the caller identity
// comes from the request body.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{Timeout: 5 * time.Second, Now: time.Now}
	for _, opt := range options {
		opt(&cfg)
	}
	if mode == "" || mode == ModeOff {
		return func(next http.Handler) http.Handler { return next }
	}
	var keys *jwksCache
	if mode == ModeRS256 {
		keys = newJWKSCache(cfg.JWKSURL, cfg.Timeout)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			now := cfg.Now().UTC()
			var (
				claims TokenClaims
				err    error
			)
			switch mode {
			case ModeHS256:
				claims, err = VerifyHS256Token(token, secret, now, cfg.Issuer, cfg.Audience)
			case ModeRS256:
				claims, err = VerifyRS256Token(r.Context(), token, now, keys, cfg.Issuer, cfg.Audience)
			default:
				err = errors.New("unsupported auth mode")
			}
			if err != nil {
				httpx.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Sub,
				Groups:  claims.Groups,
			})))
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

type TokenClaims struct {
	Sub    string   `json:"sub"`
	Email  string   `json:"email,omitempty"`
	Groups []string `json:"groups"`
	Iss    string   `json:"iss,omitempty"`
	Aud    any      `json:"aud,omitempty"`
	Exp    int64    `json:"exp"`
	Nbf    int64    `json:"nbf,omitempty"`
	Iat    int64    `json:"iat,omitempty"`
}

type tokenParts struct {
	signingInput string
	header       struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	payload []byte
	sig     []byte
}

func splitToken(token string) (tokenParts, error) {
	var tp tokenParts
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return tp, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tp, err
	}
	if tp.payload, err = base64.RawURLEncoding.DecodeString(parts[1]); err != nil {
		return tp, err
	}
	if tp.sig, err = base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return tp, err
	}
	if err := json.Unmarshal(headerRaw, &tp.header); err != nil {
		return tp, err
	}
	tp.signingInput = parts[0] + "." + parts[1]
	return tp, nil
}

func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	tp, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(tp.header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(tp.signingInput))
	if !hmac.Equal(tp.sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	return parseClaims(tp.payload, now, issuer, audience)
}

func VerifyRS256Token(ctx context.Context, token string, now time.Time, keys *jwksCache, issuer, audience string) (TokenClaims, error) {
	tp, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(tp.header.Alg) != "RS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	if strings.TrimSpace(tp.header.Kid) == "" {
		return TokenClaims{}, errors.New("kid required")
	}
	pub, err := keys.key(ctx, tp.header.Kid, now)
	if err != nil {
		return TokenClaims{}, err
	}
	h := sha256.Sum256([]byte(tp.signingInput))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], tp.sig); err != nil {
		return TokenClaims{}, err
	}
	return parseClaims(tp.payload, now, issuer, audience)
}

// parseClaims reads groups from "groups" or "cognito:groups", as a list or
// a single string. A token without sub falls back to email.
func parseClaims(payload []byte, now time.Time, issuer, audience string) (TokenClaims, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return TokenClaims{}, err
	}
	var claims TokenClaims
	str := func(key string, dst *string) {
		if v, ok := raw[key]; ok {
			_ = json.Unmarshal(v, dst)
		}
	}
	num := func(key string, dst *int64) {
		if v, ok := raw[key]; ok {
			_ = json.Unmarshal(v, dst)
		}
	}
	str("sub", &claims.Sub)
	str("email", &claims.Email)
	str("iss", &claims.Iss)
	num("exp", &claims.Exp)
	num("nbf", &claims.Nbf)
	num("iat", &claims.Iat)
	for _, key := range []string{"groups", "cognito:groups"} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, &claims.Groups); err != nil {
			var single string
			if err2 := json.Unmarshal(v, &single); err2 == nil && single != "" {
				claims.Groups = []string{single}
			}
		}
		if len(claims.Groups) > 0 {
			break
		}
	}
	if v, ok := raw["aud"]; ok {
		var audAny any
		_ = json.Unmarshal(v, &audAny)
		claims.Aud = audAny
	}
	if claims.Sub == "" {
		claims.Sub = claims.Email
	}
	if claims.Sub == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return TokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return TokenClaims{}, errors.New("token not active")
	}
	if issuer != "" && claims.Iss != issuer {
		return TokenClaims{}, errors.New("issuer mismatch")
	}
	if audience != "" && !audContains(claims.Aud, audience) {
		return TokenClaims{}, errors.New("audience mismatch")
	}
	return claims, nil
}

type jwksCache struct {
	url       string
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	client    *http.Client
}

func newJWKSCache(jwksURL string, timeout time.Duration) *jwksCache {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &jwksCache{
		url:    jwksURL,
		keys:   map[string]*rsa.PublicKey{},
		client: &http.Client{Timeout: timeout},
	}
}

func (c *jwksCache) key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if c == nil {
		return nil, errors.New("jwks cache is nil")
	}
	if c.url == "" {
		return nil, errors.New("jwks url is required")
	}
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && now.Before(c.expiresAt) {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()
	if err := c.refresh(ctx, now); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if !ok {
		return nil, errors.New("kid not found in jwks")
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.expiresAt) && len(c.keys) > 0 {
		return nil
	}
	status, body, err := httpx.RequestJSON(ctx, c.client, httpx.Request{Method: http.MethodGet, URL: c.url})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.New("jwks fetch failed")
	}
	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return err
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("jwks has no valid rsa keys")
	}
	c.keys = next
	c.expiresAt = now.Add(5 * time.Minute)
	return nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}
