package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func b64(v interface{}) string {
	raw, _ := json.Marshal(v)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func signHS256(t *testing.T, secret string, claims map[string]interface{}) string {
	t.Helper()
	input := b64(map[string]string{"alg": "HS256", "typ": "JWT"}) + "." + b64(claims)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(input))
	return input + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]interface{}) string {
	t.Helper()
	input := b64(map[string]string{"alg": "RS256", "kid": kid}) + "." + b64(claims)
	h := sha256.Sum256([]byte(input))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return input + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func baseClaims() map[string]interface{} {
	return map[string]interface{}{
		"sub":    "ana@vaultmesh.io",
		"groups": []string{"VaultMesh-Engineering", "VaultMesh-Delivery"},
		"exp":    testNow.Add(time.Hour).Unix(),
		"iss":    "https://idp.vaultmesh.io",
		"aud":    []string{"vmq-oracle"},
	}
}

func TestVerifyHS256Token(t *testing.T) {
	token := signHS256(t, "s3cret", baseClaims())
	claims, err := VerifyHS256Token(token, "s3cret", testNow, "https://idp.vaultmesh.io", "vmq-oracle")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Sub != "ana@vaultmesh.io" || len(claims.Groups) != 2 || claims.Groups[0] != "VaultMesh-Engineering" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerifyHS256TokenRejects(t *testing.T) {
	good := signHS256(t, "s3cret", baseClaims())
	expired := baseClaims()
	expired["exp"] = testNow.Add(-time.Minute).Unix()
	future := baseClaims()
	future["nbf"] = testNow.Add(time.Minute).Unix()
	noSub := baseClaims()
	delete(noSub, "sub")

	cases := map[string]struct {
		token, secret, iss, aud string
	}{
		"wrong secret":  {good, "other", "", ""},
		"no secret":     {good, "", "", ""},
		"bad format":    {"a.b", "s3cret", "", ""},
		"expired":       {signHS256(t, "s3cret", expired), "s3cret", "", ""},
		"not active":    {signHS256(t, "s3cret", future), "s3cret", "", ""},
		"no subject":    {signHS256(t, "s3cret", noSub), "s3cret", "", ""},
		"issuer":        {good, "s3cret", "https://other", ""},
		"audience":      {good, "s3cret", "", "someone-else"},
		"malformed b64": {"!!.??.**", "s3cret", "", ""},
	}
	for name, tc := range cases {
		if _, err := VerifyHS256Token(tc.token, tc.secret, testNow, tc.iss, tc.aud); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseClaimsGroupVariants(t *testing.T) {
	claims, err := parseClaims([]byte(`{"email":"bo@vaultmesh.io","cognito:groups":"VaultMesh-Compliance","exp":9999999999}`), testNow, "", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Sub != "bo@vaultmesh.io" || len(claims.Groups) != 1 || claims.Groups[0] != "VaultMesh-Compliance" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !audContains("vmq-oracle", "vmq-oracle") || audContains(nil, "x") {
		t.Fatal("unexpected audContains result")
	}
}

func TestMiddlewareHS256(t *testing.T) {
	var got Principal
	var seen bool
	h := Middleware("HS256", "s3cret", withClock(func() time.Time { return testNow }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, seen = PrincipalFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}),
	)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, "s3cret", baseClaims()))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || !seen || got.Subject != "ana@vaultmesh.io" || len(got.Groups) != 2 {
		t.Fatalf("unexpected result %d %+v", rr.Code, got)
	}
}

func TestMiddlewareOffPassesThrough(t *testing.T) {
	h := Middleware("off", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); ok {
			t.Error("did not expect a principal in off mode")
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestVerifyRS256WithJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"keys": []map[string]string{{
			"kid": "k1",
			"kty": "RSA",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	cache := newJWKSCache(srv.URL, time.Second)
	token := signRS256(t, key, "k1", baseClaims())
	for i := 0; i < 2; i++ {
		claims, err := VerifyRS256Token(context.Background(), token, testNow, cache, "", "vmq-oracle")
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if claims.Sub != "ana@vaultmesh.io" {
			t.Fatalf("unexpected claims %+v", claims)
		}
	}
	if hits != 1 {
		t.Fatalf("expected cached jwks, got %d fetches", hits)
	}
	if _, err := VerifyRS256Token(context.Background(), signRS256(t, key, "missing", baseClaims()), testNow, cache, "", ""); err == nil {
		t.Fatal("expected unknown kid error")
	}
	if _, err := VerifyRS256Token(context.Background(), token, testNow, newJWKSCache("", time.Second), "", ""); err == nil {
		t.Fatal("expected missing jwks url error")
	}
}
