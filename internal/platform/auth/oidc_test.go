package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testJWK converts an RSA private key to its public JWKS entry.
func testJWK(privateKey *rsa.PrivateKey, kid string) JWKSKey {
	pub := &privateKey.PublicKey
	return JWKSKey{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

// newJWKSServer serves the given keys and counts fetches.
func newJWKSServer(t *testing.T, fetches *int, keys func() []JWKSKey) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches != nil {
			*fetches++
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JWKSResponse{Keys: keys()})
	}))
	t.Cleanup(server.Close)
	return server
}

// newDiscoveryServer serves an OIDC discovery document.
func newDiscoveryServer(t *testing.T, doc map[string]interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOIDCProvider_Discovery(t *testing.T) {
	jwksServer := newJWKSServer(t, nil, func() []JWKSKey { return nil })

	server := newDiscoveryServer(t, map[string]interface{}{
		"issuer":                 "https://idp.example.com",
		"authorization_endpoint": "https://idp.example.com/authorize",
		"token_endpoint":         "https://idp.example.com/token",
		"userinfo_endpoint":      "https://idp.example.com/userinfo",
		"jwks_uri":               jwksServer.URL,
		"scopes_supported":       []string{"openid", "profile", "email"},
	})

	provider, err := NewOIDCProvider(server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if provider.AuthorizationEndpoint != "https://idp.example.com/authorize" {
		t.Errorf("authorization_endpoint = %s", provider.AuthorizationEndpoint)
	}
	if provider.TokenEndpoint != "https://idp.example.com/token" {
		t.Errorf("token_endpoint = %s", provider.TokenEndpoint)
	}
	if provider.JWKSURI != jwksServer.URL {
		t.Errorf("jwks_uri = %s, want %s", provider.JWKSURI, jwksServer.URL)
	}
	if !provider.SupportsScope("openid") {
		t.Error("expected SupportsScope(openid) to be true")
	}
	if provider.SupportsScope("nonexistent") {
		t.Error("expected SupportsScope(nonexistent) to be false")
	}
}

func TestOIDCProvider_InvalidIssuer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	if _, err := NewOIDCProvider(server.URL); err == nil {
		t.Fatal("expected error for invalid issuer")
	}
	if _, err := NewOIDCProvider("http://127.0.0.1:1"); err == nil {
		t.Fatal("expected error for unreachable issuer")
	}
}

func TestOIDCProvider_MissingJWKSURI(t *testing.T) {
	server := newDiscoveryServer(t, map[string]interface{}{
		"issuer":         "https://idp.example.com",
		"token_endpoint": "https://idp.example.com/token",
	})

	if _, err := NewOIDCProvider(server.URL); err == nil {
		t.Fatal("expected error for missing jwks_uri")
	}
}

func TestOIDCProvider_JWKSKeyFunc(t *testing.T) {
	key := testRSAKey(t)
	jwksServer := newJWKSServer(t, nil, func() []JWKSKey {
		return []JWKSKey{testJWK(key, "test-key-1")}
	})
	server := newDiscoveryServer(t, map[string]interface{}{
		"issuer":   "https://idp.example.com",
		"jwks_uri": jwksServer.URL,
	})

	provider, err := NewOIDCProvider(server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.JWKSKeyFunc() == nil {
		t.Fatal("JWKSKeyFunc returned nil")
	}
}

func TestJWKSCache_FetchAndHit(t *testing.T) {
	key := testRSAKey(t)
	fetches := 0
	server := newJWKSServer(t, &fetches, func() []JWKSKey {
		return []JWKSKey{testJWK(key, "fetch-test-key")}
	})

	cache := NewJWKSCache(server.URL, 5*time.Minute)

	got, err := cache.GetKey("fetch-test-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.N.Cmp(key.PublicKey.N) != 0 || got.E != key.PublicKey.E {
		t.Error("fetched key does not match original")
	}

	// Within TTL the second lookup must not refetch.
	if _, err := cache.GetKey("fetch-test-key"); err != nil {
		t.Fatalf("unexpected error on cache hit: %v", err)
	}
	if fetches != 1 {
		t.Errorf("expected 1 fetch, got %d", fetches)
	}
}

func TestJWKSCache_KeyRotation(t *testing.T) {
	key1 := testRSAKey(t)
	key2 := testRSAKey(t)

	fetches := 0
	server := newJWKSServer(t, &fetches, func() []JWKSKey {
		if fetches <= 1 {
			return []JWKSKey{testJWK(key1, "rotation-key-1")}
		}
		return []JWKSKey{
			testJWK(key1, "rotation-key-1"),
			testJWK(key2, "rotation-key-2"),
		}
	})

	cache := NewJWKSCache(server.URL, time.Millisecond)

	if _, err := cache.GetKey("rotation-key-1"); err != nil {
		t.Fatalf("fetch key1: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	got, err := cache.GetKey("rotation-key-2")
	if err != nil {
		t.Fatalf("fetch rotated key: %v", err)
	}
	if got.N.Cmp(key2.PublicKey.N) != 0 {
		t.Error("rotated key modulus does not match")
	}
	if fetches < 2 {
		t.Errorf("expected at least 2 JWKS fetches for rotation, got %d", fetches)
	}
}

func TestJWKSCache_ExpiryRefetches(t *testing.T) {
	key := testRSAKey(t)
	fetches := 0
	server := newJWKSServer(t, &fetches, func() []JWKSKey {
		return []JWKSKey{testJWK(key, "ttl-test-key")}
	})

	cache := NewJWKSCache(server.URL, time.Millisecond)

	if _, err := cache.GetKey("ttl-test-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := fetches

	time.Sleep(5 * time.Millisecond)

	if _, err := cache.GetKey("ttl-test-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetches <= first {
		t.Error("expected additional fetch after TTL expiry")
	}
}

func TestJWKSCache_KeyNotFound(t *testing.T) {
	key := testRSAKey(t)
	server := newJWKSServer(t, nil, func() []JWKSKey {
		return []JWKSKey{testJWK(key, "existing-key")}
	})

	cache := NewJWKSCache(server.URL, 5*time.Minute)
	if _, err := cache.GetKey("nonexistent-key"); err == nil {
		t.Fatal("expected error for nonexistent key")
	}
}

func TestJWKSCache_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cache := NewJWKSCache(server.URL, 5*time.Minute)
	if _, err := cache.GetKey("any-key"); err == nil {
		t.Fatal("expected error for server error response")
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	key := testRSAKey(t)

	pubKey, err := parseRSAPublicKey(testJWK(key, "parse-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pubKey.N.Cmp(key.PublicKey.N) != 0 || pubKey.E != key.PublicKey.E {
		t.Error("parsed key does not match original")
	}
}

func TestParseRSAPublicKey_InvalidEncoding(t *testing.T) {
	badModulus := JWKSKey{Kty: "RSA", Kid: "bad", N: "!!!invalid!!!", E: "AQAB"}
	if _, err := parseRSAPublicKey(badModulus); err == nil {
		t.Error("expected error for invalid modulus")
	}

	badExponent := JWKSKey{
		Kty: "RSA",
		Kid: "bad",
		N:   base64.RawURLEncoding.EncodeToString(big.NewInt(12345).Bytes()),
		E:   "!!!invalid!!!",
	}
	if _, err := parseRSAPublicKey(badExponent); err == nil {
		t.Error("expected error for invalid exponent")
	}
}

func TestJwksKeyFunc_NoKidHeader(t *testing.T) {
	server := newJWKSServer(t, nil, func() []JWKSKey { return nil })

	keyFunc := jwksKeyFunc(server.URL)
	token := &jwt.Token{Header: map[string]interface{}{}}

	_, err := keyFunc(token)
	if err == nil {
		t.Fatal("expected error for token without kid")
	}
	if fmt.Sprintf("%v", err) != "token has no kid header" {
		t.Errorf("unexpected error message: %v", err)
	}
}
