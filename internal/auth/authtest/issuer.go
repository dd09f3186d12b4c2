// Package authtest provides a throwaway identity provider for tests: an RSA
// signing key, a JWKS endpoint that counts its hits, and a token signer.
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssuerName is the iss claim carried by tokens from NewIssuer.
const IssuerName = "https://idp.test/realms/acme"

// Issuer is a test identity provider.
type Issuer struct {
	server *httptest.Server
	hits   atomic.Int64

	mu        sync.RWMutex
	keys      map[string]*rsa.PrivateKey
	published []string
	activeKID string
	delay     time.Duration
	failing   bool
}

// NewIssuer starts a JWKS server publishing one RSA key with kid "key-1".
func NewIssuer(t testing.TB) *Issuer {
	t.Helper()
	iss := &Issuer{keys: map[string]*rsa.PrivateKey{}}
	iss.AddKey(t, "key-1", true)
	iss.activeKID = "key-1"

	iss.server = httptest.NewServer(http.HandlerFunc(iss.serveJWKS))
	t.Cleanup(iss.server.Close)
	return iss
}

// JWKSURL returns the URL of the key set endpoint.
func (i *Issuer) JWKSURL() string {
	return i.server.URL + "/protocol/openid-connect/certs"
}

// Hits returns how many times the key set endpoint was called.
func (i *Issuer) Hits() int64 {
	return i.hits.Load()
}

// AddKey generates a key under kid. Unpublished keys sign tokens the gateway cannot verify.
func (i *Issuer) AddKey(t testing.TB, kid string, publish bool) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.keys[kid] = key
	if publish {
		i.published = append(i.published, kid)
	}
}

// Publish adds an existing kid to the served key set.
func (i *Issuer) Publish(kid string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.published = append(i.published, kid)
}

// SetDelay makes the key set endpoint wait before answering.
func (i *Issuer) SetDelay(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.delay = d
}

// SetFailing makes the key set endpoint answer 503.
func (i *Issuer) SetFailing(failing bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failing = failing
}

// Claims returns a valid claim set for subject expiring in one hour.
func (i *Issuer) Claims(subject string, roles ...string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                IssuerName,
		"sub":                subject,
		"preferred_username": subject,
		"email":              subject + "@example.com",
		"exp":                time.Now().Add(time.Hour).Unix(),
		"iat":                time.Now().Unix(),
		"realm_access":       map[string]any{"roles": roles},
	}
}

// Sign signs claims with the active key using RS256.
func (i *Issuer) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return i.SignWithKey(t, i.activeKID, claims)
}

// SignWithKey signs claims with the key registered under kid.
func (i *Issuer) SignWithKey(t testing.TB, kid string, claims jwt.MapClaims) string {
	t.Helper()
	i.mu.RLock()
	key, ok := i.keys[kid]
	i.mu.RUnlock()
	if !ok {
		t.Fatalf("unknown test key %q", kid)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (i *Issuer) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	i.hits.Add(1)

	i.mu.RLock()
	delay, failing := i.delay, i.failing
	keys := make([]map[string]string, 0, len(i.published))
	for _, kid := range i.published {
		pub := i.keys[kid].PublicKey
		keys = append(keys, map[string]string{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	i.mu.RUnlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failing {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
}
