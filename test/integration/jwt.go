package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "caseflow-it-1"
	testIssuer   = "https://auth.caseflow.test"
	testAudience = "caseflow"
)

// TestClaims describes the caller a generated token stands for.
type TestClaims struct {
	SubjectID string
	Username  string
	Roles     []string
}

// callerClaims is the token body the identity provider would issue.
type callerClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
}

// tokenIssuer plays the identity provider: it signs tokens with one RSA key
// and publishes that key on a JWKS endpoint.
type tokenIssuer struct {
	t    *testing.T
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	ti := &tokenIssuer{t: t, key: generateKey(t)}
	body, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(ti.key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(ti.key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode JWKS: %v", err)
	}
	ti.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(ti.jwks.Close)
	return ti
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

// claimsFor builds the token body for c, valid from issuedAt for one hour.
func claimsFor(c TestClaims, issuedAt time.Time) callerClaims {
	return callerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   c.SubjectID,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Hour)),
		},
		PreferredUsername: c.Username,
		Roles:             c.Roles,
	}
}

func (ti *tokenIssuer) sign(claims jwt.Claims, key *rsa.PrivateKey) string {
	ti.t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(key)
	if err != nil {
		ti.t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (ti *tokenIssuer) issue(c TestClaims, issuedAt time.Time, key *rsa.PrivateKey) string {
	return ti.sign(claimsFor(c, issuedAt), key)
}

// GenerateToken returns a currently valid token for c.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.issue(c, time.Now(), ti.key)
}

// GenerateExpiredToken returns a token for c that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.issue(c, time.Now().Add(-2*time.Hour), ti.key)
}

// GenerateForeignToken returns a token carrying the published key id but
// signed by a key the JWKS endpoint never served.
func (ti *tokenIssuer) GenerateForeignToken(c TestClaims) string {
	return ti.issue(c, time.Now(), generateKey(ti.t))
}

// JWKSURL is the address of the published key set.
func (ti *tokenIssuer) JWKSURL() string {
	return ti.jwks.URL
}
