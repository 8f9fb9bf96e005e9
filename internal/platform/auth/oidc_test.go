package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type jwksFixture struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
	hits   int
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	fixture := &jwksFixture{key: key, kid: "test-key-1"}
	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fixture.hits++
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     fixture.kid,
			Algorithm: "RS256",
			Use:       "sig",
		}}}
		w.Header().Set("Cache-Control", "max-age=3600")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *jwksFixture) signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = f.kid
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestRequireAdminOIDCAcceptsValidToken(t *testing.T) {
	fixture := newJWKSFixture(t)
	cache := NewJWKSCache(fixture.server.URL)
	validator := NewAdminValidator(cache, nil)

	token := fixture.signToken(t, jwt.MapClaims{
		"iss":   "https://accounts.google.com",
		"aud":   "billing-admin",
		"sub":   "operator-1",
		"email": "ops@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	})

	var captured *AdminIdentity
	handler := validator.RequireAdminOIDC("billing-admin", []string{"https://accounts.google.com"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured, _ = AdminIdentityFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))

	req := httptest.NewRequest(http.MethodPost, "/admin/orders/ord-1/mark-paid", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 (body %s)", rec.Code, rec.Body.String())
	}
	if captured == nil || captured.Email != "ops@example.com" {
		t.Fatalf("admin identity not propagated: %+v", captured)
	}
}

func TestRequireAdminOIDCRejectsAudienceMismatch(t *testing.T) {
	fixture := newJWKSFixture(t)
	validator := NewAdminValidator(NewJWKSCache(fixture.server.URL), nil)

	token := fixture.signToken(t, jwt.MapClaims{
		"iss": "https://accounts.google.com",
		"aud": "some-other-service",
		"sub": "operator-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	handler := validator.RequireAdminOIDC("billing-admin", []string{"https://accounts.google.com"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not run")
		}))

	req := httptest.NewRequest(http.MethodPost, "/admin/orders/ord-1/mark-paid", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAdminOIDCRejectsIssuerMismatch(t *testing.T) {
	fixture := newJWKSFixture(t)
	validator := NewAdminValidator(NewJWKSCache(fixture.server.URL), nil)

	token := fixture.signToken(t, jwt.MapClaims{
		"iss": "https://evil.example.com",
		"aud": "billing-admin",
		"sub": "operator-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	handler := validator.RequireAdminOIDC("billing-admin", []string{"https://accounts.google.com"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not run")
		}))

	req := httptest.NewRequest(http.MethodPost, "/admin/orders/ord-1/mark-paid", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestJWKSCacheReusesKeysWithinValidity(t *testing.T) {
	fixture := newJWKSFixture(t)
	cache := NewJWKSCache(fixture.server.URL)

	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	if _, err := cache.Key(ctx, fixture.kid); err != nil {
		t.Fatalf("first Key: %v", err)
	}
	if _, err := cache.Key(ctx, fixture.kid); err != nil {
		t.Fatalf("second Key: %v", err)
	}
	if fixture.hits != 1 {
		t.Errorf("jwks endpoint hits = %d, want 1", fixture.hits)
	}
}

func TestJWKSCacheUnknownKid(t *testing.T) {
	fixture := newJWKSFixture(t)
	cache := NewJWKSCache(fixture.server.URL)

	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	if _, err := cache.Key(ctx, "missing-kid"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
	// Forced refresh on unknown kid means two fetches.
	if fixture.hits != 2 {
		t.Errorf("jwks endpoint hits = %d, want 2", fixture.hits)
	}
}
