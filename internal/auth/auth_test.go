package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

type jwksFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	failing  atomic.Bool
	requests atomic.Int64
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &jwksFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f.requests.Add(1)
		if f.failing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		doc := map[string]any{"keys": []map[string]any{{
			"kty": "RSA",
			"kid": "test-key",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
		}}}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func openAuthStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "auth.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestJWTAuthenticationHappyPath(t *testing.T) {
	f := newJWKSFixture(t)
	db := openAuthStore(t)
	a := New(Config{JWKSURL: f.server.URL}, db, nil)

	token := f.sign(t, jwt.MapClaims{
		"sub":   "alice",
		"email": "alice@example.com",
		"name":  "Alice",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	uc, err := a.Authenticate(context.Background(), bearerRequest(token))
	require.NoError(t, err)
	assert.Equal(t, "alice", uc.ExternalID)
	assert.Equal(t, "alice@example.com", uc.Email)
	assert.NotEmpty(t, uc.UserID)

	// Same subject resolves to the same stored user.
	uc2, err := a.Authenticate(context.Background(), bearerRequest(token))
	require.NoError(t, err)
	assert.Equal(t, uc.UserID, uc2.UserID)
}

func TestJWTMissingSubRejected(t *testing.T) {
	f := newJWKSFixture(t)
	a := New(Config{JWKSURL: f.server.URL}, openAuthStore(t), nil)

	token := f.sign(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	_, err := a.Authenticate(context.Background(), bearerRequest(token))
	assert.Equal(t, uerr.TagInvalidToken, uerr.TagOf(err))
}

func TestJWTExpiredRejected(t *testing.T) {
	f := newJWKSFixture(t)
	a := New(Config{JWKSURL: f.server.URL}, openAuthStore(t), nil)

	token := f.sign(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()})
	_, err := a.Authenticate(context.Background(), bearerRequest(token))
	assert.Equal(t, uerr.TagInvalidToken, uerr.TagOf(err))
}

func TestJWTIssuerAndAudienceChecks(t *testing.T) {
	f := newJWKSFixture(t)
	a := New(Config{JWKSURL: f.server.URL, Issuer: "https://issuer", Audience: "unicity"}, openAuthStore(t), nil)

	good := f.sign(t, jwt.MapClaims{
		"sub": "alice", "iss": "https://issuer", "aud": "unicity",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err := a.Authenticate(context.Background(), bearerRequest(good))
	require.NoError(t, err)

	badIss := f.sign(t, jwt.MapClaims{
		"sub": "alice", "iss": "https://evil", "aud": "unicity",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = a.Authenticate(context.Background(), bearerRequest(badIss))
	assert.Equal(t, uerr.TagInvalidToken, uerr.TagOf(err))
}

func TestJWKSStaleServing(t *testing.T) {
	f := newJWKSFixture(t)
	cache := NewJWKSCache(f.server.URL, nil)

	base := time.Now()
	current := base
	cache.now = func() time.Time { return current }

	// Warm the cache.
	_, err := cache.Key(context.Background(), "test-key")
	require.NoError(t, err)

	// Endpoint dies; two hours later the stale key still serves.
	f.failing.Store(true)
	current = base.Add(2 * time.Hour)
	_, err = cache.Key(context.Background(), "test-key")
	require.NoError(t, err)

	// Past the stale-max the cache refuses.
	current = base.Add(24*time.Hour + time.Second)
	_, err = cache.Key(context.Background(), "test-key")
	require.Error(t, err)
	assert.Equal(t, uerr.TagInvalidToken, uerr.TagOf(err))
	assert.Contains(t, err.Error(), "jwks unavailable")
}

func TestStaticAPIKey(t *testing.T) {
	a := New(Config{StaticAPIKey: "sekrit"}, openAuthStore(t), nil)

	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set("X-API-Key", "sekrit")
	uc, err := a.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "api_key", uc.Provider)

	r.Header.Set("X-API-Key", "wrong")
	_, err = a.Authenticate(context.Background(), r)
	assert.Equal(t, uerr.TagInvalidAPIKey, uerr.TagOf(err))
}

func TestDBAPIKeyLifecycle(t *testing.T) {
	db := openAuthStore(t)
	a := New(Config{DBAPIKeys: true}, db, nil)
	ctx := context.Background()

	full, rec, err := db.GenerateAPIKey(ctx, "ci", "", nil)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set("X-API-Key", full)
	uc, err := a.Authenticate(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, rec.Prefix, uc.ExternalID)

	// Revocation renders the key unusable.
	_, err = db.RevokeAPIKey(ctx, rec.Prefix)
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, r)
	assert.Equal(t, uerr.TagAPIKeyRevoked, uerr.TagOf(err))
}

func TestExpiredDBAPIKey(t *testing.T) {
	db := openAuthStore(t)
	a := New(Config{DBAPIKeys: true}, db, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	full, _, err := db.GenerateAPIKey(ctx, "old", "", &past)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set("X-API-Key", full)
	_, err = a.Authenticate(ctx, r)
	assert.Equal(t, uerr.TagAPIKeyExpired, uerr.TagOf(err))
}

func TestAnonymousFallback(t *testing.T) {
	allowed := New(Config{AllowAnonymous: true}, openAuthStore(t), nil)
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	uc, err := allowed.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, uc.Anonymous)

	denied := New(Config{}, openAuthStore(t), nil)
	_, err = denied.Authenticate(context.Background(), r)
	assert.Equal(t, uerr.TagUnauthenticated, uerr.TagOf(err))
}
