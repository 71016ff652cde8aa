package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// JWKS cache behavior.
const (
	jwksTTL      = time.Hour
	jwksStaleMax = 24 * time.Hour
	jwksTimeout  = 10 * time.Second
)

// JWKSCache fetches and caches RSA public keys from a JWKS endpoint.
// Keys are served fresh within the TTL, refetched after it, and served
// stale for up to the stale-max when the endpoint is unreachable.
type JWKSCache struct {
	url    string
	client *http.Client
	logger *zap.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	// now is a test hook.
	now func() time.Time
}

// NewJWKSCache creates a cache for the given endpoint.
func NewJWKSCache(url string, logger *zap.Logger) *JWKSCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSCache{
		url:    url,
		client: &http.Client{Timeout: jwksTimeout},
		logger: logger,
		now:    time.Now,
	}
}

// Key returns the RSA public key for kid, refreshing the cache as the
// TTL and staleness rules dictate.
func (c *JWKSCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	age := c.now().Sub(c.fetchedAt)
	key, have := c.keys[kid]
	populated := len(c.keys) > 0
	c.mu.RUnlock()

	if populated && age < jwksTTL && have {
		return key, nil
	}

	// Refresh: either the cache is past its TTL or the kid is unknown.
	if err := c.refresh(ctx); err != nil {
		if populated && age <= jwksStaleMax {
			c.logger.Warn("serving stale JWKS keys", zap.Duration("age", age), zap.Error(err))
			if have {
				return key, nil
			}
			return nil, uerr.New(uerr.TagInvalidToken, "no JWKS key with kid %q", kid)
		}
		return nil, uerr.Wrap(uerr.TagInvalidToken, err, "jwks unavailable")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, uerr.New(uerr.TagInvalidToken, "no JWKS key with kid %q", kid)
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, jwksTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return uerr.New(uerr.TagInvalidToken, "jwks endpoint returned %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwkKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return err
	}

	keys := map[string]*rsa.PublicKey{}
	for _, jwk := range doc.Keys {
		if jwk.Kty != "RSA" {
			continue
		}
		pub, err := jwk.publicKey()
		if err != nil {
			c.logger.Warn("skipping unparseable JWKS key", zap.String("kid", jwk.Kid), zap.Error(err))
			continue
		}
		keys[jwk.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

type jwkKey struct {
	Kty string   `json:"kty"`
	Kid string   `json:"kid"`
	N   string   `json:"n"`
	E   string   `json:"e"`
	X5c []string `json:"x5c"`
}

// publicKey builds the RSA key from (n, e) or falls back to the first
// x5c certificate.
func (k *jwkKey) publicKey() (*rsa.PublicKey, error) {
	if k.N != "" && k.E != "" {
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, err
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, err
		}
		e := 0
		for _, b := range eBytes {
			e = e<<8 | int(b)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
	}

	if len(k.X5c) > 0 {
		der, err := base64.StdEncoding.DecodeString(k.X5c[0])
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, uerr.New(uerr.TagInvalidToken, "x5c certificate is not RSA")
	}
	return nil, uerr.New(uerr.TagInvalidToken, "JWKS key has neither n/e nor x5c")
}
