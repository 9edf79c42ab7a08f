package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

var ErrKeyNotFound = errors.New("jwks key not found")

const (
	minRSABits = 2048
	// Unknown key ids trigger at most one fetch per cooldown, so tokens with
	// made-up kids cannot hammer the identity provider.
	refetchCooldown = 10 * time.Second
	fetchTimeout    = 3 * time.Second
)

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// JWKSClient caches RS256 verification keys fetched from a JWKS endpoint.
// A stale cache keeps serving known keys while the endpoint is down.
type JWKSClient struct {
	url  string
	http *http.Client
	ttl  time.Duration
	now  func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expires   time.Time
	lastFetch time.Time
}

func NewJWKSClient(url string, ttl time.Duration) *JWKSClient {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWKSClient{
		url:  url,
		http: &http.Client{Timeout: fetchTimeout},
		ttl:  ttl,
		now:  time.Now,
		keys: map[string]*rsa.PublicKey{},
	}
}

func (c *JWKSClient) Get(keyID string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[keyID]
	fresh := c.now().Before(c.expires)
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have refreshed while we waited for the lock.
	if key, ok := c.keys[keyID]; ok && c.now().Before(c.expires) {
		return key, nil
	}
	if c.now().Sub(c.lastFetch) < refetchCooldown {
		if key, ok := c.keys[keyID]; ok {
			return key, nil
		}
		return nil, ErrKeyNotFound
	}

	c.lastFetch = c.now()
	if err := c.refresh(); err != nil {
		if key, ok := c.keys[keyID]; ok {
			return key, nil
		}
		return nil, err
	}
	if key, ok := c.keys[keyID]; ok {
		return key, nil
	}
	return nil, ErrKeyNotFound
}

func (c *JWKSClient) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var data jwks
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(data.Keys))
	for _, k := range data.Keys {
		if k.Kty != "RSA" || k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if k.Alg != "" && k.Alg != "RS256" {
			continue
		}
		pub, err := jwkToPublicKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.keys = keys
	c.expires = c.now().Add(c.ttl)
	return nil
}

func jwkToPublicKey(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}

	n := new(big.Int).SetBytes(nBytes)
	if n.BitLen() < minRSABits {
		return nil, fmt.Errorf("rsa key too small: %d bits", n.BitLen())
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, errors.New("invalid jwk exponent")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
