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

// jwk is the subset of RFC 7517 fields needed for RS256 verification.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

var errUnknownKid = errors.New("signing key not published by issuer")

// KeySet caches the issuer's RSA keys. Unknown kids trigger a refetch at
// most once per minRefresh so a flood of forged tokens cannot hammer the
// identity provider.
type KeySet struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client
	now        func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewKeySet(url string, ttl time.Duration) *KeySet {
	return &KeySet{
		url:        url,
		ttl:        ttl,
		minRefresh: 30 * time.Second,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// Key returns the public key for kid.
func (s *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	age := s.now().Sub(s.fetchedAt)
	if key, ok := s.keys[kid]; ok && age < s.ttl {
		return key, nil
	}
	if s.keys == nil || age >= s.minRefresh {
		if err := s.refresh(ctx); err != nil {
			return nil, err
		}
	}
	if key, ok := s.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", errUnknownKid, kid)
}

// refresh runs with s.mu held.
func (s *KeySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if pub, err := k.rsa(); err == nil {
			keys[k.Kid] = pub
		}
	}
	s.keys = keys
	s.fetchedAt = s.now()
	return nil
}

func (k jwk) rsa() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}
