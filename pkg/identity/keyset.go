// Package identity issues and verifies the two credential shapes the
// service consumes: bearer tokens carrying a caller principal, and
// role-scoped approval grants checked by approval_present conditions.
// Both are EdDSA JWTs signed by a rotating key set.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet manages the active signing key and verification of past keys,
// so rotation never invalidates credentials issued moments earlier.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc resolves the verification key from the token's kid header.
	KeyFunc() jwt.Keyfunc
}

// MemoryKeySet holds keys in memory, keyed by kid.
type MemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]ed25519.PrivateKey
}

var _ KeySet = (*MemoryKeySet)(nil)

// NewMemoryKeySet creates a key set with one freshly generated key.
func NewMemoryKeySet() (*MemoryKeySet, error) {
	ks := &MemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewMemoryKeySetFromKey wraps a pre-derived key, giving it a kid computed
// from its public half so every node deriving the same key agrees on it.
func NewMemoryKeySetFromKey(key ed25519.PrivateKey) *MemoryKeySet {
	sum := sha256.Sum256(key.Public().(ed25519.PublicKey))
	kid := "seed-" + hex.EncodeToString(sum[:8])
	return &MemoryKeySet{
		currentKID: kid,
		keys:       map[string]ed25519.PrivateKey{kid: key},
	}
}

// Rotate installs a new active key. Previous keys stay verifiable until
// evicted by the size cap.
func (ks *MemoryKeySet) Rotate() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("identity: generating key: %w", err)
	}

	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.keys[kid] = privateKey
	ks.currentKID = kid

	if len(ks.keys) > 10 {
		for k := range ks.keys {
			if k != kid {
				delete(ks.keys, k)
				break
			}
		}
	}
	return nil
}

// Sign implements KeySet.
func (ks *MemoryKeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.keys[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("identity: no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// KeyFunc implements KeySet.
func (ks *MemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}

		return key.Public(), nil
	}
}
