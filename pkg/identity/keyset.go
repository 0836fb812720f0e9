// Package identity manages the signing keys behind caller tokens.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet signs new tokens with the active key and verifies tokens signed
// by any key it still remembers, so rotation does not invalidate
// in-flight sessions.
type KeySet interface {
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	KeyFunc() jwt.Keyfunc
}

// maxRetainedKeys bounds how many rotated-out keys stay verifiable.
const maxRetainedKeys = 8

// EphemeralKeySet holds Ed25519 keys in process memory. Suitable for
// single-node deployments; tokens do not survive a restart.
type EphemeralKeySet struct {
	mu        sync.RWMutex
	activeKID string
	keys      map[string]ed25519.PrivateKey
}

// NewEphemeralKeySet generates the initial signing key.
func NewEphemeralKeySet() (*EphemeralKeySet, error) {
	ks := &EphemeralKeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewKeySetFromSeed derives the signing key from a 32-byte seed, so every
// node configured with the same seed verifies the same tokens.
func NewKeySetFromSeed(seed []byte) (*EphemeralKeySet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	kid := "seed-0"
	return &EphemeralKeySet{
		activeKID: kid,
		keys:      map[string]ed25519.PrivateKey{kid: key},
	}, nil
}

// Rotate makes a fresh key active. Old keys stay verifiable until
// evicted.
func (ks *EphemeralKeySet) Rotate() error {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("identity: key generation: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.keys[kid] = key
	ks.activeKID = kid
	for len(ks.keys) > maxRetainedKeys {
		for old := range ks.keys {
			if old != kid {
				delete(ks.keys, old)
				break
			}
		}
	}
	return nil
}

func (ks *EphemeralKeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.activeKID
	key := ks.keys[kid]
	ks.mu.RUnlock()
	if key == nil {
		return "", fmt.Errorf("identity: no active signing key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *EphemeralKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("identity: token missing kid header")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, ok := ks.keys[kid]
		if !ok {
			return nil, fmt.Errorf("identity: unknown key %s", kid)
		}
		return key.Public(), nil
	}
}
