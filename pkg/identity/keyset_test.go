package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndVerify(t *testing.T) {
	ks, err := NewEphemeralKeySet()
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}

	claims := jwt.RegisteredClaims{
		Subject:   "caller-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := ks.Sign(context.Background(), claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, ks.KeyFunc())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Valid {
		t.Fatal("token should be valid")
	}
}

func TestRotationKeepsOldKeysVerifiable(t *testing.T) {
	ks, err := NewEphemeralKeySet()
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}

	claims := jwt.RegisteredClaims{
		Subject:   "caller-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	old, err := ks.Sign(context.Background(), claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := ks.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := jwt.ParseWithClaims(old, &jwt.RegisteredClaims{}, ks.KeyFunc()); err != nil {
		t.Fatalf("token signed before rotation must still verify: %v", err)
	}
}

func TestSeedKeySetIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	a, err := NewKeySetFromSeed(seed)
	if err != nil {
		t.Fatalf("keyset a: %v", err)
	}
	b, err := NewKeySetFromSeed(seed)
	if err != nil {
		t.Fatalf("keyset b: %v", err)
	}

	claims := jwt.RegisteredClaims{
		Subject:   "caller-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := a.Sign(context.Background(), claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, b.KeyFunc()); err != nil {
		t.Fatalf("peer node with same seed must verify: %v", err)
	}

	if _, err := NewKeySetFromSeed(seed[:16]); err == nil {
		t.Fatal("short seed must be rejected")
	}
}
