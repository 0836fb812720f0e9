// Package canonhash provides RFC 8785 (JSON Canonicalization Scheme)
// hashing for Selene artifacts and envelope payloads.
//
// The canonical hash is the kernel's definition of payload equality: two
// payloads are "the same" for idempotency purposes iff their canonical
// forms are byte-identical. Any semantic change is a conflict — the kernel
// never attempts deeper equivalence.
package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON form of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonhash: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonhash: canonicalization failed: %w", err)
	}
	return out, nil
}

// Hash returns "sha256:<hex>" over the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns "sha256:<hex>" over raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
