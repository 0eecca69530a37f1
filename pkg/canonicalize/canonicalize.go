// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the hashing helpers built on it. Every hash that
// participates in replay verification (commit payload hashes, the
// chained commit hash, the kernel state hash) goes through this
// package so there is exactly one canonical byte form per value.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
)

// JCS returns the RFC 8785 canonical JSON encoding of v: keys sorted by
// UTF-16 code units, no HTML escaping, ES6 number formatting.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// encoding of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StateDigest returns the BLAKE2b-256 digest of the canonical JSON
// encoding of v. Used for the 32-byte pre/post state hashes carried by
// every commit record.
func StateDigest(v any) ([32]byte, error) {
	var zero [32]byte
	b, err := JCS(v)
	if err != nil {
		return zero, err
	}
	return blake2b.Sum256(b), nil
}
