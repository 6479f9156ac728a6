// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and keccak-256 content hashing for anchorline artifacts.
// Every hash that crosses a trust boundary (merkle leaves, payload digests,
// DA event summaries) is computed over the canonical form.
package canonicalize

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// Map keys are sorted lexicographically by UTF-8 bytes and HTML escaping is
// disabled, so equal values always serialize to equal bytes.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// Keccak256Hex computes the keccak-256 hash of raw bytes, hex-encoded with a
// 0x prefix.
func Keccak256Hex(data []byte) string {
	return "0x" + hex.EncodeToString(crypto.Keccak256(data))
}

// CanonicalHash returns the keccak-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return Keccak256Hex(b), nil
}
