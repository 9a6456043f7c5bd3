// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) serialization
// for deterministic hashing of ledger entries, commits, epochs and pack contents.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

var (
	// ErrCycle is returned when a value references itself.
	ErrCycle = errors.New("canonicalize: circular reference")
	// ErrUnsupportedType is returned for values with no JSON representation
	// (functions, channels, complex numbers, unsafe pointers).
	ErrUnsupportedType = errors.New("canonicalize: unsupported type")
	// ErrNonFinite is returned for NaN and ±Inf.
	ErrNonFinite = errors.New("canonicalize: non-finite number")
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
// 1. Object keys are sorted by UTF-16 code units.
// 2. HTML escaping is disabled.
// 3. Numbers use the ECMAScript shortest round-trip form.
// 4. Cycles, non-finite numbers and non-JSON kinds fail instead of being coerced.
func JCS(v interface{}) ([]byte, error) {
	if err := validate(v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// MustHash is CanonicalHash for values built entirely from strings, numbers,
// maps and slices. It panics on error.
func MustHash(v interface{}) string {
	h, err := CanonicalHash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the JCS canonical form as a string
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Normalize round-trips v through canonical JSON and decodes it into a
// generic tree of map[string]any, []any, string, bool, json.Number and nil.
func Normalize(v interface{}) (interface{}, error) {
	b, err := JCS(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("jcs: normalize decode failed: %w", err)
	}
	return out, nil
}
