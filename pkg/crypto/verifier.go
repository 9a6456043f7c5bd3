package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

// Verifier checks a base64 r||s signature over data.
type Verifier interface {
	Verify(data []byte, signature string) (bool, error)
}

// ECDSAVerifier implements Verifier for one P-256 public key.
type ECDSAVerifier struct {
	PublicKey *ecdsa.PublicKey
}

// NewECDSAVerifier parses an SPKI PEM public key.
func NewECDSAVerifier(publicKeyPEM string) (*ECDSAVerifier, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &ECDSAVerifier{PublicKey: pub}, nil
}

// Verify returns false (without error) for well-formed but wrong signatures.
// Malformed signature encodings return an error.
func (v *ECDSAVerifier) Verify(data []byte, signature string) (bool, error) {
	raw, err := decodeSignature(signature)
	if err != nil {
		return false, err
	}
	if len(raw) != 2*p256ScalarSize {
		return false, fmt.Errorf("invalid signature length: expected %d, got %d", 2*p256ScalarSize, len(raw))
	}
	r := new(big.Int).SetBytes(raw[:p256ScalarSize])
	s := new(big.Int).SetBytes(raw[p256ScalarSize:])
	digest := sha256.Sum256(data)
	return ecdsa.Verify(v.PublicKey, digest[:], r, s), nil
}

// Verify verifies a signature against a PEM public key.
func Verify(publicKeyPEM, signature string, data []byte) (bool, error) {
	v, err := NewECDSAVerifier(publicKeyPEM)
	if err != nil {
		return false, err
	}
	return v.Verify(data, signature)
}

func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimSpace(sig)
	if raw, err := base64.StdEncoding.DecodeString(sig); err == nil {
		return raw, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(sig, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	return raw, nil
}
