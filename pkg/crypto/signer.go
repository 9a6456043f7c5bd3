// Package crypto provides P-256 ECDSA signing for ledger entries and issuer
// receipts, PEM key handling, and file-backed key storage.
//
// Signatures are base64 encoded raw r||s (64 bytes) over SHA-256 of the
// canonical signing payload, matching WebCrypto's ECDSA output.
package crypto

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
)

const p256ScalarSize = 32

// Signer signs canonical payloads. Implementations backed by a remote
// signer or vault may block; ctx bounds the call.
type Signer interface {
	Sign(ctx context.Context, data []byte) (string, error)
	PublicKeyPEM() string
	KeyID() string
}

// ECDSASigner holds a P-256 private key in memory.
type ECDSASigner struct {
	priv   *ecdsa.PrivateKey
	pubPEM string
	keyID  string
}

// NewECDSASigner generates a fresh P-256 key.
func NewECDSASigner() (*ECDSASigner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewECDSASignerFromKey(priv)
}

// NewECDSASignerFromKey wraps an existing key.
func NewECDSASignerFromKey(priv *ecdsa.PrivateKey) (*ECDSASigner, error) {
	if priv == nil || priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 ECDSA key", ErrInvalidKey)
	}
	pubPEM, err := MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &ECDSASigner{priv: priv, pubPEM: pubPEM, keyID: Fingerprint(pubPEM)}, nil
}

// NewECDSASignerFromPEM parses a private key PEM (escaped newlines allowed).
func NewECDSASignerFromPEM(privatePEM string) (*ECDSASigner, error) {
	priv, err := ParsePrivateKeyPEM(privatePEM)
	if err != nil {
		return nil, err
	}
	return NewECDSASignerFromKey(priv)
}

// Sign returns base64(r||s) over sha256(data), with s normalized to the
// lower half of the curve order.
func (s *ECDSASigner) Sign(_ context.Context, data []byte) (string, error) {
	digest := sha256.Sum256(data)
	r, sv, err := ecdsa.Sign(rand.Reader, s.priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	n := s.priv.Curve.Params().N
	if sv.Cmp(new(big.Int).Rsh(n, 1)) > 0 {
		sv = new(big.Int).Sub(n, sv)
	}
	sig := make([]byte, 2*p256ScalarSize)
	r.FillBytes(sig[:p256ScalarSize])
	sv.FillBytes(sig[p256ScalarSize:])
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKeyPEM returns the SPKI PEM public key.
func (s *ECDSASigner) PublicKeyPEM() string {
	return s.pubPEM
}

// KeyID returns Fingerprint(PublicKeyPEM()).
func (s *ECDSASigner) KeyID() string {
	return s.keyID
}

// PrivateKeyPEM returns the PKCS#8 PEM private key.
func (s *ECDSASigner) PrivateKeyPEM() (string, error) {
	return MarshalPrivateKeyPEM(s.priv)
}
