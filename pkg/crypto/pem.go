package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/samternent/concord/pkg/canonicalize"
)

const (
	pemPublicHeader  = "-----BEGIN PUBLIC KEY-----"
	pemPublicFooter  = "-----END PUBLIC KEY-----"
	pemPrivateType   = "PRIVATE KEY"
	pemPublicKeyType = "PUBLIC KEY"
)

// ErrInvalidKey is returned for keys that are not P-256 ECDSA.
var ErrInvalidKey = errors.New("crypto: invalid key")

// NormalizePEM unescapes literal "\n" sequences (as found in env vars and
// JSON config) and trims surrounding whitespace.
func NormalizePEM(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, `\n`, "\n"))
}

// EnsurePublicPEM normalizes s and wraps a bare base64 body in PUBLIC KEY
// armor. The result always ends with a newline.
func EnsurePublicPEM(s string) string {
	v := NormalizePEM(s)
	if v == "" {
		return ""
	}
	if !strings.Contains(v, "BEGIN PUBLIC KEY") {
		v = pemPublicHeader + "\n" + v + "\n" + pemPublicFooter
	}
	return v + "\n"
}

// Fingerprint returns the issuer key id: sha256 hex of the normalized PEM.
func Fingerprint(publicKeyPEM string) string {
	return canonicalize.HashBytes([]byte(NormalizePEM(publicKeyPEM)))
}

// ParsePublicKeyPEM parses an SPKI P-256 public key.
func ParsePublicKeyPEM(s string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(EnsurePublicPEM(s)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 ECDSA key", ErrInvalidKey)
	}
	return pub, nil
}

// MarshalPublicKeyPEM encodes pub as SPKI PEM.
func MarshalPublicKeyPEM(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPublicKeyType, Bytes: der})), nil
}

// ParsePrivateKeyPEM parses a PKCS#8 or SEC1 P-256 private key.
func ParsePrivateKeyPEM(s string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(NormalizePEM(s)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		priv, ok := k.(*ecdsa.PrivateKey)
		if !ok || priv.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: not a P-256 ECDSA key", ErrInvalidKey)
		}
		return priv, nil
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 ECDSA key", ErrInvalidKey)
	}
	return priv, nil
}

// MarshalPrivateKeyPEM encodes priv as PKCS#8 PEM.
func MarshalPrivateKeyPEM(priv *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPrivateType, Bytes: der})), nil
}
