package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

// KeyStore keeps signing keys and age identities as files under one
// directory, one pair per label. Missing keys are generated on first use.
type KeyStore struct {
	dir string
	mu  sync.Mutex
}

// NewKeyStore creates dir (0700) if needed.
func NewKeyStore(dir string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key dir: %w", err)
	}
	return &KeyStore{dir: dir}, nil
}

func (k *KeyStore) path(label, ext string) (string, error) {
	if label == "" || strings.ContainsAny(label, `/\`) || label == "." || label == ".." {
		return "", fmt.Errorf("invalid key label %q", label)
	}
	return filepath.Join(k.dir, label+ext), nil
}

// Signer loads or generates the P-256 signing key for label.
func (k *KeyStore) Signer(label string) (*ECDSASigner, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, err := k.path(label, ".pem")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err == nil {
		return NewECDSASignerFromPEM(string(data))
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	s, err := NewECDSASigner()
	if err != nil {
		return nil, err
	}
	pemText, err := s.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(p, []byte(pemText), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save signing key: %w", err)
	}
	return s, nil
}

// AgeIdentity loads or generates the X25519 age identity for label.
func (k *KeyStore) AgeIdentity(label string) (*age.X25519Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, err := k.path(label, ".age")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err == nil {
		return age.ParseX25519Identity(strings.TrimSpace(string(data)))
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read age identity: %w", err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate age identity: %w", err)
	}
	if err := os.WriteFile(p, []byte(id.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save age identity: %w", err)
	}
	return id, nil
}
