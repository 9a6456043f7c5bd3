package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/samternent/concord/pkg/ledger"
)

// ErrMissingSignature is returned when an entry carries no signature.
var ErrMissingSignature = errors.New("crypto: entry signature missing")

// SignEntry signs the canonical entry core and stores the signature on e.
func SignEntry(ctx context.Context, s Signer, e *ledger.Entry) error {
	data, err := e.SigningBytes()
	if err != nil {
		return fmt.Errorf("entry signing payload: %w", err)
	}
	sig, err := s.Sign(ctx, data)
	if err != nil {
		return err
	}
	e.Signature = &sig
	return nil
}

// VerifyEntry checks e's signature against publicKeyPEM.
func VerifyEntry(e *ledger.Entry, publicKeyPEM string) (bool, error) {
	if e.Signature == nil || *e.Signature == "" {
		return false, ErrMissingSignature
	}
	data, err := e.SigningBytes()
	if err != nil {
		return false, fmt.Errorf("entry signing payload: %w", err)
	}
	return Verify(publicKeyPEM, *e.Signature, data)
}

// VerifyEntryByAuthor treats the entry author as the signer's public key.
// It has the shape expected by epoch validation.
func VerifyEntryByAuthor(e *ledger.Entry) (bool, error) {
	return VerifyEntry(e, e.Author)
}
