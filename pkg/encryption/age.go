package encryption

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/schema"
)

// PayloadEncoding tags encrypted entry payloads.
const PayloadEncoding = "age"

// Payload is the entry payload of an encrypted record.
type Payload struct {
	Enc   string `json:"enc"`
	Scope string `json:"scope"`
	Epoch int    `json:"epoch"`
	Ct    string `json:"ct"`
}

// NewEpochKey generates a fresh epoch key.
func NewEpochKey() (*age.X25519Identity, error) {
	return age.GenerateX25519Identity()
}

func parseRecipients(to []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(to))
	for _, s := range to {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", s, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func seal(plaintext []byte, recipients ...age.Recipient) (string, error) {
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, recipients...)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func open(ct string, identities ...age.Identity) ([]byte, error) {
	r, err := age.Decrypt(armor.NewReader(strings.NewReader(ct)), identities...)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// WrapEpochKey encrypts key to every recipient in to.
func WrapEpochKey(key *age.X25519Identity, to []string) (WrapBody, error) {
	if len(to) == 0 {
		return WrapBody{}, codes.New(codes.CodeMissingRecipients, "wrap requires at least one recipient")
	}
	recipients, err := parseRecipients(to)
	if err != nil {
		return WrapBody{}, codes.Wrap(codes.CodeInvalidEncPayload, "invalid wrap recipient", err)
	}
	ct, err := seal([]byte(key.String()), recipients...)
	if err != nil {
		return WrapBody{}, codes.Wrap(codes.CodeInvalidEncPayload, "wrap epoch key", err)
	}
	return WrapBody{To: append([]string{}, to...), Ct: ct}, nil
}

// UnwrapEpochKey recovers the epoch key from w with one of identities.
func UnwrapEpochKey(w WrapBody, identities ...age.Identity) (*age.X25519Identity, error) {
	plain, err := open(w.Ct, identities...)
	if err != nil {
		return nil, codes.Wrap(codes.CodeDecryptFailed, "unwrap epoch key", err)
	}
	key, err := age.ParseX25519Identity(strings.TrimSpace(string(plain)))
	if err != nil {
		return nil, codes.Wrap(codes.CodeDecryptFailed, "wrapped epoch key is malformed", err)
	}
	return key, nil
}

// EncryptPayload seals plaintext to the epoch key of (scope, epoch).
func EncryptPayload(scope string, epoch int, key *age.X25519Identity, plaintext []byte) (*Payload, error) {
	ct, err := seal(plaintext, key.Recipient())
	if err != nil {
		return nil, codes.Wrap(codes.CodeInvalidEncPayload, "encrypt payload", err)
	}
	return &Payload{Enc: PayloadEncoding, Scope: scope, Epoch: epoch, Ct: ct}, nil
}

// DecodePayload validates raw as an encrypted payload.
func DecodePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := schema.Decode(schema.EncryptedPayload, raw, &p); err != nil {
		return nil, codes.Wrap(codes.CodeInvalidEncPayload, err.Error(), err)
	}
	return &p, nil
}

// DecryptPayload opens p with the epoch key.
func DecryptPayload(p *Payload, key *age.X25519Identity) ([]byte, error) {
	plain, err := open(p.Ct, key)
	if err != nil {
		return nil, codes.Wrap(codes.CodeDecryptFailed, "decrypt payload", err)
	}
	return plain, nil
}

// Open decrypts an encrypted entry payload for principal. The epoch key is
// recovered from the principal's wraps at the payload's (scope, epoch) using
// identities.
func (s *State) Open(raw json.RawMessage, principal string, identities ...age.Identity) ([]byte, error) {
	p, err := DecodePayload(raw)
	if err != nil {
		return nil, err
	}
	wraps := s.WrapsFor(principal, p.Scope, p.Epoch)
	if len(wraps) == 0 {
		return nil, codes.Newf(codes.CodeMissingWrap, "no wrap for %s at %s epoch %d", principal, p.Scope, p.Epoch)
	}
	var errs []error
	for i := len(wraps) - 1; i >= 0; i-- {
		key, err := UnwrapEpochKey(wraps[i].Wrap, identities...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return DecryptPayload(p, key)
	}
	return nil, codes.Wrap(codes.CodeDecryptFailed, "no wrap could be opened", errors.Join(errs...))
}
