package auditlog

import (
	"encoding/json"
	"strings"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/crypto"
	"github.com/samternent/concord/pkg/schema"
)

const trustedKeysShape = `JSON array of objects: [{"keyId":"<sha256 pubkey>","publicKeyPem":"-----BEGIN PUBLIC KEY-----..."}]`

type trustedKey struct {
	KeyID        string `json:"keyId"`
	PublicKeyPEM string `json:"publicKeyPem"`
}

// ParseTrustedIssuerKeys strictly parses the trusted issuer key list. Every
// keyId must be the fingerprint of its PEM. An empty string yields an empty
// map.
func ParseTrustedIssuerKeys(raw string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := schema.Validate(schema.TrustedIssuerKeys, []byte(raw)); err != nil {
		return nil, codes.Wrap(codes.CodeTrustedKeysConfig, "invalid trusted issuer keys: expected "+trustedKeysShape, err)
	}
	var keys []trustedKey
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, codes.Wrap(codes.CodeTrustedKeysConfig, "invalid trusted issuer keys", err)
	}
	for i, k := range keys {
		pem := crypto.EnsurePublicPEM(k.PublicKeyPEM)
		if !strings.Contains(pem, "BEGIN PUBLIC KEY") {
			return nil, codes.Newf(codes.CodeTrustedKeysConfig, "trusted issuer key at index %d: publicKeyPem must be a PEM-encoded public key", i)
		}
		if crypto.Fingerprint(pem) != k.KeyID {
			return nil, codes.Newf(codes.CodeTrustedKeysConfig, "trusted issuer key at index %d: keyId does not match sha256(publicKeyPem)", i)
		}
		out[k.KeyID] = pem
	}
	return out, nil
}

// MergeTrustedIssuerKeys parses the configured list and adds the issuer's
// own current key, which wins over a configured entry with the same id.
func MergeTrustedIssuerKeys(currentKeyID, currentPublicKeyPEM, configured string) (map[string]string, error) {
	out, err := ParseTrustedIssuerKeys(configured)
	if err != nil {
		return nil, err
	}
	if currentKeyID != "" && currentPublicKeyPEM != "" {
		out[currentKeyID] = crypto.EnsurePublicPEM(currentPublicKeyPEM)
	}
	return out, nil
}
