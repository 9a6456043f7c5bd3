package crypto

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samternent/concord/pkg/ledger"
)

func TestECDSASigner_SignVerify(t *testing.T) {
	s, err := NewECDSASigner()
	require.NoError(t, err)

	sig, err := s.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	ok, err := Verify(s.PublicKeyPEM(), sig, []byte("payload"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(s.PublicKeyPEM(), sig, []byte("tampered"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Verify(s.PublicKeyPEM(), base64.StdEncoding.EncodeToString([]byte("short")), []byte("payload"))
	assert.Error(t, err)
}

func TestECDSASigner_PEMRoundTrip(t *testing.T) {
	s, err := NewECDSASigner()
	require.NoError(t, err)
	privPEM, err := s.PrivateKeyPEM()
	require.NoError(t, err)

	escaped := strings.ReplaceAll(privPEM, "\n", `\n`)
	s2, err := NewECDSASignerFromPEM(escaped)
	require.NoError(t, err)
	assert.Equal(t, s.KeyID(), s2.KeyID())
	assert.Equal(t, Fingerprint(s.PublicKeyPEM()), s.KeyID())
}

func TestEnsurePublicPEM(t *testing.T) {
	s, err := NewECDSASigner()
	require.NoError(t, err)
	full := s.PublicKeyPEM()

	lines := strings.Split(strings.TrimSpace(full), "\n")
	body := strings.Join(lines[1:len(lines)-1], "\n")

	assert.Equal(t, strings.TrimSpace(full)+"\n", EnsurePublicPEM(body))
	assert.Equal(t, strings.TrimSpace(full)+"\n", EnsurePublicPEM(strings.ReplaceAll(full, "\n", `\n`)))
	assert.Equal(t, "", EnsurePublicPEM("   "))

	_, err = ParsePublicKeyPEM(body)
	assert.NoError(t, err)
}

func TestFingerprint_IgnoresEscapingAndWhitespace(t *testing.T) {
	pemText := "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n"
	assert.Equal(t, Fingerprint(pemText), Fingerprint("  "+strings.ReplaceAll(pemText, "\n", `\n`)))
}

func TestSignEntry_VerifyByAuthor(t *testing.T) {
	s, err := NewECDSASigner()
	require.NoError(t, err)

	e, err := ledger.NewEntry("epochs", s.PublicKeyPEM(), "2026-02-03T10:00:00.000Z", map[string]any{"type": "epoch"})
	require.NoError(t, err)

	_, err = VerifyEntryByAuthor(e)
	assert.ErrorIs(t, err, ErrMissingSignature)

	require.NoError(t, SignEntry(context.Background(), s, e))
	ok, err := VerifyEntryByAuthor(e)
	require.NoError(t, err)
	assert.True(t, ok)

	// The signature does not cover itself, so the entry id is unchanged.
	unsigned := *e
	unsigned.Signature = nil
	id1, _ := ledger.DeriveEntryID(e)
	id2, _ := ledger.DeriveEntryID(&unsigned)
	assert.Equal(t, id1, id2)

	e.Timestamp = "2026-02-03T10:00:01.000Z"
	ok, err = VerifyEntryByAuthor(e)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyStore_GeneratesOnce(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir())
	require.NoError(t, err)

	s1, err := ks.Signer("issuer")
	require.NoError(t, err)
	s2, err := ks.Signer("issuer")
	require.NoError(t, err)
	assert.Equal(t, s1.KeyID(), s2.KeyID())

	a1, err := ks.AgeIdentity("alice")
	require.NoError(t, err)
	a2, err := ks.AgeIdentity("alice")
	require.NoError(t, err)
	assert.Equal(t, a1.Recipient().String(), a2.Recipient().String())

	_, err = ks.Signer("../escape")
	assert.Error(t, err)
}
