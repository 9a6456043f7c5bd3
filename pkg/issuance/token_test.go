package issuance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	ti := NewTokenIssuer([]byte("k"), time.Hour)
	ti.now = func() time.Time { return issueNow }
	p := &IssuedPayload{PackID: "pack", PackRequestID: "req", PackRoot: "root", IssuedTo: "user-1"}

	tok, err := ti.Sign(p, "entry")
	require.NoError(t, err)
	claims, err := ti.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "pack", claims.ID)
	assert.Equal(t, "req", claims.PackRequestID)
	assert.Equal(t, "root", claims.PackRoot)
	assert.Equal(t, "entry", claims.EntryID)
	assert.True(t, issueNow.Add(time.Hour).Equal(claims.ExpiresAt.Time))
}

func TestTokenIssuer_Rejects(t *testing.T) {
	ti := NewTokenIssuer([]byte("k"), time.Minute)
	ti.now = func() time.Time { return issueNow }
	tok, err := ti.Sign(&IssuedPayload{PackID: "pack"}, "entry")
	require.NoError(t, err)

	other := NewTokenIssuer([]byte("other"), time.Minute)
	other.now = ti.now
	_, err = other.Parse(tok)
	assert.Error(t, err, "wrong secret")

	ti.now = func() time.Time { return issueNow.Add(time.Hour) }
	_, err = ti.Parse(tok)
	assert.Error(t, err, "expired")

	_, err = ti.Parse("not.a.token")
	assert.Error(t, err)
}

func TestTokenIssuer_NoTTL(t *testing.T) {
	ti := NewTokenIssuer([]byte("k"), 0)
	tok, err := ti.Sign(&IssuedPayload{PackID: "pack"}, "entry")
	require.NoError(t, err)
	claims, err := ti.Parse(tok)
	require.NoError(t, err)
	assert.Nil(t, claims.ExpiresAt)
}
