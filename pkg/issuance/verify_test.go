package issuance

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/ledger"
)

func issuePack(t *testing.T, f *serviceFixture) *Issued {
	t.Helper()
	ctx := context.Background()
	commit, err := f.svc.Commit(ctx, f.request(t))
	require.NoError(t, err)
	issued, err := f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	require.NoError(t, err)
	return issued
}

// tampered re-encodes the payload of a copy of e after mutate runs on it.
func tampered(t *testing.T, e *ledger.Entry, mutate func(*IssuedPayload)) *ledger.Entry {
	t.Helper()
	out := e.Clone()
	var p IssuedPayload
	require.NoError(t, out.DecodePayload(&p))
	mutate(&p)
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	out.Payload = raw
	return out
}

func TestVerifyPack_Tampering(t *testing.T) {
	f := newServiceFixture(t, nil)
	issued := issuePack(t, f)
	trusted := map[string]string{f.signer.KeyID(): f.signer.PublicKeyPEM()}

	tests := []struct {
		name    string
		mutate  func(*IssuedPayload)
		trusted map[string]string
		reason  string
		field   string
	}{
		{name: "untouched", mutate: func(*IssuedPayload) {}, trusted: trusted},
		{
			name:   "item hash",
			mutate: func(p *IssuedPayload) { p.ItemHashes[2] = p.ItemHashes[1] },
			reason: "item-hashes-mismatch",
			field:  FieldItemHashes,
		},
		{
			name:   "item count",
			mutate: func(p *IssuedPayload) { p.ItemHashes = p.ItemHashes[:4] },
			reason: "item-hashes-mismatch",
			field:  FieldItemHashes,
		},
		{
			name:   "server secret",
			mutate: func(p *IssuedPayload) { p.ServerSecret += "00" },
			reason: "server-commit-mismatch",
			field:  FieldServerCommit,
		},
		{
			name:   "client nonce",
			mutate: func(p *IssuedPayload) { p.ClientNonce = "other" },
			reason: "client-nonce-hash-mismatch",
			field:  FieldClientNonceHash,
		},
		{
			name:   "pack root",
			mutate: func(p *IssuedPayload) { p.PackRoot = p.ItemHashes[0] },
			reason: "pack-root-mismatch",
			field:  FieldPackRoot,
		},
		{
			name:   "pack seed",
			mutate: func(p *IssuedPayload) { p.PackSeed = p.PackRoot },
			reason: "pack-seed-mismatch",
			field:  FieldPackSeed,
		},
		{
			name:   "algo version",
			mutate: func(p *IssuedPayload) { p.AlgoVersion = "2.0.0" },
			reason: "algo-version-unsupported",
		},
		{
			name:   "pack id",
			mutate: func(p *IssuedPayload) { p.PackID = strings.Repeat("0", 64) },
			reason: "pack-id-mismatch",
			field:  FieldPackID,
		},
		{
			name:   "missing pack id",
			mutate: func(p *IssuedPayload) { p.PackID = "" },
			reason: "missing-pack-id",
		},
		{
			name:    "signature",
			mutate:  func(p *IssuedPayload) { p.IssuedTo = "someone-else" },
			trusted: trusted,
			reason:  "signature-invalid",
		},
		{
			name:    "untrusted issuer",
			mutate:  func(*IssuedPayload) {},
			trusted: map[string]string{},
			reason:  "issuer-key-not-trusted",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tampered(t, issued.Entry, tt.mutate)
			res := VerifyPack(VerifyInput{Entry: e, Kit: f.kit, TrustedKeys: tt.trusted})
			if tt.reason == "" {
				assert.True(t, res.OK, res.Reason)
				return
			}
			assert.False(t, res.OK)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, tt.field, res.Field)
			assert.True(t, codes.Is(res.Err(), codes.CodePackVerification))
		})
	}
}

func TestVerifyPack_ReportsTamperedIndex(t *testing.T) {
	f := newServiceFixture(t, nil)
	issued := issuePack(t, f)
	e := tampered(t, issued.Entry, func(p *IssuedPayload) { p.ItemHashes[3] = p.ItemHashes[0] })

	res := VerifyPack(VerifyInput{Entry: e, Kit: f.kit})
	require.False(t, res.OK)
	assert.Equal(t, 3, res.Details["index"])
	assert.Equal(t, issued.Payload.ItemHashes[3], res.Actual)
}

func TestVerifyPack_KitMismatch(t *testing.T) {
	f := newServiceFixture(t, nil)
	issued := issuePack(t, f)
	other, err := ParseKit([]byte(`{"id":"t1","version":"2.0.0","bodies":["round"]}`))
	require.NoError(t, err)

	res := VerifyPack(VerifyInput{Entry: issued.Entry, Kit: other})
	assert.Equal(t, "kit-hash-mismatch", res.Reason)

	res = VerifyPack(VerifyInput{Entry: issued.Entry})
	assert.Equal(t, "missing-kit", res.Reason)
}

func TestVerifyPack_RejectsOtherEntries(t *testing.T) {
	assert.Equal(t, "not-a-pack-entry", VerifyPack(VerifyInput{}).Reason)

	e, err := ledger.NewEntry(KindCommit, "author", "2026-02-03T10:00:00.000Z", map[string]string{"type": KindCommit})
	require.NoError(t, err)
	assert.Equal(t, "not-a-pack-entry", VerifyPack(VerifyInput{Entry: e}).Reason)
}
