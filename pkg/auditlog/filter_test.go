package auditlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvents_FilterAndSignatures(t *testing.T) {
	f := newFixture(t, nil)
	f.appendFlush(t, "p1", "p2")
	f.appendFlush(t, "p3")
	ctx := context.Background()

	recs, err := f.ledger.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 0, recs[0].Position)

	limited, err := f.ledger.Events(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	flt, err := CompileFilter(`kind == "pack.issued" && payload.packId == "p2"`)
	require.NoError(t, err)
	matched, err := flt.Apply(recs)
	require.NoError(t, err)
	require.Len(t, matched, 1)

	all, err := CompileFilter("")
	require.NoError(t, err)
	everything, err := all.Apply(recs)
	require.NoError(t, err)
	assert.Len(t, everything, 3)

	checks, err := CheckSignatures(ctx, recs, f.ledger.TrustedKeys(), 2)
	require.NoError(t, err)
	require.Len(t, checks, 3)
	for i, c := range checks {
		assert.Equal(t, recs[i].EntryID, c.EntryID)
		assert.Equal(t, SignatureVerified, c.Status)
	}

	checks, err = CheckSignatures(ctx, recs, map[string]string{}, 2)
	require.NoError(t, err)
	assert.Equal(t, SignatureUntrusted, checks[0].Status)
}

func TestCompileFilter_Rejects(t *testing.T) {
	_, err := CompileFilter(`kind ==`)
	assert.Error(t, err)
	_, err = CompileFilter(`"not a bool"`)
	assert.Error(t, err)
}
