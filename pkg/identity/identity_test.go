package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/ledger"
)

const ts = "2026-02-03T10:00:00.000Z"

func TestReplay_LatestUpsertWins(t *testing.T) {
	l, err := ledger.New(nil, ts)
	require.NoError(t, err)

	e1, err := NewUpsertEntry(UpsertPayload{PrincipalID: "alice", DisplayName: "Alice", AgeRecipients: []string{"age1old"}}, ts)
	require.NoError(t, err)
	e2, err := NewUpsertEntry(UpsertPayload{PrincipalID: "alice", AgeRecipients: []string{"age1old", "age1new"}}, "2026-02-03T10:05:00.000Z")
	require.NoError(t, err)
	_, _, err = l.Commit(nil, ts, e1)
	require.NoError(t, err)
	_, _, err = l.Commit(nil, "2026-02-03T10:06:00.000Z", e2)
	require.NoError(t, err)

	s, err := Replay(l)
	require.NoError(t, err)

	rec := s.Principal("alice")
	require.NotNil(t, rec)
	assert.Equal(t, "", rec.DisplayName)
	assert.Equal(t, []string{"age1old", "age1new"}, s.AgeRecipients("alice"))
	cur, ok := s.CurrentAgeRecipient("alice")
	assert.True(t, ok)
	assert.Equal(t, "age1new", cur)
	assert.Equal(t, "2026-02-03T10:05:00.000Z", rec.UpdatedAt)

	assert.Empty(t, s.AgeRecipients("bob"))
	_, ok = s.CurrentAgeRecipient("bob")
	assert.False(t, ok)
}

func TestApply_AuthorMismatch(t *testing.T) {
	raw, _ := json.Marshal(UpsertPayload{PrincipalID: "alice"})
	e := &ledger.Entry{Kind: KindUpsert, Timestamp: ts, Author: "mallory", Payload: raw}
	err := NewState().Apply(e)
	assert.Equal(t, codes.CodeAuthorMismatch, codes.Of(err))
}

func TestApply_InvalidPayload(t *testing.T) {
	e := &ledger.Entry{Kind: KindUpsert, Timestamp: ts, Author: "alice", Payload: json.RawMessage(`{"principalId":"alice","role":"admin"}`)}
	err := NewState().Apply(e)
	assert.Equal(t, codes.CodeInvalidIdentityUpsert, codes.Of(err))

	e.Payload = json.RawMessage(`{"principalId":""}`)
	assert.Equal(t, codes.CodeInvalidIdentityUpsert, codes.Of(NewState().Apply(e)))
}

func TestApply_DefaultsRecipients(t *testing.T) {
	e := &ledger.Entry{Kind: KindUpsert, Timestamp: ts, Author: "alice", Payload: json.RawMessage(`{"principalId":"alice"}`)}
	s := NewState()
	require.NoError(t, s.Apply(e))
	assert.NotNil(t, s.Principal("alice").AgeRecipients)
	assert.Empty(t, s.Principal("alice").AgeRecipients)
}

func TestReplay_SkipsGenesisEntries(t *testing.T) {
	raw, _ := json.Marshal(UpsertPayload{PrincipalID: "alice"})
	bad := &ledger.Entry{Kind: KindUpsert, Timestamp: ts, Author: "mallory", Payload: raw}
	l, err := ledger.New(nil, ts, bad)
	require.NoError(t, err)

	s, err := Replay(l)
	require.NoError(t, err)
	assert.Nil(t, s.Principal("alice"))
}
