package permissions

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/ledger"
)

const ts = "2026-02-03T10:00:00.000Z"

func entry(t *testing.T, kind, author string, payload any) *ledger.Entry {
	t.Helper()
	e, err := ledger.NewEntry(kind, author, ts, payload)
	require.NoError(t, err)
	return e
}

func apply(t *testing.T, s *State, entries ...*ledger.Entry) {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, s.Apply(e))
	}
}

func grant(scope string, c Cap, typ, id string) GrantPayload {
	return GrantPayload{Scope: scope, Cap: c, Target: Target{Type: typ, ID: id}}
}

func TestRootAdminHasAllCaps(t *testing.T) {
	s := NewState(ReplayConfig{RootAdmins: []string{"root"}})
	assert.Equal(t, []Cap{CapAdmin, CapGrant, CapRead, CapWrite}, s.SortedCaps("root", "doc", time.Time{}))
	assert.True(t, s.Can("root", ActionAdmin, "anything", time.Time{}))
	assert.False(t, s.Can("root", "perm:delete", "doc", time.Time{}))
}

func TestImpliedCaps(t *testing.T) {
	s := NewState(ReplayConfig{RootAdmins: []string{"root"}})
	apply(t, s,
		entry(t, KindPermGrant, "root", grant("doc", CapGrant, TargetPrincipal, "alice")),
		entry(t, KindPermGrant, "root", grant("doc", CapAdmin, TargetPrincipal, "bob")),
	)
	assert.Equal(t, []Cap{CapGrant, CapRead}, s.SortedCaps("alice", "doc", time.Time{}))
	assert.Equal(t, []Cap{CapAdmin, CapGrant, CapRead, CapWrite}, s.SortedCaps("bob", "doc", time.Time{}))
	assert.Empty(t, s.SortedCaps("alice", "other", time.Time{}))
}

func TestGrantRequiresGrantCap(t *testing.T) {
	s := NewState(ReplayConfig{RootAdmins: []string{"root"}})
	apply(t, s, entry(t, KindPermGrant, "root", grant("doc", CapRead, TargetPrincipal, "alice")))

	err := s.Apply(entry(t, KindPermGrant, "alice", grant("doc", CapRead, TargetPrincipal, "bob")))
	assert.Equal(t, codes.CodeUnauthorizedGrant, codes.Of(err))
	assert.Equal(t, codes.ClassAuthorization, codes.ClassOf(err))
}

func TestRevokeRequiresAdmin(t *testing.T) {
	s := NewState(ReplayConfig{RootAdmins: []string{"root"}})
	apply(t, s,
		entry(t, KindPermGrant, "root", grant("doc", CapGrant, TargetPrincipal, "alice")),
		entry(t, KindPermGrant, "root", grant("doc", CapRead, TargetPrincipal, "bob")),
	)
	err := s.Apply(entry(t, KindPermRevoke, "alice", RevokePayload{Scope: "doc", Cap: CapRead, Target: Target{Type: TargetPrincipal, ID: "bob"}}))
	assert.Equal(t, codes.CodeUnauthorizedRevoke, codes.Of(err))
}

func TestRevokeThenRegrantFollowsOrder(t *testing.T) {
	s := NewState(ReplayConfig{RootAdmins: []string{"root"}})
	revoke := RevokePayload{Scope: "doc", Cap: CapRead, Target: Target{Type: TargetPrincipal, ID: "alice"}, Reason: "left"}

	apply(t, s,
		entry(t, KindPermGrant, "root", grant("doc", CapRead, TargetPrincipal, "alice")),
		entry(t, KindPermRevoke, "root", revoke),
	)
	assert.False(t, s.HasCap("alice", "doc", CapRead, time.Time{}))
	assert.Equal(t, "left", s.Revokes[0].Reason)

	apply(t, s, entry(t, KindPermGrant, "root", grant("doc", CapRead, TargetPrincipal, "alice")))
	assert.True(t, s.HasCap("alice", "doc", CapRead, time.Time{}))
}

func TestRevokeDoesNotRemoveImpliedFromHigherCap(t *testing.T) {
	s := NewState(ReplayConfig{RootAdmins: []string{"root"}})
	apply(t, s,
		entry(t, KindPermGrant, "root", grant("doc", CapGrant, TargetPrincipal, "alice")),
		entry(t, KindPermRevoke, "root", RevokePayload{Scope: "doc", Cap: CapRead, Target: Target{Type: TargetPrincipal, ID: "alice"}}),
	)
	assert.True(t, s.HasCap("alice", "doc", CapRead, time.Time{}))
}

func TestGroupGrants(t *testing.T) {
	s := NewState(ReplayConfig{})
	apply(t, s,
		entry(t, KindGroupUpsert, "owner", map[string]any{"groupId": "eng", "displayName": "Engineering"}),
		entry(t, KindGroupMemberAdd, "owner", groupMemberPayload{GroupID: "eng", PrincipalID: "alice"}),
		entry(t, KindGroupMemberAdd, "owner", groupMemberPayload{GroupID: "eng", PrincipalID: "alice"}),
	)
	assert.Equal(t, []string{"alice"}, s.Groups["eng"].Members)
	assert.Equal(t, "owner", s.Groups["eng"].Owner)

	// owner holds no caps, so grants go through a root admin state.
	s.RootAdmins = []string{"root"}
	apply(t, s, entry(t, KindPermGrant, "root", grant("doc", CapWrite, TargetGroup, "eng")))
	assert.True(t, s.Can("alice", ActionWrite, "doc", time.Time{}))
	assert.False(t, s.Can("bob", ActionWrite, "doc", time.Time{}))

	apply(t, s, entry(t, KindGroupMemberRemove, "owner", groupMemberPayload{GroupID: "eng", PrincipalID: "alice"}))
	assert.False(t, s.Can("alice", ActionWrite, "doc", time.Time{}))
}

func TestGroupUpsertAuthorization(t *testing.T) {
	s := NewState(ReplayConfig{RootAdmins: []string{"root"}})
	apply(t, s, entry(t, KindGroupUpsert, "owner", map[string]any{"groupId": "eng", "displayName": "Eng"}))

	err := s.Apply(entry(t, KindGroupUpsert, "mallory", map[string]any{"groupId": "eng", "displayName": "Pwned"}))
	assert.Equal(t, codes.CodeUnauthorizedGroupUpsert, codes.Of(err))

	apply(t, s, entry(t, KindGroupUpsert, "root", map[string]any{"groupId": "eng"}))
	assert.Equal(t, "Eng", s.Groups["eng"].DisplayName)
	assert.Equal(t, "owner", s.Groups["eng"].Owner)

	apply(t, s, entry(t, KindGroupUpsert, "owner", map[string]any{"groupId": "eng", "displayName": "Platform"}))
	assert.Equal(t, "Platform", s.Groups["eng"].DisplayName)
}

func TestGroupMemberErrors(t *testing.T) {
	s := NewState(ReplayConfig{})
	err := s.Apply(entry(t, KindGroupMemberAdd, "owner", groupMemberPayload{GroupID: "nope", PrincipalID: "alice"}))
	assert.Equal(t, codes.CodeGroupNotFound, codes.Of(err))

	apply(t, s, entry(t, KindGroupUpsert, "owner", map[string]any{"groupId": "eng"}))
	err = s.Apply(entry(t, KindGroupMemberAdd, "mallory", groupMemberPayload{GroupID: "eng", PrincipalID: "mallory"}))
	assert.Equal(t, codes.CodeUnauthorizedGroupMember, codes.Of(err))

	bad := &ledger.Entry{Kind: KindGroupMemberAdd, Author: "owner", Timestamp: ts, Payload: json.RawMessage(`{"groupId":"eng"}`)}
	assert.Equal(t, codes.CodeInvalidGroupMember, codes.Of(s.Apply(bad)))
}

func TestInvalidPayloads(t *testing.T) {
	s := NewState(ReplayConfig{RootAdmins: []string{"root"}})
	bad := &ledger.Entry{Kind: KindPermGrant, Author: "root", Timestamp: ts, Payload: json.RawMessage(`{"scope":"doc","cap":"owner","target":{"type":"principal","id":"a"}}`)}
	assert.Equal(t, codes.CodeInvalidPermGrant, codes.Of(s.Apply(bad)))

	bad = &ledger.Entry{Kind: KindPermRevoke, Author: "root", Timestamp: ts, Payload: json.RawMessage(`{"scope":"doc","cap":"read"}`)}
	assert.Equal(t, codes.CodeInvalidPermRevoke, codes.Of(s.Apply(bad)))

	bad = &ledger.Entry{Kind: KindGroupUpsert, Author: "root", Timestamp: ts, Payload: json.RawMessage(`{"groupId":"g","owner":"x"}`)}
	assert.Equal(t, codes.CodeInvalidGroupUpsert, codes.Of(s.Apply(bad)))
}

func TestGrantExpiry(t *testing.T) {
	s := NewState(ReplayConfig{RootAdmins: []string{"root"}})
	p := grant("doc", CapRead, TargetPrincipal, "alice")
	p.Constraints = &Constraints{Expires: "2026-03-01T00:00:00.000Z"}
	apply(t, s, entry(t, KindPermGrant, "root", p))

	before := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, s.HasCap("alice", "doc", CapRead, before))
	assert.False(t, s.HasCap("alice", "doc", CapRead, at))
	assert.True(t, s.HasCap("alice", "doc", CapRead, time.Time{}))
}

func TestReplay(t *testing.T) {
	l, err := ledger.New(nil, ts)
	require.NoError(t, err)
	_, _, err = l.Commit(nil, ts,
		entry(t, KindPermGrant, "root", grant("doc", CapAdmin, TargetPrincipal, "alice")),
		entry(t, KindPermGrant, "alice", grant("doc", CapRead, TargetPrincipal, "bob")),
		entry(t, "note", "bob", map[string]any{"text": "ignored"}),
	)
	require.NoError(t, err)

	s, err := Replay(l, ReplayConfig{RootAdmins: []string{"root"}})
	require.NoError(t, err)
	assert.True(t, s.Can("bob", ActionRead, "doc", time.Time{}))
	assert.Len(t, s.Grants, 2)
	assert.Equal(t, "alice", s.Grants[1].GrantedBy)
	assert.Equal(t, []string{"alice", "bob", "root"}, s.Principals())

	_, err = Replay(l, ReplayConfig{})
	assert.Equal(t, codes.CodeUnauthorizedGrant, codes.Of(err))
}
