package issuance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samternent/concord/pkg/codes"
)

func TestISOWeek(t *testing.T) {
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "2026-W01"},
		{time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC), "2026-W06"},
		{time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), "2026-W53"},
		{time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC), "2025-W01"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ISOWeek(tt.at), tt.at.String())
	}
}

func TestDeriveWeeklySecret(t *testing.T) {
	a, err := DeriveWeeklySecret([]byte("seed"), "req")
	require.NoError(t, err)
	assert.Len(t, a, 64)

	again, err := DeriveWeeklySecret([]byte("seed"), "req")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	other, err := DeriveWeeklySecret([]byte("seed"), "req-2")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	_, err = DeriveWeeklySecret(nil, "req")
	assert.Error(t, err)
}

func weeklyRequest(t *testing.T, user string) Request {
	return Request{
		PackType:        PackTypeWeekly,
		UserKey:         user,
		SeriesID:        "s1",
		ThemeID:         "t1",
		Count:           5,
		IssuedTo:        user,
		ClientNonceHash: nonceHash(t, testNonce),
	}
}

func TestService_WeeklyCommitIsReproducible(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	a, err := f.svc.Commit(ctx, weeklyRequest(t, "user-1"))
	require.NoError(t, err)
	b, err := f.svc.Commit(ctx, weeklyRequest(t, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, a.PackRequestID, b.PackRequestID)
	assert.Equal(t, a.ServerCommit, b.ServerCommit)

	wantID, err := WeeklyRequestID("user-1", "2026-W06", "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, wantID, a.PackRequestID)

	var cp CommitPayload
	require.NoError(t, a.Entry.DecodePayload(&cp))
	assert.Equal(t, "2026-W06", cp.Week)

	c, err := f.svc.Commit(ctx, weeklyRequest(t, "user-2"))
	require.NoError(t, err)
	assert.NotEqual(t, a.PackRequestID, c.PackRequestID)
	assert.NotEqual(t, a.ServerCommit, c.ServerCommit)
}

func weeklyIssue(t *testing.T, f *serviceFixture, user, nonce string) *Issued {
	t.Helper()
	ctx := context.Background()
	req := weeklyRequest(t, user)
	req.ClientNonceHash = nonceHash(t, nonce)
	commit, err := f.svc.Commit(ctx, req)
	require.NoError(t, err)
	issued, err := f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: nonce, IssuedTo: user})
	require.NoError(t, err)
	return issued
}

func assertSamePack(t *testing.T, want, got *Issued) {
	t.Helper()
	assert.Equal(t, want.Payload.PackID, got.Payload.PackID)
	assert.Equal(t, want.Payload.ItemHashes, got.Payload.ItemHashes)
	assert.Equal(t, want.Payload.PackRoot, got.Payload.PackRoot)
	assert.Equal(t, want.Payload.ContentsCommitment, got.Payload.ContentsCommitment)
	assert.Equal(t, want.EntryID, got.EntryID)
	assert.Equal(t, want.StickerIDs, got.StickerIDs)
}

func TestService_WeeklySameCycleReproducesPack(t *testing.T) {
	rec := &countingRecorder{}
	f := newServiceFixture(t, func(c *Config) { c.Recorder = rec })
	ctx := context.Background()

	first := weeklyIssue(t, f, "user-1", testNonce)
	assert.Equal(t, "2026-W06", first.Payload.Week)
	assert.Equal(t, "week-2026-W06", first.Payload.DropID)
	assert.Equal(t, PackTypeWeekly, first.Payload.PackType)
	require.NotNil(t, first.Receipt)
	assert.False(t, first.Receipt.Skipped)
	assert.False(t, first.Reused)

	again, err := f.svc.Commit(ctx, weeklyRequest(t, "user-1"))
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.Payload.PackRequestID, again.PackRequestID)
	assert.Equal(t, first.Payload.ServerCommit, again.ServerCommit)
	assert.Equal(t, first.Payload.CommitEntryID, again.EntryID)

	second, err := f.svc.Issue(ctx, Reveal{PackRequestID: again.PackRequestID, ClientNonce: testNonce})
	require.NoError(t, err)
	assertSamePack(t, first, second)
	assert.True(t, second.Reused)
	require.NotNil(t, second.Receipt)
	assert.True(t, second.Receipt.Skipped)
	assert.Equal(t, ReasonClaimReused, second.Receipt.Reason)
	assert.Equal(t, 1, rec.calls, "a reused pack is not recorded twice")

	_, err = f.svc.Issue(ctx, Reveal{PackRequestID: again.PackRequestID, ClientNonce: testNonce, IssuedTo: "user-2"})
	assert.True(t, codes.Is(err, codes.CodeInvalidPackRequest))

	next := weeklyRequest(t, "user-1")
	next.DropCycleID = "2026-W07"
	commit, err := f.svc.Commit(ctx, next)
	require.NoError(t, err)
	assert.False(t, commit.Reused)
	later, err := f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	require.NoError(t, err)
	assert.NotEqual(t, first.Payload.PackID, later.Payload.PackID)
	assert.Equal(t, "week-2026-W07", later.Payload.DropID)
}

func TestService_WeeklyClaimOutlivesPendingState(t *testing.T) {
	dir := t.TempDir()
	a := newServiceFixture(t, func(c *Config) { c.Claims = NewFileClaimStore(dir) })
	first := weeklyIssue(t, a, "user-1", testNonce)

	// A second issuer process: empty pending store, same claim directory,
	// and a requester that lost its nonce.
	b := newServiceFixture(t, func(c *Config) { c.Claims = NewFileClaimStore(dir) })
	second := weeklyIssue(t, b, "user-1", "a-different-nonce")

	assertSamePack(t, first, second)
	assert.Equal(t, first.Payload.ClientNonce, second.Payload.ClientNonce)
	assert.True(t, second.Receipt.Skipped)

	res := VerifyPack(VerifyInput{Entry: second.Entry, Kit: b.kit})
	assert.True(t, res.OK, res.Reason)

	_, err := b.pending.Get(context.Background(), first.Payload.PackRequestID)
	assert.ErrorIs(t, err, ErrNotFound, "a claimed cycle does not open a new commitment")
}

func TestService_WeeklyDiffersAcrossUsers(t *testing.T) {
	f := newServiceFixture(t, nil)

	a := weeklyIssue(t, f, "user-a", "weekly-2026-W06-user-a")
	b := weeklyIssue(t, f, "user-b", "weekly-2026-W06-user-b")
	assert.NotEqual(t, a.Payload.PackRequestID, b.Payload.PackRequestID)
	assert.NotEqual(t, a.Payload.PackID, b.Payload.PackID)
	assert.NotEqual(t, a.Payload.PackRoot, b.Payload.PackRoot)
	assert.Equal(t, a.Payload.DropID, b.Payload.DropID)
	assert.False(t, a.Reused)
	assert.False(t, b.Reused)
}

func TestService_WeeklyRecorderFailureReleasesClaim(t *testing.T) {
	rec := &failingRecorder{}
	f := newServiceFixture(t, func(c *Config) { c.Recorder = rec })
	ctx := context.Background()

	commit, err := f.svc.Commit(ctx, weeklyRequest(t, "user-1"))
	require.NoError(t, err)
	_, err = f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	require.Error(t, err)

	_, err = f.claims.Claim(ctx, commit.PackRequestID)
	assert.ErrorIs(t, err, ErrNoClaim)

	again, err := f.svc.Commit(ctx, weeklyRequest(t, "user-1"))
	require.NoError(t, err)
	assert.False(t, again.Reused)
}

func TestService_WeeklyValidation(t *testing.T) {
	f := newServiceFixture(t, func(c *Config) { c.MasterSeed = nil })
	_, err := f.svc.Commit(context.Background(), weeklyRequest(t, "user-1"))
	assert.True(t, codes.Is(err, codes.CodeInvalidPackRequest))

	f = newServiceFixture(t, nil)
	req := weeklyRequest(t, "user-1")
	req.PackRequestID = "chosen-by-client"
	_, err = f.svc.Commit(context.Background(), req)
	assert.True(t, codes.Is(err, codes.CodeInvalidPackRequest))

	req = weeklyRequest(t, "user-1")
	req.DropCycleID = "week six"
	_, err = f.svc.Commit(context.Background(), req)
	assert.True(t, codes.Is(err, codes.CodeInvalidPackRequest))
}
