package issuance

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samternent/concord/pkg/auditlog"
	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/crypto"
	"github.com/samternent/concord/pkg/ledger"
	"github.com/samternent/concord/pkg/objectstore"
)

var issueNow = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

const testNonce = "client-nonce-1"

type serviceFixture struct {
	svc     *Service
	signer  *crypto.ECDSASigner
	pending *MemoryPendingStore
	claims  ClaimStore
	kit     *Kit
}

func newServiceFixture(t *testing.T, mutate func(*Config)) *serviceFixture {
	t.Helper()
	signer, err := crypto.NewECDSASigner()
	require.NoError(t, err)
	kit := testKit(t)
	pending := NewMemoryPendingStore()
	cfg := Config{
		Signer:     signer,
		Pending:    pending,
		Claims:     NewMemoryClaimStore(),
		Kits:       StaticKits{"s1": kit},
		MasterSeed: []byte("master-seed-for-tests"),
		Now:        func() time.Time { return issueNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	return &serviceFixture{svc: svc, signer: cfg.Signer.(*crypto.ECDSASigner), pending: pending, claims: cfg.Claims, kit: kit}
}

func nonceHash(t *testing.T, nonce string) string {
	t.Helper()
	h, err := NonceHash(nonce)
	require.NoError(t, err)
	return h
}

func (f *serviceFixture) request(t *testing.T) Request {
	return Request{SeriesID: "s1", ThemeID: "t1", Count: 5, IssuedTo: "user-1", ClientNonceHash: nonceHash(t, testNonce)}
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(Config{})
	assert.Error(t, err)
}

func TestService_CommitThenIssue(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	commit, err := f.svc.Commit(ctx, f.request(t))
	require.NoError(t, err)
	assert.NotEmpty(t, commit.PackRequestID)
	assert.Len(t, commit.ServerCommit, 64)
	assert.Equal(t, KindCommit, commit.Entry.Kind)
	ok, err := crypto.VerifyEntry(commit.Entry, f.signer.PublicKeyPEM())
	require.NoError(t, err)
	assert.True(t, ok)

	var cp CommitPayload
	require.NoError(t, commit.Entry.DecodePayload(&cp))
	assert.Equal(t, PackTypeStandard, cp.PackType)
	assert.Equal(t, f.signer.KeyID(), cp.IssuerKeyID)

	issued, err := f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	require.NoError(t, err)
	assert.Len(t, issued.Items, 5)
	assert.Len(t, issued.StickerIDs, 5)
	assert.Equal(t, commit.ServerCommit, issued.Payload.ServerCommit)
	assert.Equal(t, commit.EntryID, issued.Payload.CommitEntryID)
	assert.Equal(t, ledger.FormatTimestamp(issueNow), issued.Payload.IssuedAt)
	assert.Nil(t, issued.Receipt)

	id, err := ledger.DeriveEntryID(issued.Entry)
	require.NoError(t, err)
	assert.Equal(t, issued.EntryID, id)

	res := VerifyPack(VerifyInput{
		Entry:       issued.Entry,
		Kit:         f.kit,
		TrustedKeys: map[string]string{f.signer.KeyID(): f.signer.PublicKeyPEM()},
	})
	assert.True(t, res.OK, res.Reason)
	assert.Equal(t, issued.Payload.PackID, res.PackID)
	assert.NoError(t, res.Err())
}

func TestService_IssueFailures(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Issue(ctx, Reveal{PackRequestID: "missing", ClientNonce: testNonce})
	assert.True(t, codes.Is(err, codes.CodePackNotCommitted))

	commit, err := f.svc.Commit(ctx, f.request(t))
	require.NoError(t, err)

	_, err = f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: "wrong"})
	assert.True(t, codes.Is(err, codes.CodeClientNonceInvalid))

	_, err = f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce, IssuedTo: "someone-else"})
	assert.True(t, codes.Is(err, codes.CodeInvalidPackRequest))

	first, err := f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	require.NoError(t, err)

	_, err = f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	require.True(t, codes.Is(err, codes.CodePackAlreadyIssued))
	var ce *codes.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, first.EntryID, ce.Metadata["entryId"])
}

func TestService_CommitValidation(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	req := f.request(t)
	req.Count = 65
	_, err := f.svc.Commit(ctx, req)
	assert.True(t, codes.Is(err, codes.CodeInvalidPackRequest))

	req = f.request(t)
	req.ClientNonceHash = "not-a-hash"
	_, err = f.svc.Commit(ctx, req)
	assert.True(t, codes.Is(err, codes.CodeInvalidPackRequest))

	req = f.request(t)
	req.PackRequestID = "fixed-id"
	_, err = f.svc.Commit(ctx, req)
	require.NoError(t, err)
	_, err = f.svc.Commit(ctx, req)
	assert.True(t, codes.Is(err, codes.CodeInvalidPackRequest), "a request id commits once")
}

func TestService_UnknownSeries(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()
	req := f.request(t)
	req.SeriesID = "nope"
	commit, err := f.svc.Commit(ctx, req)
	require.NoError(t, err)
	_, err = f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	assert.True(t, codes.Is(err, codes.CodeInvalidPackRequest))
}

func TestService_Cancel(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	commit, err := f.svc.Commit(ctx, f.request(t))
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, commit.PackRequestID))

	_, err = f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	assert.True(t, codes.Is(err, codes.CodePackNotCommitted))
	assert.True(t, codes.Is(f.svc.Cancel(ctx, commit.PackRequestID), codes.CodePackNotCommitted))

	commit, err = f.svc.Commit(ctx, f.request(t))
	require.NoError(t, err)
	_, err = f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	require.NoError(t, err)
	assert.True(t, codes.Is(f.svc.Cancel(ctx, commit.PackRequestID), codes.CodePackAlreadyIssued))
}

func TestService_DeterministicServerSecret(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 64)
	a := newServiceFixture(t, func(c *Config) { c.Rand = bytes.NewReader(seed) })
	b := newServiceFixture(t, func(c *Config) { c.Rand = bytes.NewReader(seed) })
	ctx := context.Background()

	req := a.request(t)
	req.PackRequestID = "same"
	ca, err := a.svc.Commit(ctx, req)
	require.NoError(t, err)
	cb, err := b.svc.Commit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ca.ServerCommit, cb.ServerCommit)
}

type failingRecorder struct{ calls int }

func (r *failingRecorder) AppendIssuedEntry(context.Context, string, *ledger.Entry) (auditlog.Receipt, error) {
	r.calls++
	return auditlog.Receipt{}, errors.New("store unavailable")
}

type countingRecorder struct{ calls int }

func (r *countingRecorder) AppendIssuedEntry(_ context.Context, entryID string, _ *ledger.Entry) (auditlog.Receipt, error) {
	r.calls++
	return auditlog.Receipt{EntryID: entryID, Persisted: true}, nil
}

func TestService_RecorderFailureLeavesRequestRetryable(t *testing.T) {
	rec := &failingRecorder{}
	f := newServiceFixture(t, func(c *Config) { c.Recorder = rec })
	ctx := context.Background()

	commit, err := f.svc.Commit(ctx, f.request(t))
	require.NoError(t, err)
	_, err = f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	require.Error(t, err)
	assert.Equal(t, 1, rec.calls)

	p, err := f.pending.Get(ctx, commit.PackRequestID)
	require.NoError(t, err)
	assert.Empty(t, p.IssuedEntryID)
}

func TestService_RecordsIntoAuditLedger(t *testing.T) {
	signer, err := crypto.NewECDSASigner()
	require.NoError(t, err)
	audit, err := auditlog.New(auditlog.Options{
		Store:            objectstore.NewMemoryStore(),
		FlushSyncOnIssue: true,
		FlushInterval:    time.Hour,
		TrustedKeys:      map[string]string{signer.KeyID(): signer.PublicKeyPEM()},
		Now:              func() time.Time { return issueNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close(context.Background()) })

	f := newServiceFixture(t, func(c *Config) {
		c.Signer = signer
		c.Recorder = audit
	})
	ctx := context.Background()
	commit, err := f.svc.Commit(ctx, f.request(t))
	require.NoError(t, err)
	issued, err := f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	require.NoError(t, err)

	require.NotNil(t, issued.Receipt)
	assert.True(t, issued.Receipt.Persisted)
	require.NotNil(t, issued.Receipt.SegmentKey)

	proof, err := audit.FetchReceiptProof(ctx, issued.Payload.PackID, *issued.Receipt.SegmentKey)
	require.NoError(t, err)
	assert.True(t, proof.OK, proof.Reason)
	assert.Equal(t, signer.KeyID(), proof.IssuerKeyID)
}

func TestService_TokenIssued(t *testing.T) {
	tokens := NewTokenIssuer([]byte("token-secret"), time.Hour)
	tokens.now = func() time.Time { return issueNow }
	f := newServiceFixture(t, func(c *Config) { c.Tokens = tokens })
	ctx := context.Background()

	commit, err := f.svc.Commit(ctx, f.request(t))
	require.NoError(t, err)
	issued, err := f.svc.Issue(ctx, Reveal{PackRequestID: commit.PackRequestID, ClientNonce: testNonce})
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)

	claims, err := tokens.Parse(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, issued.Payload.PackID, claims.PackID)
	assert.Equal(t, issued.EntryID, claims.EntryID)
	assert.Equal(t, "user-1", claims.Subject)
}
