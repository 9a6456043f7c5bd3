// Package epoch implements the genesis-anchored key rotation chain.
//
// Epochs are ledger entries of kind "epochs" whose payload has type "epoch".
// Each epoch names an age encryption recipient and links to its predecessor
// through prevEpochId. The first epoch must live in the genesis commit with
// a null prevEpochId. Epoch IDs are derived from their content, so a
// verifier can recompute every link without trusting the writer.
package epoch

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/samternent/concord/pkg/canonicalize"
	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/crypto"
	"github.com/samternent/concord/pkg/ledger"
	"github.com/samternent/concord/pkg/schema"
)

const (
	// Kind is the entry kind carrying epoch records.
	Kind = "epochs"
	// RecordType is the payload.type of an epoch record.
	RecordType = "epoch"
	// Tag domain-separates epoch ID derivation.
	Tag = "concord-epoch@1.0"
)

// Record is the payload of an epoch entry.
type Record struct {
	Type                string  `json:"type"`
	EpochID             string  `json:"epochId"`
	PrevEpochID         *string `json:"prevEpochId"`
	CreatedAt           string  `json:"createdAt"`
	EncryptionPublicKey string  `json:"encryptionPublicKey"`
	SignerKeyID         string  `json:"signerKeyId"`
	EncryptionKeyID     string  `json:"encryptionKeyId"`
}

// Prev returns the previous epoch ID or "" for a genesis epoch.
func (r Record) Prev() string {
	if r.PrevEpochID == nil {
		return ""
	}
	return *r.PrevEpochID
}

var whitespace = regexp.MustCompile(`\s`)

// CanonicalizeIdentityKey strips all whitespace from a public identity key.
func CanonicalizeIdentityKey(v string) string {
	return whitespace.ReplaceAllString(v, "")
}

// CanonicalizeAgeRecipient normalizes line endings and trims v.
func CanonicalizeAgeRecipient(v string) string {
	v = strings.ReplaceAll(v, "\r\n", "\n")
	v = strings.ReplaceAll(v, "\r", "\n")
	return strings.TrimSpace(v)
}

// DeriveSignerKeyID hashes the canonicalized public identity key.
func DeriveSignerKeyID(publicIdentityKey string) string {
	return canonicalize.HashBytes([]byte(CanonicalizeIdentityKey(publicIdentityKey)))
}

// DeriveEpochID hashes the canonical epoch identity tuple. An empty prev
// is encoded as null.
func DeriveEpochID(signerKeyID, encryptionPublicKey, prev, createdAt string) (string, error) {
	var prevID any
	if prev != "" {
		prevID = prev
	}
	return canonicalize.CanonicalHash(map[string]any{
		"tag":                 Tag,
		"createdAt":           createdAt,
		"encryptionPublicKey": CanonicalizeAgeRecipient(encryptionPublicKey),
		"prevEpochId":         prevID,
		"signerKeyId":         signerKeyID,
	})
}

// NewRecord derives a complete epoch record for an entry authored by
// authorKey and timestamped createdAt.
func NewRecord(authorKey, encryptionPublicKey, prev, createdAt string) (Record, error) {
	signerKeyID := DeriveSignerKeyID(authorKey)
	recipient := CanonicalizeAgeRecipient(encryptionPublicKey)
	id, err := DeriveEpochID(signerKeyID, recipient, prev, createdAt)
	if err != nil {
		return Record{}, err
	}
	r := Record{
		Type:                RecordType,
		EpochID:             id,
		CreatedAt:           createdAt,
		EncryptionPublicKey: recipient,
		SignerKeyID:         signerKeyID,
		EncryptionKeyID:     id,
	}
	if prev != "" {
		r.PrevEpochID = &prev
	}
	return r, nil
}

// NewEntry builds and signs an epoch entry. The signer's public key PEM is
// the entry author; createdAt doubles as the entry timestamp.
func NewEntry(ctx context.Context, s crypto.Signer, encryptionPublicKey, prev, createdAt string) (*ledger.Entry, Record, error) {
	if createdAt == "" {
		createdAt = ledger.Now()
	}
	author := s.PublicKeyPEM()
	rec, err := NewRecord(author, encryptionPublicKey, prev, createdAt)
	if err != nil {
		return nil, Record{}, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, Record{}, err
	}
	if err := schema.Validate(schema.Epoch, raw); err != nil {
		return nil, Record{}, codes.Wrap(codes.CodeEpochInvalidPayload, "epoch record", err)
	}
	e, err := ledger.NewEntry(Kind, author, createdAt, rec)
	if err != nil {
		return nil, Record{}, err
	}
	if err := crypto.SignEntry(ctx, s, e); err != nil {
		return nil, Record{}, err
	}
	return e, rec, nil
}

// NewLedger creates a ledger whose genesis commit holds the first epoch.
func NewLedger(ctx context.Context, s crypto.Signer, encryptionPublicKey string, metadata map[string]any, timestamp string) (*ledger.Ledger, Record, error) {
	if timestamp == "" {
		timestamp = ledger.Now()
	}
	e, rec, err := NewEntry(ctx, s, encryptionPublicKey, "", timestamp)
	if err != nil {
		return nil, Record{}, err
	}
	l, err := ledger.New(metadata, timestamp, e)
	if err != nil {
		return nil, Record{}, err
	}
	return l, rec, nil
}

// IsEpochEntry reports whether e carries an epoch record.
func IsEpochEntry(e *ledger.Entry) bool {
	return e != nil && e.Kind == Kind && e.PayloadType() == RecordType
}

// prevState distinguishes an absent prevEpochId from an explicit null.
type prevState int

const (
	prevAbsent prevState = iota
	prevNull
	prevSet
)

type parsed struct {
	Record
	prev prevState
}

// parse decodes an epoch payload leniently: missing fields stay empty so
// that validation can report them.
func parse(e *ledger.Entry) (parsed, error) {
	var decoded struct {
		Record
		PrevRaw json.RawMessage `json:"prevEpochId"`
	}
	if err := e.DecodePayload(&decoded); err != nil {
		return parsed{}, err
	}
	p := parsed{Record: decoded.Record}
	p.PrevEpochID = nil
	switch raw := strings.TrimSpace(string(decoded.PrevRaw)); {
	case raw == "":
		p.prev = prevAbsent
	case raw == "null":
		p.prev = prevNull
	default:
		var s string
		if err := json.Unmarshal(decoded.PrevRaw, &s); err != nil {
			return parsed{}, err
		}
		p.PrevEpochID = &s
		p.prev = prevSet
	}
	return p, nil
}

// ChainItem is an epoch entry located in the commit chain.
type ChainItem struct {
	EntryID  string
	CommitID string
	Entry    *ledger.Entry
	Record   Record
}

// Chain returns epoch entries in replay order, genesis included.
func Chain(l *ledger.Ledger) ([]ChainItem, error) {
	var out []ChainItem
	err := l.Walk(func(st ledger.Step) error {
		if !IsEpochEntry(st.Entry) {
			return nil
		}
		p, err := parse(st.Entry)
		if err != nil {
			return codes.Wrap(codes.CodeEpochInvalidPayload, "decode epoch record", err).With("entryId", st.EntryID)
		}
		out = append(out, ChainItem{EntryID: st.EntryID, CommitID: st.CommitID, Entry: st.Entry, Record: p.Record})
		return nil
	})
	return out, err
}

// Rotate appends, in its own commit, a new epoch extending the current head
// and returns the record and commit ID.
func Rotate(ctx context.Context, l *ledger.Ledger, s crypto.Signer, encryptionPublicKey, createdAt string) (Record, string, error) {
	view, err := List(l)
	if err != nil {
		return Record{}, "", err
	}
	head, err := view.Current()
	if err != nil {
		return Record{}, "", err
	}
	if createdAt == "" {
		createdAt = ledger.Now()
	}
	e, rec, err := NewEntry(ctx, s, encryptionPublicKey, head.Record.EpochID, createdAt)
	if err != nil {
		return Record{}, "", err
	}
	cid, _, err := l.Commit(map[string]any{"message": "rotate epoch"}, createdAt, e)
	if err != nil {
		return Record{}, "", err
	}
	return rec, cid, nil
}
