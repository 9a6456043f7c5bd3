// Package ledger implements the content-addressed Entry/Commit ledger.
//
// Entries are stored by the hash of their canonical core and referenced from
// commits. Commits form a singly linked chain through Parent; the genesis
// commit has a nil parent and metadata.genesis == true. The chain walked from
// Head, genesis first, is the replay order for every higher-level state machine.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samternent/concord/pkg/canonicalize"
	"github.com/samternent/concord/pkg/codes"
)

const (
	// Format is the container format tag.
	Format = "concord-ledger"
	// Version is the container version.
	Version = "1.0"
	// ProtocolSpec is recorded in genesis metadata.
	ProtocolSpec = "concord-protocol@1.0"
)

// TimestampLayout renders timestamps the way ISO-8601 writers with
// millisecond precision do (2026-02-03T10:00:00.000Z).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Entry is an immutable ledger record. Its ID excludes Signature.
type Entry struct {
	Kind      string          `json:"kind"`
	Timestamp string          `json:"timestamp"`
	Author    string          `json:"author"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature *string         `json:"signature,omitempty"`
}

// Commit groups entry IDs and links to its parent.
type Commit struct {
	Parent    *string        `json:"parent"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
	Entries   []string       `json:"entries"`
}

// Ledger is the serialized container.
//
// A Ledger value is not safe for concurrent mutation. Replay functions only
// read it; callers must not mutate a ledger while it is being replayed.
type Ledger struct {
	Format  string             `json:"format"`
	Version string             `json:"version"`
	Commits map[string]*Commit `json:"commits"`
	Entries map[string]*Entry  `json:"entries"`
	Head    string             `json:"head"`
}

// EntryCore is the hashed and signed view of an entry.
type EntryCore struct {
	Kind      string          `json:"kind"`
	Timestamp string          `json:"timestamp"`
	Author    string          `json:"author"`
	Payload   json.RawMessage `json:"payload"`
}

// Now returns the current time as a ledger timestamp.
func Now() string {
	return FormatTimestamp(time.Now())
}

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses an RFC 3339 timestamp. ok is false when s is not a
// valid timestamp.
func ParseTimestamp(s string) (t time.Time, ok bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Core returns the fields used for hashing and signing.
func (e *Entry) Core() EntryCore {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return EntryCore{Kind: e.Kind, Timestamp: e.Timestamp, Author: e.Author, Payload: payload}
}

// SigningBytes returns the canonical signing payload (signature excluded).
func (e *Entry) SigningBytes() ([]byte, error) {
	return canonicalize.JCS(e.Core())
}

// DecodePayload unmarshals the payload into v. A missing payload decodes as null.
func (e *Entry) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// PayloadObject decodes the payload as a JSON object. ok is false for
// missing, null or non-object payloads.
func (e *Entry) PayloadObject() (obj map[string]any, ok bool) {
	if len(e.Payload) == 0 {
		return nil, false
	}
	if err := json.Unmarshal(e.Payload, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// PayloadType returns payload.type when the payload is an object with a
// string type field.
func (e *Entry) PayloadType() string {
	var head struct {
		Type string `json:"type"`
	}
	if len(e.Payload) == 0 || json.Unmarshal(e.Payload, &head) != nil {
		return ""
	}
	return head.Type
}

// NewEntry builds an entry, marshaling payload. A nil payload is left absent.
func NewEntry(kind, author, timestamp string, payload any) (*Entry, error) {
	if timestamp == "" {
		timestamp = Now()
	}
	e := &Entry{Kind: kind, Timestamp: timestamp, Author: author}
	if payload != nil {
		raw, err := canonicalize.JCS(payload)
		if err != nil {
			return nil, codes.Wrap(codes.CodeInvalidPayload, "entry payload is not canonicalizable", err)
		}
		e.Payload = raw
	}
	return e, nil
}

// DeriveEntryID hashes the entry core.
func DeriveEntryID(e *Entry) (string, error) {
	b, err := e.SigningBytes()
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(b), nil
}

// DeriveCommitID hashes the full commit.
func DeriveCommitID(c *Commit) (string, error) {
	return canonicalize.CanonicalHash(c)
}

// IsGenesis reports whether c is a genesis commit.
func (c *Commit) IsGenesis() bool {
	if c == nil || c.Metadata == nil {
		return false
	}
	g, ok := c.Metadata["genesis"].(bool)
	return ok && g
}

// ParentID returns the parent commit ID or "" for genesis.
func (c *Commit) ParentID() string {
	if c.Parent == nil {
		return ""
	}
	return *c.Parent
}

// NewGenesisCommit builds the genesis commit. Caller metadata is layered
// over {genesis: true, spec: ProtocolSpec}.
func NewGenesisCommit(metadata map[string]any, timestamp string, entryIDs []string) (string, *Commit, error) {
	md := map[string]any{"genesis": true, "spec": ProtocolSpec}
	for k, v := range metadata {
		md[k] = v
	}
	if timestamp == "" {
		timestamp = Now()
	}
	if entryIDs == nil {
		entryIDs = []string{}
	}
	c := &Commit{Parent: nil, Timestamp: timestamp, Metadata: md, Entries: entryIDs}
	id, err := DeriveCommitID(c)
	if err != nil {
		return "", nil, codes.Wrap(codes.CodeInvalidCommit, "genesis commit is not canonicalizable", err)
	}
	return id, c, nil
}

// New creates a ledger with a genesis commit holding the given entries.
func New(metadata map[string]any, timestamp string, entries ...*Entry) (*Ledger, error) {
	l := &Ledger{
		Format:  Format,
		Version: Version,
		Commits: make(map[string]*Commit),
		Entries: make(map[string]*Entry),
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if res := ValidateEntry(e); !res.OK {
			return nil, res.Err(codes.CodeInvalidEntry)
		}
		id, err := DeriveEntryID(e)
		if err != nil {
			return nil, codes.Wrap(codes.CodeInvalidPayload, "derive entry id", err)
		}
		if _, dup := l.Entries[id]; dup {
			return nil, codes.Newf(codes.CodeDuplicateEntry, "Entry %s already exists", id)
		}
		l.Entries[id] = e
		ids = append(ids, id)
	}
	id, genesis, err := NewGenesisCommit(metadata, timestamp, ids)
	if err != nil {
		return nil, err
	}
	l.Commits[id] = genesis
	l.Head = id
	return l, nil
}

// CommitChain returns commit IDs from genesis to head.
func (l *Ledger) CommitChain() ([]string, error) {
	if _, ok := l.Commits[l.Head]; !ok {
		return nil, codes.Newf(codes.CodeMissingHead, "Missing head commit %s", l.Head)
	}
	var chain []string
	visited := make(map[string]struct{})
	current := l.Head
	for {
		if _, seen := visited[current]; seen {
			return nil, codes.Newf(codes.CodeCommitChainCycle, "Commit chain cycle detected at %s", current)
		}
		visited[current] = struct{}{}
		chain = append(chain, current)
		c, ok := l.Commits[current]
		if !ok || c == nil {
			return nil, codes.Newf(codes.CodeMissingCommit, "Missing commit %s", current)
		}
		if c.Parent == nil {
			break
		}
		if *c.Parent == "" {
			return nil, codes.New(codes.CodeInvalidParent, "Commit parent must be null or a CommitID")
		}
		current = *c.Parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// GenesisID returns the ID of the first commit in the chain.
func (l *Ledger) GenesisID() (string, error) {
	chain, err := l.CommitChain()
	if err != nil {
		return "", err
	}
	return chain[0], nil
}

// ReplayEntryIDs returns entry IDs in replay order, skipping genesis commits.
func (l *Ledger) ReplayEntryIDs() ([]string, error) {
	chain, err := l.CommitChain()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, cid := range chain {
		c := l.Commits[cid]
		if c.IsGenesis() {
			continue
		}
		ids = append(ids, c.Entries...)
	}
	return ids, nil
}

// ReplayEntries resolves ReplayEntryIDs.
func (l *Ledger) ReplayEntries() ([]*Entry, error) {
	ids, err := l.ReplayEntryIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, ok := l.Entries[id]
		if !ok {
			return nil, codes.Newf(codes.CodeMissingEntry, "Missing entry %s", id)
		}
		out = append(out, e)
	}
	return out, nil
}

// Step is one entry position in replay order.
type Step struct {
	CommitID string
	Index    int
	EntryID  string
	Entry    *Entry
	Genesis  bool
}

// Walk calls fn for every entry in chain order, genesis included. Walk stops
// at the first error returned by fn.
func (l *Ledger) Walk(fn func(Step) error) error {
	chain, err := l.CommitChain()
	if err != nil {
		return err
	}
	for _, cid := range chain {
		c := l.Commits[cid]
		genesis := c.IsGenesis()
		for i, eid := range c.Entries {
			e, ok := l.Entries[eid]
			if !ok {
				return codes.Newf(codes.CodeMissingEntry, "Missing entry %s", eid)
			}
			if err := fn(Step{CommitID: cid, Index: i, EntryID: eid, Entry: e, Genesis: genesis}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	out := *e
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Signature != nil {
		sig := *e.Signature
		out.Signature = &sig
	}
	return &out
}

// Clone returns a shallow copy with fresh maps. Entries and commits are
// shared since they are never edited in place.
func (l *Ledger) Clone() *Ledger {
	out := &Ledger{
		Format:  l.Format,
		Version: l.Version,
		Commits: make(map[string]*Commit, len(l.Commits)),
		Entries: make(map[string]*Entry, len(l.Entries)),
		Head:    l.Head,
	}
	for k, v := range l.Commits {
		out.Commits[k] = v
	}
	for k, v := range l.Entries {
		out.Entries[k] = v
	}
	return out
}

// SliceBefore returns the ledger state as seen by entry index within
// commitID: the commit is truncated to its first index entries and becomes
// the head. The truncated commit keeps commitID as its key so that the chain
// below it is unchanged.
func (l *Ledger) SliceBefore(commitID string, index int) (*Ledger, error) {
	c, ok := l.Commits[commitID]
	if !ok {
		return nil, codes.Newf(codes.CodeMissingCommit, "Missing commit %s", commitID)
	}
	if index < 0 || index > len(c.Entries) {
		return nil, fmt.Errorf("slice index %d out of range for commit %s", index, commitID)
	}
	out := l.Clone()
	truncated := *c
	truncated.Entries = append([]string{}, c.Entries[:index]...)
	out.Commits[commitID] = &truncated
	out.Head = commitID
	return out, nil
}

// EntryCount returns the number of entries referenced by the chain.
func (l *Ledger) EntryCount() (int, error) {
	chain, err := l.CommitChain()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cid := range chain {
		n += len(l.Commits[cid].Entries)
	}
	return n, nil
}
