package ledger

import (
	"github.com/samternent/concord/pkg/canonicalize"
	"github.com/samternent/concord/pkg/codes"
)

// AppendEntry validates e and stores it under its derived ID. Appending
// content that is already present returns the existing ID.
func (l *Ledger) AppendEntry(e *Entry) (string, error) {
	if res := ValidateEntry(e); !res.OK {
		if _, err := canonicalize.JCS(e.Core()); err != nil {
			return "", codes.Wrap(codes.CodeInvalidPayload, "entry payload is not canonicalizable", err)
		}
		return "", res.Err(codes.CodeInvalidEntry)
	}
	id, err := DeriveEntryID(e)
	if err != nil {
		return "", codes.Wrap(codes.CodeInvalidPayload, "derive entry id", err)
	}
	if l.Entries == nil {
		l.Entries = make(map[string]*Entry)
	}
	if _, exists := l.Entries[id]; !exists {
		l.Entries[id] = e
	}
	return id, nil
}

// CommitParams configures CreateCommit.
type CommitParams struct {
	Entries   []string
	Metadata  map[string]any
	Timestamp string
	// Parent defaults to the current head.
	Parent string
}

// CreateCommit builds (but does not append) a non-genesis commit.
func (l *Ledger) CreateCommit(p CommitParams) (string, *Commit, error) {
	if p.Entries == nil {
		return "", nil, codes.New(codes.CodeInvalidEntries, "Entries must be an array")
	}
	for _, id := range p.Entries {
		if _, ok := l.Entries[id]; !ok {
			return "", nil, codes.Newf(codes.CodeMissingEntry, "Missing entry %s", id)
		}
	}
	parent := p.Parent
	if parent == "" {
		parent = l.Head
	}
	if parent == "" {
		return "", nil, codes.New(codes.CodeInvalidParent, "Non-genesis commits must reference a parent")
	}
	if _, ok := l.Commits[parent]; !ok {
		return "", nil, codes.Newf(codes.CodeMissingCommit, "Missing commit %s", parent)
	}
	ts := p.Timestamp
	if ts == "" {
		ts = Now()
	}
	c := &Commit{
		Parent:    &parent,
		Timestamp: ts,
		Metadata:  p.Metadata,
		Entries:   append([]string{}, p.Entries...),
	}
	id, err := DeriveCommitID(c)
	if err != nil {
		return "", nil, codes.Wrap(codes.CodeInvalidCommit, "commit is not canonicalizable", err)
	}
	return id, c, nil
}

// AppendCommit appends c under id and advances the head.
func (l *Ledger) AppendCommit(id string, c *Commit) error {
	if c.IsGenesis() {
		return codes.New(codes.CodeInvalidCommit, "Genesis commits must be created via New")
	}
	if c.Parent == nil || *c.Parent == "" {
		return codes.New(codes.CodeInvalidParent, "Commit parent must be a non-empty CommitID")
	}
	if _, ok := l.Commits[*c.Parent]; !ok {
		return codes.Newf(codes.CodeMissingCommit, "Missing commit %s", *c.Parent)
	}
	if res := ValidateCommit(c); !res.OK {
		return res.Err(codes.CodeInvalidCommit)
	}
	for _, eid := range c.Entries {
		if _, ok := l.Entries[eid]; !ok {
			return codes.Newf(codes.CodeMissingEntry, "Missing entry %s", eid)
		}
	}
	if _, dup := l.Commits[id]; dup {
		return codes.Newf(codes.CodeDuplicateCommit, "Commit %s already exists", id)
	}
	l.Commits[id] = c
	l.Head = id
	return nil
}

// AppendCommitStrict re-derives the commit ID before appending.
func (l *Ledger) AppendCommitStrict(id string, c *Commit) error {
	derived, err := DeriveCommitID(c)
	if err != nil {
		return codes.Wrap(codes.CodeInvalidCommit, "commit is not canonicalizable", err)
	}
	if derived != id {
		return codes.New(codes.CodeCommitIDMismatch, "CommitID does not match commit content")
	}
	return l.AppendCommit(id, c)
}

// Commit appends entries and a commit referencing them in one step. It
// returns the new commit ID and the entry IDs in order.
func (l *Ledger) Commit(metadata map[string]any, timestamp string, entries ...*Entry) (string, []string, error) {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		id, err := l.AppendEntry(e)
		if err != nil {
			return "", nil, err
		}
		ids = append(ids, id)
	}
	cid, c, err := l.CreateCommit(CommitParams{Entries: ids, Metadata: metadata, Timestamp: timestamp})
	if err != nil {
		return "", nil, err
	}
	if err := l.AppendCommitStrict(cid, c); err != nil {
		return "", nil, err
	}
	return cid, ids, nil
}
