package epoch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/crypto"
	"github.com/samternent/concord/pkg/ledger"
)

// Status is the list view of one epoch entry.
type Status struct {
	EntryID  string   `json:"entryId"`
	Record   Record   `json:"record"`
	Valid    bool     `json:"isValid"`
	Warnings []string `json:"warnings"`
}

// View is every epoch entry in the ledger, sorted by createdAt, plus the
// childless heads among the valid ones. More than one head is a fork.
type View struct {
	Epochs []*Status `json:"epochs"`
	Heads  []string  `json:"heads"`
	Forked bool      `json:"forked"`
}

// List inspects every epoch entry stored in l, including entries not
// reachable from head. Problems are reported as warnings; only epochs
// without invalidating warnings take part in head selection. A payload
// that does not decode is listed as invalid with an empty record.
func List(l *ledger.Ledger) (*View, error) {
	ids := make([]string, 0)
	known := make(map[string]struct{})
	records := make(map[string]parsed)
	malformed := make(map[string]error)
	for id, e := range l.Entries {
		if !IsEpochEntry(e) {
			continue
		}
		ids = append(ids, id)
		p, err := parse(e)
		if err != nil {
			malformed[id] = err
			continue
		}
		records[id] = p
		if p.EpochID != "" {
			known[p.EpochID] = struct{}{}
		}
	}

	statuses := make([]*Status, 0, len(ids))
	for _, id := range ids {
		if err, bad := malformed[id]; bad {
			statuses = append(statuses, &Status{
				EntryID:  id,
				Record:   Record{Type: RecordType},
				Warnings: []string{fmt.Sprintf("Epoch payload is malformed: %v", err)},
			})
			continue
		}
		statuses = append(statuses, inspect(id, l.Entries[id], records[id], known))
	}
	sort.SliceStable(statuses, func(i, j int) bool {
		a, b := statuses[i].Record, statuses[j].Record
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return statuses[i].EntryID < statuses[j].EntryID
	})

	heads := headsOf(statuses)
	v := &View{Epochs: statuses, Heads: make([]string, 0, len(heads)), Forked: len(heads) > 1}
	for _, h := range heads {
		v.Heads = append(v.Heads, h.Record.EpochID)
		if v.Forked {
			h.Warnings = append(h.Warnings, "Epoch fork detected.")
		}
	}
	return v, nil
}

func inspect(id string, e *ledger.Entry, p parsed, known map[string]struct{}) *Status {
	st := &Status{EntryID: id, Record: p.Record, Valid: true, Warnings: []string{}}
	invalid := func(msg string) {
		st.Valid = false
		st.Warnings = append(st.Warnings, msg)
	}

	if e.Signature == nil || *e.Signature == "" || e.Author == "" {
		invalid("Entry signature missing.")
	}
	if p.EpochID != p.EncryptionKeyID {
		invalid("EpochId does not match encryptionKeyId.")
	}
	if p.EncryptionPublicKey == "" {
		invalid("Missing encryption public key.")
	} else if expected, err := DeriveEpochID(p.SignerKeyID, p.EncryptionPublicKey, p.Prev(), p.CreatedAt); err != nil || expected != p.EpochID {
		invalid("EpochId mismatch.")
	}
	if p.SignerKeyID != DeriveSignerKeyID(e.Author) {
		invalid("Signer key id mismatch.")
	}
	if prev := p.Prev(); prev != "" {
		if _, ok := known[prev]; !ok {
			st.Warnings = append(st.Warnings, "Previous epoch missing from ledger.")
		}
	}
	if e.Signature != nil && *e.Signature != "" && e.Author != "" {
		ok, err := crypto.VerifyEntry(e, e.Author)
		switch {
		case err != nil:
			invalid(fmt.Sprintf("Entry signature error: %v", err))
		case !ok:
			invalid("Entry signature invalid.")
		}
	}
	if p.CreatedAt != e.Timestamp {
		st.Warnings = append(st.Warnings, "CreatedAt does not match entry timestamp.")
	}
	return st
}

// headsOf returns valid epochs that no valid epoch names as its
// predecessor, in createdAt order.
func headsOf(statuses []*Status) []*Status {
	children := make(map[string]struct{})
	for _, s := range statuses {
		if s.Valid && s.Record.Prev() != "" {
			children[s.Record.Prev()] = struct{}{}
		}
	}
	var heads []*Status
	for _, s := range statuses {
		if !s.Valid {
			continue
		}
		if _, hasChild := children[s.Record.EpochID]; !hasChild {
			heads = append(heads, s)
		}
	}
	return heads
}

// ErrNoCurrentEpoch is returned by Current when no valid head exists.
var ErrNoCurrentEpoch = errors.New("epoch: active epoch missing or ledger invalid")

// Current picks the epoch new rotations should extend. With a single head
// that head is returned. On a fork the head with the lexicographically last
// createdAt wins; the fork itself stays visible through View.Forked.
func (v *View) Current() (*Status, error) {
	heads := headsOf(v.Epochs)
	if len(heads) == 0 {
		return nil, codes.Wrap(codes.CodeEpochActiveMissing, "no valid epoch head", ErrNoCurrentEpoch)
	}
	best := heads[0]
	for _, h := range heads[1:] {
		if h.Record.CreatedAt >= best.Record.CreatedAt {
			best = h
		}
	}
	return best, nil
}
