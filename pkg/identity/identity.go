// Package identity replays identity.upsert entries into a principal registry.
package identity

import (
	"encoding/json"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/ledger"
	"github.com/samternent/concord/pkg/schema"
)

// KindUpsert is the entry kind handled by this package.
const KindUpsert = "identity.upsert"

// UpsertPayload is the identity.upsert payload.
type UpsertPayload struct {
	PrincipalID   string         `json:"principalId"`
	DisplayName   string         `json:"displayName,omitempty"`
	AgeRecipients []string       `json:"ageRecipients"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Record is the latest known state of a principal.
type Record struct {
	PrincipalID   string         `json:"principalId"`
	DisplayName   string         `json:"displayName,omitempty"`
	AgeRecipients []string       `json:"ageRecipients"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	UpdatedAt     string         `json:"updatedAt"`
	UpdatedBy     string         `json:"updatedBy"`
}

// State maps principal IDs to records.
type State struct {
	Principals map[string]*Record `json:"principals"`
}

// NewState returns an empty registry.
func NewState() *State {
	return &State{Principals: make(map[string]*Record)}
}

// Principal returns the record for id, or nil.
func (s *State) Principal(id string) *Record {
	return s.Principals[id]
}

// AgeRecipients returns the registered recipients for id (never nil).
func (s *State) AgeRecipients(id string) []string {
	if r := s.Principals[id]; r != nil && r.AgeRecipients != nil {
		return r.AgeRecipients
	}
	return []string{}
}

// CurrentAgeRecipient returns the most recently listed recipient.
func (s *State) CurrentAgeRecipient(id string) (string, bool) {
	rs := s.AgeRecipients(id)
	if len(rs) == 0 {
		return "", false
	}
	return rs[len(rs)-1], true
}

// Apply folds one entry into the state. Entries of other kinds are ignored.
func (s *State) Apply(e *ledger.Entry) error {
	if e.Kind != KindUpsert {
		return nil
	}
	var p UpsertPayload
	if err := schema.Decode(schema.IdentityUpsert, e.Payload, &p); err != nil {
		return codes.Wrap(codes.CodeInvalidIdentityUpsert, err.Error(), err)
	}
	if e.Author != p.PrincipalID {
		return codes.New(codes.CodeAuthorMismatch, "identity.upsert author must match payload.principalId")
	}
	recipients := p.AgeRecipients
	if recipients == nil {
		recipients = []string{}
	}
	s.Principals[p.PrincipalID] = &Record{
		PrincipalID:   p.PrincipalID,
		DisplayName:   p.DisplayName,
		AgeRecipients: recipients,
		Metadata:      p.Metadata,
		UpdatedAt:     e.Timestamp,
		UpdatedBy:     e.Author,
	}
	return nil
}

// Replay rebuilds the registry from l in chain order, skipping genesis.
func Replay(l *ledger.Ledger) (*State, error) {
	entries, err := l.ReplayEntries()
	if err != nil {
		return nil, err
	}
	s := NewState()
	for _, e := range entries {
		if err := s.Apply(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewUpsertEntry builds an identity.upsert entry authored by the principal.
func NewUpsertEntry(p UpsertPayload, timestamp string) (*ledger.Entry, error) {
	if p.AgeRecipients == nil {
		p.AgeRecipients = []string{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.IdentityUpsert, raw); err != nil {
		return nil, codes.Wrap(codes.CodeInvalidIdentityUpsert, err.Error(), err)
	}
	return ledger.NewEntry(KindUpsert, p.PrincipalID, timestamp, json.RawMessage(raw))
}
