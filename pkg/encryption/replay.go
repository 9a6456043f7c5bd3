package encryption

import (
	"errors"
	"fmt"
	"time"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/identity"
	"github.com/samternent/concord/pkg/ledger"
	"github.com/samternent/concord/pkg/permissions"
	"github.com/samternent/concord/pkg/schema"
)

// Entry kinds handled by this package.
const (
	KindEpochRotate = "enc.epoch.rotate"
	KindWrapPublish = "enc.wrap.publish"
)

// RotateWrap is one per-principal wrap carried by a rotation.
type RotateWrap struct {
	PrincipalID string   `json:"principalId"`
	Epoch       int      `json:"epoch"`
	Wrap        WrapBody `json:"wrap"`
}

// RotatePayload is the enc.epoch.rotate payload.
type RotatePayload struct {
	Scope    string       `json:"scope"`
	NewEpoch int          `json:"newEpoch"`
	Wraps    []RotateWrap `json:"wraps"`
	Note     string       `json:"note,omitempty"`
}

// PublishPayload is the enc.wrap.publish payload.
type PublishPayload struct {
	Scope       string   `json:"scope"`
	Epoch       int      `json:"epoch"`
	PrincipalID string   `json:"principalId"`
	Wrap        WrapBody `json:"wrap"`
}

// deps is the permission and identity state visible to one entry.
type deps struct {
	perms *permissions.State
	ids   *identity.State
}

func dependencyStates(l *ledger.Ledger, commitID string, index int, cfg ReplayConfig) (deps, error) {
	partial, err := l.SliceBefore(commitID, index)
	if err != nil {
		return deps{}, err
	}
	perms, err := permissions.Replay(partial, cfg.Permissions)
	if err != nil {
		return deps{}, err
	}
	ids, err := identity.Replay(partial)
	if err != nil {
		return deps{}, err
	}
	return deps{perms: perms, ids: ids}, nil
}

func invalidPayload(msg string) error {
	return codes.New(codes.CodeInvalidEncPayload, msg)
}

func ensureReadable(d deps, principal, scope string) error {
	if !d.perms.HasCap(principal, scope, permissions.CapRead, time.Time{}) {
		return codes.New(codes.CodeIneligibleTarget, "wrap target must have read capability").With("principalId", principal)
	}
	return nil
}

// ensureRecipients requires to to include every recipient registered for
// principal. A principal without recipients only produces a warning.
func (s *State) ensureRecipients(d deps, scope, principal string, to []string) error {
	registered := d.ids.AgeRecipients(principal)
	if len(registered) == 0 {
		s.warn(Warning{
			Code:        string(codes.CodeMissingRecipients),
			Message:     "principal has no registered age recipients",
			Scope:       scope,
			PrincipalID: principal,
		})
		return nil
	}
	listed := make(map[string]struct{}, len(to))
	for _, r := range to {
		listed[r] = struct{}{}
	}
	for _, r := range registered {
		if _, ok := listed[r]; !ok {
			return codes.New(codes.CodeInvalidEncPayload, "wrap recipients must include all registered age recipients").With("principalId", principal)
		}
	}
	return nil
}

func (s *State) applyRotate(e *ledger.Entry, p RotatePayload, d deps) error {
	if !d.perms.HasCap(e.Author, p.Scope, permissions.CapAdmin, time.Time{}) {
		return codes.New(codes.CodeUnauthorizedRotate, "enc.epoch.rotate requires admin capability")
	}
	current := s.Scope(p.Scope).CurrentEpoch
	if p.NewEpoch != current+1 {
		return codes.Newf(codes.CodeInvalidEpochTransition, "newEpoch must equal currentEpoch + 1 (current %d, got %d)", current, p.NewEpoch)
	}
	s.Scopes[p.Scope] = ScopeState{CurrentEpoch: p.NewEpoch}

	wrapped := make(map[string]struct{}, len(p.Wraps))
	for _, w := range p.Wraps {
		if w.Epoch != p.NewEpoch {
			return invalidPayload("wrap.epoch must equal newEpoch")
		}
		if err := ensureReadable(d, w.PrincipalID, p.Scope); err != nil {
			return err
		}
		if err := s.ensureRecipients(d, p.Scope, w.PrincipalID, w.Wrap.To); err != nil {
			return err
		}
		s.addWrap(WrapRecord{
			Scope:       p.Scope,
			Epoch:       w.Epoch,
			PrincipalID: w.PrincipalID,
			Wrap:        w.Wrap,
			PublishedBy: e.Author,
			PublishedAt: e.Timestamp,
			Source:      SourceRotate,
		})
		wrapped[w.PrincipalID] = struct{}{}
	}

	for _, principal := range d.perms.Principals() {
		if _, ok := wrapped[principal]; ok {
			continue
		}
		if !d.perms.HasCap(principal, p.Scope, permissions.CapRead, time.Time{}) {
			continue
		}
		if len(d.ids.AgeRecipients(principal)) == 0 {
			continue
		}
		s.warn(Warning{
			Code:        string(codes.CodeMissingWrap),
			Message:     fmt.Sprintf("rotation to epoch %d carries no wrap for read-capable principal", p.NewEpoch),
			Scope:       p.Scope,
			PrincipalID: principal,
		})
	}
	return nil
}

func (s *State) applyPublish(e *ledger.Entry, p PublishPayload, d deps) error {
	if !d.perms.HasCap(e.Author, p.Scope, permissions.CapGrant, time.Time{}) &&
		!d.perms.HasCap(e.Author, p.Scope, permissions.CapAdmin, time.Time{}) {
		return codes.New(codes.CodeUnauthorizedWrap, "enc.wrap.publish requires grant or admin capability")
	}
	if err := ensureReadable(d, p.PrincipalID, p.Scope); err != nil {
		return err
	}
	if err := s.ensureRecipients(d, p.Scope, p.PrincipalID, p.Wrap.To); err != nil {
		return err
	}
	s.addWrap(WrapRecord{
		Scope:       p.Scope,
		Epoch:       p.Epoch,
		PrincipalID: p.PrincipalID,
		Wrap:        p.Wrap,
		PublishedBy: e.Author,
		PublishedAt: e.Timestamp,
		Source:      SourcePublish,
	})
	return nil
}

// Replay rebuilds encryption state from l. Permission and identity state
// are replayed afresh for every encryption entry from the ledger as it stood
// immediately before that entry.
func Replay(l *ledger.Ledger, cfg ReplayConfig) (*State, error) {
	s := NewState()
	err := l.Walk(func(st ledger.Step) error {
		if st.Genesis {
			return nil
		}
		e := st.Entry
		if e.Kind != KindEpochRotate && e.Kind != KindWrapPublish {
			return nil
		}
		d, err := dependencyStates(l, st.CommitID, st.Index, cfg)
		if err != nil {
			return err
		}
		var applyErr error
		if e.Kind == KindEpochRotate {
			var p RotatePayload
			if err := schema.Decode(schema.EpochRotate, e.Payload, &p); err != nil {
				return codes.Wrap(codes.CodeInvalidEncPayload, err.Error(), err)
			}
			applyErr = s.applyRotate(e, p, d)
		} else {
			var p PublishPayload
			if err := schema.Decode(schema.WrapPublish, e.Payload, &p); err != nil {
				return codes.Wrap(codes.CodeInvalidEncPayload, err.Error(), err)
			}
			applyErr = s.applyPublish(e, p, d)
		}
		var ce *codes.Error
		if errors.As(applyErr, &ce) {
			return ce.With("entryId", st.EntryID)
		}
		return applyErr
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewRotateEntry builds an enc.epoch.rotate entry.
func NewRotateEntry(author, timestamp string, p RotatePayload) (*ledger.Entry, error) {
	if p.Wraps == nil {
		p.Wraps = []RotateWrap{}
	}
	return ledger.NewEntry(KindEpochRotate, author, timestamp, p)
}

// NewPublishEntry builds an enc.wrap.publish entry.
func NewPublishEntry(author, timestamp string, p PublishPayload) (*ledger.Entry, error) {
	return ledger.NewEntry(KindWrapPublish, author, timestamp, p)
}
