package permissions

import (
	"sort"
	"time"

	"github.com/samternent/concord/pkg/ledger"
)

func targetMatches(t Target, principal string, groups map[string]struct{}) bool {
	if t.Type == TargetPrincipal {
		return t.ID == principal
	}
	_, ok := groups[t.ID]
	return ok
}

func grantExpired(c *Constraints, now time.Time) bool {
	if c == nil || c.Expires == "" || now.IsZero() {
		return false
	}
	exp, ok := ledger.ParseTimestamp(c.Expires)
	if !ok {
		return false
	}
	return !exp.After(now)
}

func expand(caps map[Cap]struct{}) map[Cap]struct{} {
	out := make(map[Cap]struct{}, len(caps))
	for c := range caps {
		out[c] = struct{}{}
		for _, implied := range impliedCaps[c] {
			out[implied] = struct{}{}
		}
	}
	return out
}

// EffectiveCaps returns the capabilities principal holds at scope. Grants and
// revokes are applied in replay order so a later grant restores a revoked cap.
// Grants that expired at or before now are skipped; a zero now disables
// expiry checks.
func (s *State) EffectiveCaps(principal, scope string, now time.Time) map[Cap]struct{} {
	if s.IsRootAdmin(principal) {
		return map[Cap]struct{}{CapAdmin: {}, CapGrant: {}, CapWrite: {}, CapRead: {}}
	}
	groups := s.GroupsOf(principal)

	type event struct {
		order int
		cap   Cap
		add   bool
	}
	var events []event
	for _, g := range s.Grants {
		if g.Scope != scope || !targetMatches(g.Target, principal, groups) || grantExpired(g.Constraints, now) {
			continue
		}
		events = append(events, event{order: g.Order, cap: g.Cap, add: true})
	}
	for _, r := range s.Revokes {
		if r.Scope != scope || !targetMatches(r.Target, principal, groups) {
			continue
		}
		events = append(events, event{order: r.Order, cap: r.Cap})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].order < events[j].order })

	explicit := make(map[Cap]struct{})
	for _, ev := range events {
		if ev.add {
			explicit[ev.cap] = struct{}{}
		} else {
			delete(explicit, ev.cap)
		}
	}
	return expand(explicit)
}

// SortedCaps returns EffectiveCaps as a sorted slice.
func (s *State) SortedCaps(principal, scope string, now time.Time) []Cap {
	caps := s.EffectiveCaps(principal, scope, now)
	out := make([]Cap, 0, len(caps))
	for c := range caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasCap reports whether principal holds cap at scope.
func (s *State) HasCap(principal, scope string, c Cap, now time.Time) bool {
	_, ok := s.EffectiveCaps(principal, scope, now)[c]
	return ok
}

// Can reports whether principal may perform action at scope. Unknown actions
// are denied.
func (s *State) Can(principal, action, scope string, now time.Time) bool {
	required, ok := actionCaps[action]
	if !ok {
		return false
	}
	return s.HasCap(principal, scope, required, now)
}

// IsAuthorizedGroupChange reports whether author may modify groupID.
func (s *State) IsAuthorizedGroupChange(author, groupID string) bool {
	if s.IsRootAdmin(author) {
		return true
	}
	g, ok := s.Groups[groupID]
	return ok && g.Owner == author
}
