// Package permissions replays group and capability entries into a
// scope-keyed authorization state.
package permissions

import "sort"

// Cap is a capability held at a scope.
type Cap string

const (
	CapRead  Cap = "read"
	CapWrite Cap = "write"
	CapGrant Cap = "grant"
	CapAdmin Cap = "admin"
)

// Actions checked by Can.
const (
	ActionRead  = "perm:read"
	ActionWrite = "perm:write"
	ActionGrant = "perm:grant"
	ActionAdmin = "perm:admin"
)

var impliedCaps = map[Cap][]Cap{
	CapRead:  nil,
	CapWrite: nil,
	CapGrant: {CapRead},
	CapAdmin: {CapGrant, CapWrite, CapRead},
}

var actionCaps = map[string]Cap{
	ActionRead:  CapRead,
	ActionWrite: CapWrite,
	ActionGrant: CapGrant,
	ActionAdmin: CapAdmin,
}

// Target names the principal or group a grant applies to.
type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

const (
	TargetPrincipal = "principal"
	TargetGroup     = "group"
)

// Constraints restrict a grant.
type Constraints struct {
	Expires string `json:"expires,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Group is a named set of principals.
type Group struct {
	GroupID     string   `json:"groupId"`
	DisplayName string   `json:"displayName,omitempty"`
	Owner       string   `json:"owner"`
	Members     []string `json:"members"`
}

// Grant records a perm.grant. Order is the replay position.
type Grant struct {
	Scope       string       `json:"scope"`
	Cap         Cap          `json:"cap"`
	Target      Target       `json:"target"`
	Constraints *Constraints `json:"constraints,omitempty"`
	GrantedBy   string       `json:"grantedBy"`
	GrantedAt   string       `json:"grantedAt"`
	Order       int          `json:"order"`
}

// Revoke records a perm.revoke. Order is the replay position.
type Revoke struct {
	Scope     string `json:"scope"`
	Cap       Cap    `json:"cap"`
	Target    Target `json:"target"`
	Reason    string `json:"reason,omitempty"`
	RevokedBy string `json:"revokedBy"`
	RevokedAt string `json:"revokedAt"`
	Order     int    `json:"order"`
}

// State is the replayed permission state.
type State struct {
	RootAdmins []string          `json:"rootAdmins"`
	Groups     map[string]*Group `json:"groups"`
	Grants     []Grant           `json:"grants"`
	Revokes    []Revoke          `json:"revokes"`

	seq int
}

// ReplayConfig seeds the state before any entry is applied.
type ReplayConfig struct {
	RootAdmins []string `yaml:"rootAdmins" json:"rootAdmins"`
}

// NewState returns an empty state for cfg.
func NewState(cfg ReplayConfig) *State {
	admins := append([]string{}, cfg.RootAdmins...)
	return &State{
		RootAdmins: admins,
		Groups:     make(map[string]*Group),
		Grants:     []Grant{},
		Revokes:    []Revoke{},
	}
}

// IsRootAdmin reports whether principal is configured as a root admin.
func (s *State) IsRootAdmin(principal string) bool {
	for _, a := range s.RootAdmins {
		if a == principal {
			return true
		}
	}
	return false
}

// GroupsOf returns the IDs of groups whose member list includes principal.
func (s *State) GroupsOf(principal string) map[string]struct{} {
	out := make(map[string]struct{})
	for id, g := range s.Groups {
		for _, m := range g.Members {
			if m == principal {
				out[id] = struct{}{}
				break
			}
		}
	}
	return out
}

// GroupIDs returns group IDs in sorted order.
func (s *State) GroupIDs() []string {
	ids := make([]string, 0, len(s.Groups))
	for id := range s.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Principals returns every principal that appears as an explicit grant
// target, a group member or a root admin, sorted.
func (s *State) Principals() []string {
	seen := make(map[string]struct{})
	for _, a := range s.RootAdmins {
		seen[a] = struct{}{}
	}
	for _, g := range s.Groups {
		for _, m := range g.Members {
			seen[m] = struct{}{}
		}
	}
	for _, g := range s.Grants {
		if g.Target.Type == TargetPrincipal {
			seen[g.Target.ID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *State) next() int {
	s.seq++
	return s.seq
}
