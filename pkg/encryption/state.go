// Package encryption replays epoch rotations and wrap publications, and
// implements the age envelope used for epoch keys and encrypted payloads.
package encryption

import "github.com/samternent/concord/pkg/permissions"

// Wrap sources.
const (
	SourceRotate  = "rotate"
	SourcePublish = "publish"
)

// WrapBody is an epoch key encrypted to a set of age recipients.
type WrapBody struct {
	To []string `json:"to"`
	Ct string   `json:"ct"`
}

// WrapRecord is a replayed wrap for one (scope, epoch, principal).
type WrapRecord struct {
	Scope       string   `json:"scope"`
	Epoch       int      `json:"epoch"`
	PrincipalID string   `json:"principalId"`
	Wrap        WrapBody `json:"wrap"`
	PublishedBy string   `json:"publishedBy"`
	PublishedAt string   `json:"publishedAt"`
	Source      string   `json:"source"`
}

// ScopeState tracks the current epoch of a scope.
type ScopeState struct {
	CurrentEpoch int `json:"currentEpoch"`
}

// Warning is a non-fatal replay finding.
type Warning struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Scope       string `json:"scope,omitempty"`
	PrincipalID string `json:"principalId,omitempty"`
}

// State is the replayed encryption state.
type State struct {
	Scopes   map[string]ScopeState                      `json:"scopes"`
	Wraps    map[string]map[int]map[string][]WrapRecord `json:"wraps"`
	Warnings []Warning                                  `json:"warnings"`
}

// ReplayConfig carries dependency replay settings.
type ReplayConfig struct {
	Permissions permissions.ReplayConfig
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		Scopes:   make(map[string]ScopeState),
		Wraps:    make(map[string]map[int]map[string][]WrapRecord),
		Warnings: []Warning{},
	}
}

// Scope returns the state of scope. Unknown scopes start at epoch 1.
func (s *State) Scope(scope string) ScopeState {
	if st, ok := s.Scopes[scope]; ok {
		return st
	}
	return ScopeState{CurrentEpoch: 1}
}

func (s *State) addWrap(r WrapRecord) {
	epochs, ok := s.Wraps[r.Scope]
	if !ok {
		epochs = make(map[int]map[string][]WrapRecord)
		s.Wraps[r.Scope] = epochs
	}
	principals, ok := epochs[r.Epoch]
	if !ok {
		principals = make(map[string][]WrapRecord)
		epochs[r.Epoch] = principals
	}
	principals[r.PrincipalID] = append(principals[r.PrincipalID], r)
}

func (s *State) warn(w Warning) {
	s.Warnings = append(s.Warnings, w)
}

// WrapsFor returns a copy of the wraps recorded for principal at
// (scope, epoch).
func (s *State) WrapsFor(principal, scope string, epoch int) []WrapRecord {
	recs := s.Wraps[scope][epoch][principal]
	return append([]WrapRecord{}, recs...)
}
