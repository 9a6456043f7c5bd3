package encryption

import (
	"time"

	"github.com/samternent/concord/pkg/identity"
	"github.com/samternent/concord/pkg/permissions"
)

// Reasons reported by ExplainWhyCannotDecrypt.
const (
	ReasonMissingIdentity   = "missing identity"
	ReasonMissingRecipients = "missing age recipients"
	ReasonMissingRead       = "missing read capability"
	ReasonMissingWrap       = "missing wrap for principal"
)

// ResolutionContext supplies optional dependency state. Checks whose state
// is nil are treated as satisfied.
type ResolutionContext struct {
	Permissions *permissions.State
	Identity    *identity.State
	Now         time.Time
}

// Diagnostics explains whether a principal can decrypt at (scope, epoch).
type Diagnostics struct {
	OK           bool     `json:"ok"`
	Reasons      []string `json:"reasons"`
	HasIdentity  bool     `json:"hasIdentity"`
	HasWrap      bool     `json:"hasWrap"`
	HasRecipient bool     `json:"hasRecipient"`
	HasRead      bool     `json:"hasRead"`
}

// ExplainWhyCannotDecrypt evaluates every decryptability condition and
// lists the ones that fail.
func (s *State) ExplainWhyCannotDecrypt(principal, scope string, epoch int, ctx ResolutionContext) Diagnostics {
	d := Diagnostics{Reasons: []string{}, HasIdentity: true, HasRecipient: true, HasRead: true}

	if ctx.Identity != nil {
		d.HasIdentity = ctx.Identity.Principal(principal) != nil
		if !d.HasIdentity {
			d.Reasons = append(d.Reasons, ReasonMissingIdentity)
		}
		d.HasRecipient = len(ctx.Identity.AgeRecipients(principal)) > 0
		if !d.HasRecipient {
			d.Reasons = append(d.Reasons, ReasonMissingRecipients)
		}
	}
	if ctx.Permissions != nil {
		d.HasRead = ctx.Permissions.HasCap(principal, scope, permissions.CapRead, ctx.Now)
		if !d.HasRead {
			d.Reasons = append(d.Reasons, ReasonMissingRead)
		}
	}
	d.HasWrap = len(s.WrapsFor(principal, scope, epoch)) > 0
	if !d.HasWrap {
		d.Reasons = append(d.Reasons, ReasonMissingWrap)
	}
	d.OK = d.HasIdentity && d.HasWrap && d.HasRecipient && d.HasRead
	return d
}
