package ledger

import (
	"encoding/json"

	"github.com/samternent/concord/pkg/canonicalize"
)

// AssertionKind is the entry kind carrying assertions.
const AssertionKind = "assertions"

// AssertionSubject names what an assertion is about.
type AssertionSubject struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Assertion is a signed claim about a subject.
type Assertion struct {
	ID         string           `json:"id"`
	Subject    AssertionSubject `json:"subject"`
	Claim      string           `json:"claim"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	AssertedBy string           `json:"assertedBy"`
	AssertedAt int64            `json:"assertedAt"`
	Signature  string           `json:"signature"`
}

// AssertionCore is the signed view of an assertion (id and signature excluded).
type AssertionCore struct {
	Subject    AssertionSubject `json:"subject"`
	Claim      string           `json:"claim"`
	AssertedBy string           `json:"assertedBy"`
	AssertedAt int64            `json:"assertedAt"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// Core returns the signing view. An absent payload stays absent.
func (a *Assertion) Core() AssertionCore {
	return AssertionCore{
		Subject:    a.Subject,
		Claim:      a.Claim,
		AssertedBy: a.AssertedBy,
		AssertedAt: a.AssertedAt,
		Payload:    a.Payload,
	}
}

// SigningBytes returns the canonical signing payload.
func (a *Assertion) SigningBytes() ([]byte, error) {
	return canonicalize.JCS(a.Core())
}
