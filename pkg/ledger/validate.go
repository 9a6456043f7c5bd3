package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samternent/concord/pkg/canonicalize"
	"github.com/samternent/concord/pkg/codes"
)

// ValidationResult collects human-readable problems. OK is true when there
// are none.
type ValidationResult struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors"`
}

func newResult(errs []string) ValidationResult {
	if errs == nil {
		errs = []string{}
	}
	return ValidationResult{OK: len(errs) == 0, Errors: errs}
}

// Err converts a failed result into a coded error. It returns nil for OK
// results.
func (r ValidationResult) Err(code codes.Code) error {
	if r.OK {
		return nil
	}
	return codes.New(code, strings.Join(r.Errors, "; "))
}

// ValidateEntry checks entry shape and canonicalizability.
func ValidateEntry(e *Entry) ValidationResult {
	if e == nil {
		return newResult([]string{"Entry must be an object"})
	}
	var errs []string
	if e.Kind == "" {
		errs = append(errs, "Entry.kind must be a non-empty string")
	}
	if e.Timestamp == "" {
		errs = append(errs, "Entry.timestamp must be a non-empty string")
	}
	if e.Author == "" {
		errs = append(errs, "Entry.author must be a non-empty string")
	}
	if _, err := canonicalize.JCS(e.Core()); err != nil {
		errs = append(errs, err.Error())
	}
	return newResult(errs)
}

// ValidateCommit checks commit shape without dereferencing ledger state.
func ValidateCommit(c *Commit) ValidationResult {
	if c == nil {
		return newResult([]string{"Commit must be an object"})
	}
	var errs []string
	if c.Parent != nil && *c.Parent == "" {
		errs = append(errs, "Commit.parent must be a non-empty string or null")
	}
	if c.Timestamp == "" {
		errs = append(errs, "Commit.timestamp must be a non-empty string")
	}
	if c.Entries == nil {
		errs = append(errs, "Commit.entries must be an array")
	}
	return newResult(errs)
}

type validateConfig struct {
	strictSpec bool
}

// ValidateOption configures ValidateLedger.
type ValidateOption func(*validateConfig)

// WithStrictSpec controls whether genesis metadata.spec must equal
// ProtocolSpec. Strict is the default.
func WithStrictSpec(strict bool) ValidateOption {
	return func(c *validateConfig) { c.strictSpec = strict }
}

// ValidateLedger checks container structure, the commit chain, genesis
// invariants, and every stored commit and entry.
func ValidateLedger(l *Ledger, opts ...ValidateOption) ValidationResult {
	cfg := validateConfig{strictSpec: true}
	for _, o := range opts {
		o(&cfg)
	}
	if l == nil {
		return newResult([]string{"Ledger must be an object"})
	}

	var errs []string
	if l.Format != Format {
		errs = append(errs, fmt.Sprintf("Ledger.format must be %q", Format))
	}
	if l.Version != Version {
		errs = append(errs, fmt.Sprintf("Ledger.version must be %q", Version))
	}
	if l.Commits == nil {
		errs = append(errs, "Ledger.commits must be an object")
	}
	if l.Entries == nil {
		errs = append(errs, "Ledger.entries must be an object")
	}
	if len(errs) > 0 {
		return newResult(errs)
	}

	if _, ok := l.Commits[l.Head]; !ok {
		errs = append(errs, fmt.Sprintf("Ledger head %s does not exist in commits", l.Head))
	}
	chain, err := l.CommitChain()
	if err != nil {
		var ce *codes.Error
		if errors.As(err, &ce) {
			errs = append(errs, ce.Message)
		} else {
			errs = append(errs, "Ledger commit chain is invalid")
		}
	} else {
		errs = append(errs, validateGenesis(l.Commits[chain[0]], cfg)...)
	}

	commitIDs := make([]string, 0, len(l.Commits))
	for id := range l.Commits {
		commitIDs = append(commitIDs, id)
	}
	sort.Strings(commitIDs)
	for _, id := range commitIDs {
		c := l.Commits[id]
		for _, msg := range ValidateCommit(c).Errors {
			errs = append(errs, fmt.Sprintf("Commit %s: %s", id, msg))
		}
		if c == nil {
			continue
		}
		for _, eid := range c.Entries {
			if _, ok := l.Entries[eid]; !ok {
				errs = append(errs, fmt.Sprintf("Commit %s references missing entry %s", id, eid))
			}
		}
	}

	entryIDs := make([]string, 0, len(l.Entries))
	for id := range l.Entries {
		entryIDs = append(entryIDs, id)
	}
	sort.Strings(entryIDs)
	for _, id := range entryIDs {
		for _, msg := range ValidateEntry(l.Entries[id]).Errors {
			errs = append(errs, fmt.Sprintf("Entry %s: %s", id, msg))
		}
	}

	return newResult(errs)
}

func validateGenesis(g *Commit, cfg validateConfig) []string {
	var errs []string
	if g.Parent != nil {
		errs = append(errs, "Genesis commit parent must be null")
	}
	if g.Entries == nil {
		errs = append(errs, "Genesis commit entries must be an array")
	}
	if g.Metadata == nil {
		return append(errs, "Genesis commit metadata must be an object")
	}
	if v, ok := g.Metadata["genesis"].(bool); !ok || !v {
		errs = append(errs, "Genesis commit metadata.genesis must be true")
	}
	rawSpec, present := g.Metadata["spec"]
	switch spec, isString := rawSpec.(string); {
	case !present || rawSpec == nil || (isString && spec == ""):
		errs = append(errs, "Genesis commit metadata.spec is required")
	case !isString:
		errs = append(errs, "Genesis commit metadata.spec must be a string")
	case cfg.strictSpec && spec != ProtocolSpec:
		errs = append(errs, fmt.Sprintf("Genesis commit metadata.spec must be %q", ProtocolSpec))
	}
	return errs
}

// ProtocolError returns the first structural failure of l as a coded error,
// or nil when the container and chain are sound. It is the protocol-level
// gate used before any semantic replay.
func ProtocolError(l *Ledger, opts ...ValidateOption) error {
	if _, err := l.CommitChain(); err != nil {
		return err
	}
	res := ValidateLedger(l, opts...)
	if res.OK {
		return nil
	}
	code := codes.CodeInvalidLedger
	switch {
	case l.Format != Format:
		code = codes.CodeInvalidFormat
	case l.Version != Version:
		code = codes.CodeInvalidVersion
	}
	return res.Err(code)
}
