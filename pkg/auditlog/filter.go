package auditlog

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/samternent/concord/pkg/crypto"
	"github.com/samternent/concord/pkg/workpool"
)

// Filter selects events with a CEL boolean expression over the variables
// kind, author, timestamp, entryId, segmentKey and payload, e.g.
//
//	kind == "pack.issued" && payload.seriesId == "s1"
type Filter struct {
	expr string
	prg  cel.Program
}

// CompileFilter compiles expr. An empty expression matches every event.
func CompileFilter(expr string) (*Filter, error) {
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("author", cel.StringType),
		cel.Variable("timestamp", cel.StringType),
		cel.Variable("entryId", cel.StringType),
		cel.Variable("segmentKey", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if ot := ast.OutputType(); !ot.IsExactType(cel.BoolType) && !ot.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter must be a boolean expression, got %v", ot)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// Match evaluates the filter against one event.
func (f *Filter) Match(rec EventRecord) (bool, error) {
	if f == nil || f.prg == nil {
		return true, nil
	}
	in := map[string]any{
		"kind":       "",
		"author":     "",
		"timestamp":  "",
		"entryId":    rec.EntryID,
		"segmentKey": rec.SegmentKey,
		"payload":    map[string]any{},
	}
	if e := rec.Entry; e != nil {
		in["kind"] = e.Kind
		in["author"] = e.Author
		in["timestamp"] = e.Timestamp
		if obj, ok := e.PayloadObject(); ok {
			in["payload"] = obj
		}
	}
	out, _, err := f.prg.Eval(in)
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q did not return a boolean", f.expr)
	}
	return match, nil
}

// Apply returns the records the filter matches, in order.
func (f *Filter) Apply(recs []EventRecord) ([]EventRecord, error) {
	out := make([]EventRecord, 0, len(recs))
	for _, r := range recs {
		ok, err := f.Match(r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Signature states reported by CheckSignatures.
const (
	SignatureVerified  = "verified"
	SignatureUntrusted = "untrusted-key"
	SignatureInvalid   = "invalid"
	SignatureUnsigned  = "unsigned"
	SignatureNoKeyID   = "no-issuer-key-id"
)

// SignatureCheck is the signature state of one event.
type SignatureCheck struct {
	EntryID     string `json:"entryId"`
	IssuerKeyID string `json:"issuerKeyId,omitempty"`
	Status      string `json:"status"`
}

// CheckSignatures verifies every record's signature against the issuer key
// named in its payload, using up to workers goroutines. Results follow the
// input order.
func CheckSignatures(ctx context.Context, recs []EventRecord, trusted map[string]string, workers int) ([]SignatureCheck, error) {
	return workpool.Map(ctx, recs, workers, func(_ context.Context, _ int, rec EventRecord) (SignatureCheck, error) {
		out := SignatureCheck{EntryID: rec.EntryID}
		e := rec.Entry
		if e == nil || e.Signature == nil {
			out.Status = SignatureUnsigned
			return out, nil
		}
		var ref packRef
		_ = e.DecodePayload(&ref)
		out.IssuerKeyID = ref.IssuerKeyID
		if ref.IssuerKeyID == "" {
			out.Status = SignatureNoKeyID
			return out, nil
		}
		pem, ok := trusted[ref.IssuerKeyID]
		if !ok {
			out.Status = SignatureUntrusted
			return out, nil
		}
		if valid, err := crypto.VerifyEntry(e, pem); err != nil || !valid {
			out.Status = SignatureInvalid
			return out, nil
		}
		out.Status = SignatureVerified
		return out, nil
	})
}
