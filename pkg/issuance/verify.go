package issuance

import (
	"fmt"
	"sort"

	"github.com/samternent/concord/pkg/canonicalize"
	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/crypto"
	"github.com/samternent/concord/pkg/ledger"
)

// Fields a verification can fail on.
const (
	FieldServerCommit       = "server-commit"
	FieldClientNonceHash    = "client-nonce-hash"
	FieldKitHash            = "kit-hash"
	FieldThemeHash          = "theme-hash"
	FieldPackSeed           = "pack-seed"
	FieldItemHashes         = "item-hashes"
	FieldPackRoot           = "pack-root"
	FieldContentsCommitment = "contents-commitment"
	FieldPackID             = "pack-id"
)

// VerifyInput is a signed pack.issued entry plus the kit it claims to be
// generated from.
type VerifyInput struct {
	Entry *ledger.Entry
	Kit   *Kit
	// TrustedKeys maps issuer key ids to PEM public keys. When nil the
	// signature is not checked.
	TrustedKeys map[string]string
}

// VerifyResult reports the first failed check. Field is set for content
// mismatches; Reason is always set when OK is false.
type VerifyResult struct {
	OK       bool           `json:"ok"`
	PackID   string         `json:"packId,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Field    string         `json:"field,omitempty"`
	Expected string         `json:"expected,omitempty"`
	Actual   string         `json:"actual,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Err converts a failed result into a PACK_VERIFICATION_FAILED error.
func (r VerifyResult) Err() error {
	if r.OK {
		return nil
	}
	e := codes.Newf(codes.CodePackVerification, "pack verification failed: %s", r.Reason).With("reason", r.Reason)
	if r.Field != "" {
		e = e.With("field", r.Field)
	}
	return e
}

func fail(reason string, details map[string]any) VerifyResult {
	return VerifyResult{Reason: reason, Details: details}
}

func mismatch(field, expected, actual string) VerifyResult {
	return VerifyResult{Reason: field + "-mismatch", Field: field, Expected: expected, Actual: actual}
}

// VerifyPack independently regenerates a pack from its revealed inputs and
// compares every derived value with the signed payload.
func VerifyPack(in VerifyInput) VerifyResult {
	e := in.Entry
	if e == nil || e.Kind != KindIssued {
		return fail("not-a-pack-entry", nil)
	}
	var p IssuedPayload
	if err := e.DecodePayload(&p); err != nil || p.Type != KindIssued {
		return fail("malformed-payload", map[string]any{"error": fmt.Sprint(err)})
	}
	if p.PackID == "" {
		return fail("missing-pack-id", nil)
	}
	if len(p.ItemHashes) == 0 {
		return fail("missing-item-hashes", map[string]any{"packId": p.PackID})
	}
	if err := CheckAlgoVersion(p.AlgoVersion); err != nil {
		return fail("algo-version-unsupported", map[string]any{"algoVersion": p.AlgoVersion})
	}
	if in.Kit == nil {
		return fail("missing-kit", map[string]any{"seriesId": p.SeriesID})
	}

	if got, err := canonicalize.CanonicalHash(p.ServerSecret); err != nil || got != p.ServerCommit {
		return mismatch(FieldServerCommit, p.ServerCommit, got)
	}
	if got, err := NonceHash(p.ClientNonce); err != nil || got != p.ClientNonceHash {
		return mismatch(FieldClientNonceHash, p.ClientNonceHash, got)
	}

	built, err := Build(BuildParams{
		ServerSecret:  p.ServerSecret,
		ClientNonce:   p.ClientNonce,
		PackRequestID: p.PackRequestID,
		SeriesID:      p.SeriesID,
		ThemeID:       p.ThemeID,
		Count:         p.Count,
		AlgoVersion:   p.AlgoVersion,
		Kit:           in.Kit,
	})
	if err != nil {
		return fail("regenerate-failed", map[string]any{"error": err.Error()})
	}
	if built.KitHash != p.KitHash {
		return mismatch(FieldKitHash, p.KitHash, built.KitHash)
	}
	if built.ThemeHash != p.ThemeHash {
		return mismatch(FieldThemeHash, p.ThemeHash, built.ThemeHash)
	}
	if built.PackSeed != p.PackSeed {
		return mismatch(FieldPackSeed, p.PackSeed, built.PackSeed)
	}
	if len(built.Digest.ItemHashes) != len(p.ItemHashes) {
		r := mismatch(FieldItemHashes, fmt.Sprint(len(p.ItemHashes)), fmt.Sprint(len(built.Digest.ItemHashes)))
		r.Details = map[string]any{"lengthMismatch": true}
		return r
	}
	for i, h := range built.Digest.ItemHashes {
		if h != p.ItemHashes[i] {
			r := mismatch(FieldItemHashes, p.ItemHashes[i], h)
			r.Details = map[string]any{"index": i}
			return r
		}
	}
	if built.Digest.PackRoot != p.PackRoot {
		return mismatch(FieldPackRoot, p.PackRoot, built.Digest.PackRoot)
	}
	if built.Digest.ContentsCommitment != p.ContentsCommitment {
		return mismatch(FieldContentsCommitment, p.ContentsCommitment, built.Digest.ContentsCommitment)
	}
	if got, err := PackID(p.PackRequestID, built.Digest.PackRoot); err != nil || got != p.PackID {
		return mismatch(FieldPackID, p.PackID, got)
	}

	if in.TrustedKeys != nil {
		if p.IssuerKeyID == "" {
			return fail("missing-issuer-key-id", map[string]any{"packId": p.PackID})
		}
		pem, ok := in.TrustedKeys[p.IssuerKeyID]
		if !ok {
			ids := make([]string, 0, len(in.TrustedKeys))
			for id := range in.TrustedKeys {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return fail("issuer-key-not-trusted", map[string]any{"issuerKeyId": p.IssuerKeyID, "trustedKeyIds": ids})
		}
		valid, err := crypto.VerifyEntry(e, pem)
		if err != nil || !valid {
			return fail("signature-invalid", map[string]any{"issuerKeyId": p.IssuerKeyID})
		}
	}
	return VerifyResult{OK: true, PackID: p.PackID}
}
