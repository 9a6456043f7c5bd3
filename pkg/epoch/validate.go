package epoch

import (
	"fmt"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/ledger"
)

// Issue is one epoch validation failure.
type Issue struct {
	Code     codes.Code `json:"code"`
	Message  string     `json:"message"`
	CommitID string     `json:"commitId,omitempty"`
	EntryID  string     `json:"entryId,omitempty"`
}

// Result is the outcome of Validate. LegacyPlacement marks ledgers whose
// genesis commit lacks an epoch although epochs exist elsewhere.
type Result struct {
	OK              bool    `json:"ok"`
	Errors          []Issue `json:"errors"`
	LegacyPlacement bool    `json:"legacyEpochPlacement"`
}

// Err returns the first issue as a coded error, or nil.
func (r Result) Err() error {
	if r.OK || len(r.Errors) == 0 {
		return nil
	}
	first := r.Errors[0]
	err := codes.New(first.Code, first.Message)
	if first.CommitID != "" {
		err = err.With("commitId", first.CommitID)
	}
	if first.EntryID != "" {
		err = err.With("entryId", first.EntryID)
	}
	return err
}

// SignatureVerifier checks an epoch entry's signature.
type SignatureVerifier func(e *ledger.Entry) (bool, error)

type options struct {
	verify SignatureVerifier
}

// Option configures Validate and Active.
type Option func(*options)

// WithSignatureVerifier enables per-entry signature checks.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(o *options) { o.verify = v }
}

func entryAfterCommit(entryTS, commitTS string) bool {
	et, ok1 := ledger.ParseTimestamp(entryTS)
	ct, ok2 := ledger.ParseTimestamp(commitTS)
	if !ok1 || !ok2 {
		return false
	}
	return et.After(ct)
}

// Validate replays the commit chain and checks every epoch invariant. The
// returned error is non-nil only when the commit chain itself is broken.
func Validate(l *ledger.Ledger, opts ...Option) (Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	chain, err := l.CommitChain()
	if err != nil {
		return Result{}, err
	}
	genesisID := chain[0]

	var issues []Issue
	add := func(code codes.Code, msg, commitID, entryID string) {
		issues = append(issues, Issue{Code: code, Message: msg, CommitID: commitID, EntryID: entryID})
	}

	for _, cid := range chain {
		c := l.Commits[cid]
		for _, eid := range c.Entries {
			if e := l.Entries[eid]; e != nil && entryAfterCommit(e.Timestamp, c.Timestamp) {
				add(codes.CodeEntryTimestamp, "Entry timestamp must be on or before its commit timestamp.", cid, eid)
			}
		}
	}

	totalEpochs := 0
	for _, e := range l.Entries {
		if IsEpochEntry(e) {
			totalEpochs++
		}
	}
	genesisEpochs := 0
	for _, eid := range l.Commits[genesisID].Entries {
		if IsEpochEntry(l.Entries[eid]) {
			genesisEpochs++
		}
	}

	legacy := false
	switch {
	case genesisEpochs == 0:
		add(codes.CodeEpochGenesisMissing, "Genesis commit must include exactly one epoch entry.", genesisID, "")
		legacy = totalEpochs > 0
	case genesisEpochs > 1:
		add(codes.CodeEpochGenesisMultiple, "Genesis commit must include exactly one epoch entry.", genesisID, "")
	}

	lastEpochID := ""
	prevNullCount := 0
	for _, cid := range chain {
		for _, eid := range l.Commits[cid].Entries {
			e := l.Entries[eid]
			if !IsEpochEntry(e) {
				continue
			}
			p, err := parse(e)
			if err != nil {
				add(codes.CodeEpochInvalidPayload, fmt.Sprintf("Epoch payload is malformed: %v", err), cid, eid)
				continue
			}
			isGenesis := cid == genesisID

			if p.prev == prevNull {
				prevNullCount++
				if !isGenesis {
					add(codes.CodeEpochPrevNullOutside, "Epoch prevEpochId must not be null outside genesis.", cid, eid)
				}
			}
			if isGenesis && p.prev != prevNull {
				add(codes.CodeEpochChainBroken, "Genesis epoch must have prevEpochId null.", cid, eid)
			}
			if lastEpochID != "" && p.Prev() != lastEpochID {
				add(codes.CodeEpochChainBroken, "Epoch prevEpochId must equal the previous epochId.", cid, eid)
			}
			if lastEpochID == "" && !isGenesis && p.Prev() != "" {
				legacy = true
			}

			signerKeyID := DeriveSignerKeyID(e.Author)
			if p.SignerKeyID != signerKeyID {
				add(codes.CodeSignerKeyIDMismatch, "Epoch signerKeyId does not match author identity.", cid, eid)
			}
			derived, err := DeriveEpochID(signerKeyID, p.EncryptionPublicKey, p.Prev(), p.CreatedAt)
			if err != nil || p.EpochID != derived {
				add(codes.CodeEpochIDMismatch, "EpochId does not match deterministic hash.", cid, eid)
			}
			if p.EncryptionKeyID != p.EpochID {
				add(codes.CodeEpochIDMismatch, "encryptionKeyId must equal epochId.", cid, eid)
			}
			if p.CreatedAt != e.Timestamp {
				add(codes.CodeEpochCreatedAtMismatch, "Epoch createdAt must equal entry timestamp.", cid, eid)
			}
			if o.verify != nil {
				ok, err := o.verify(e)
				switch {
				case err != nil:
					add(codes.CodeEpochSignatureInvalid, fmt.Sprintf("Epoch entry signature error: %v", err), cid, eid)
				case !ok:
					add(codes.CodeEpochSignatureInvalid, "Epoch entry signature invalid.", cid, eid)
				}
			}
			if p.EpochID != "" {
				lastEpochID = p.EpochID
			}
		}
	}

	if prevNullCount == 0 && totalEpochs > 0 {
		add(codes.CodeEpochChainBroken, "No genesis epoch found with prevEpochId null.", genesisID, "")
	}

	if issues == nil {
		issues = []Issue{}
	}
	return Result{OK: len(issues) == 0, Errors: issues, LegacyPlacement: legacy}, nil
}

// Active returns the last epoch in chain order after a successful
// validation. A failed validation is returned as a coded error.
func Active(l *ledger.Ledger, opts ...Option) (ChainItem, error) {
	res, err := Validate(l, opts...)
	if err != nil {
		return ChainItem{}, err
	}
	if err := res.Err(); err != nil {
		return ChainItem{}, err
	}
	items, err := Chain(l)
	if err != nil {
		return ChainItem{}, err
	}
	if len(items) == 0 {
		return ChainItem{}, codes.New(codes.CodeEpochGenesisMissing, "Genesis commit must include exactly one epoch entry.")
	}
	return items[len(items)-1], nil
}

// MigrationReason explains why a failed validation cannot be used as is.
// Legacy placement is reported as migratable with re-signing; anything else
// is a plain invariant failure. It returns nil for valid ledgers.
func MigrationReason(r Result) error {
	if r.OK {
		return nil
	}
	if r.LegacyPlacement {
		return codes.New(codes.CodeEpochLegacyPlacement, "Legacy ledger requires re-signing to move the first epoch into genesis.")
	}
	return codes.New(codes.CodeEpochChainBroken, "Ledger does not satisfy epoch invariants.")
}

// keyedPayloadFields mark payloads that must name an encryption key.
var keyedPayloadFields = []string{"permissionId", "encrypted", "secret"}

// ValidateEncryptionKeyIDs checks that every entry naming an
// encryptionKeyId references an epoch that appears earlier in the chain,
// and that payloads carrying encrypted material name one.
func ValidateEncryptionKeyIDs(l *ledger.Ledger) (Result, error) {
	known := make(map[string]struct{})
	var issues []Issue
	err := l.Walk(func(st ledger.Step) error {
		e := st.Entry
		if IsEpochEntry(e) {
			if p, err := parse(e); err == nil && p.EpochID != "" {
				known[p.EpochID] = struct{}{}
			}
		}
		obj, ok := e.PayloadObject()
		if !ok {
			return nil
		}
		requiresKey := false
		for _, f := range keyedPayloadFields {
			if _, present := obj[f]; present {
				requiresKey = true
				break
			}
		}
		keyID, _ := obj["encryptionKeyId"].(string)
		if requiresKey && keyID == "" {
			issues = append(issues, Issue{Code: codes.CodeEpochUnknownKey, Message: "Entry missing encryptionKeyId for encrypted payload.", CommitID: st.CommitID, EntryID: st.EntryID})
			return nil
		}
		if keyID != "" {
			if _, ok := known[keyID]; !ok {
				issues = append(issues, Issue{Code: codes.CodeEpochUnknownKey, Message: "Entry references unknown encryptionKeyId.", CommitID: st.CommitID, EntryID: st.EntryID})
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if issues == nil {
		issues = []Issue{}
	}
	return Result{OK: len(issues) == 0, Errors: issues}, nil
}
