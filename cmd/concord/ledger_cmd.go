package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/crypto"
	"github.com/samternent/concord/pkg/encryption"
	"github.com/samternent/concord/pkg/epoch"
	"github.com/samternent/concord/pkg/identity"
	"github.com/samternent/concord/pkg/ledger"
	"github.com/samternent/concord/pkg/permissions"
)

// runInitCmd implements `concord init`.
//
// With --epoch-as the genesis commit carries the first epoch, signed by
// that key and naming its age recipient.
func runInitCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("init", stdout, stderr)
	var (
		out       string
		metadata  string
		epochAs   string
		recipient string
		force     bool
	)
	a.fs.StringVar(&out, "out", "", "Ledger file to create (default "+defaultLedgerPath+")")
	a.fs.StringVar(&metadata, "metadata", "", "Genesis metadata as a JSON object")
	a.fs.StringVar(&epochAs, "epoch-as", "", "Key label that signs a genesis epoch")
	a.fs.StringVar(&recipient, "recipient", "", "Age recipient of the genesis epoch (default the key label's identity)")
	a.fs.BoolVar(&force, "force", false, "Overwrite an existing ledger")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if out == "" {
		out = a.project.Ledger
	}
	if out == "" {
		out = defaultLedgerPath
	}
	if _, err := os.Stat(out); err == nil && !force {
		return a.usage("%s already exists (use --force to overwrite)", out)
	}
	md, err := parseJSONObject(metadata, "metadata")
	if err != nil {
		return a.fail(err)
	}

	var l *ledger.Ledger
	var rec *epoch.Record
	if epochAs != "" {
		ks, err := a.keyStore()
		if err != nil {
			return a.fail(err)
		}
		s, err := ks.Signer(epochAs)
		if err != nil {
			return a.fail(err)
		}
		if recipient == "" {
			id, err := ks.AgeIdentity(epochAs)
			if err != nil {
				return a.fail(err)
			}
			recipient = id.Recipient().String()
		}
		created, r, err := epoch.NewLedger(context.Background(), s, recipient, md, "")
		if err != nil {
			return a.fail(err)
		}
		l, rec = created, &r
	} else {
		l, err = ledger.New(md, "")
		if err != nil {
			return a.fail(err)
		}
	}
	if err := ledger.WriteFile(out, l); err != nil {
		return a.fail(err)
	}
	a.logger.Info("ledger created", "ledger", out, "head", l.Head)

	result := map[string]any{"ok": true, "ledger": out, "head": l.Head}
	if rec != nil {
		result["epoch"] = rec
	}
	a.emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Created %s (head %s)\n", out, l.Head)
		if rec != nil {
			fmt.Fprintf(w, "Genesis epoch %s\n", rec.EpochID)
		}
	})
	return exitOK
}

// runKeygenCmd implements `concord keygen`. Existing keys are reused.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("keygen", stdout, stderr)
	var label string
	a.fs.StringVar(&label, "label", "", "Key label (REQUIRED)")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if label == "" {
		return a.usage("--label is required")
	}
	ks, err := a.keyStore()
	if err != nil {
		return a.fail(err)
	}
	s, err := ks.Signer(label)
	if err != nil {
		return a.fail(err)
	}
	id, err := ks.AgeIdentity(label)
	if err != nil {
		return a.fail(err)
	}
	result := map[string]any{
		"label":        label,
		"keyId":        s.KeyID(),
		"publicKeyPem": s.PublicKeyPEM(),
		"ageRecipient": id.Recipient().String(),
	}
	a.emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Label:         %s\n", label)
		fmt.Fprintf(w, "Key ID:        %s\n", s.KeyID())
		fmt.Fprintf(w, "Age recipient: %s\n", id.Recipient().String())
		fmt.Fprint(w, s.PublicKeyPEM())
	})
	return exitOK
}

// runEntryCreateCmd implements `concord entry create`. The entry is printed
// and optionally written to --out; it is not committed.
func runEntryCreateCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("entry create", stdout, stderr)
	var (
		kind        string
		author      string
		payload     string
		payloadFile string
		timestamp   string
		signAs      string
		out         string
	)
	a.fs.StringVar(&kind, "kind", "", "Entry kind (REQUIRED)")
	a.fs.StringVar(&author, "author", "", "Entry author (default the --sign-as public key)")
	a.fs.StringVar(&payload, "payload", "", "Payload JSON")
	a.fs.StringVar(&payloadFile, "payload-file", "", "Read the payload JSON from a file")
	a.fs.StringVar(&timestamp, "timestamp", "", "Entry timestamp (default now)")
	a.fs.StringVar(&signAs, "sign-as", "", "Key label to sign the entry with")
	a.fs.StringVar(&out, "out", "", "Also write the entry to this file")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if kind == "" {
		return a.usage("--kind is required")
	}
	if payloadFile != "" {
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return a.fail(err)
		}
		payload = string(data)
	}

	var s crypto.Signer
	if signAs != "" {
		signer, err := a.signer(signAs)
		if err != nil {
			return a.fail(err)
		}
		s = signer
		if author == "" {
			author = signer.PublicKeyPEM()
		}
	}
	if author == "" {
		return a.usage("--author or --sign-as is required")
	}

	var body any
	if strings.TrimSpace(payload) != "" {
		if !json.Valid([]byte(payload)) {
			return a.fail(codes.New(codes.CodeInvalidPayload, "--payload is not valid JSON"))
		}
		body = json.RawMessage(payload)
	}
	e, err := ledger.NewEntry(kind, author, timestamp, body)
	if err != nil {
		return a.fail(err)
	}
	if s != nil {
		if err := crypto.SignEntry(context.Background(), s, e); err != nil {
			return a.fail(err)
		}
	}
	if res := ledger.ValidateEntry(e); !res.OK {
		return a.fail(res.Err(codes.CodeInvalidEntry))
	}
	id, err := ledger.DeriveEntryID(e)
	if err != nil {
		return a.fail(err)
	}
	if out != "" {
		data, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			return a.fail(err)
		}
		if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
			return a.fail(err)
		}
	}
	a.emit(map[string]any{"entryId": id, "entry": e}, nil)
	return exitOK
}

// runAppendCmd implements `concord append`: one commit holding every
// --entry file, in flag order.
func runAppendCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("append", stdout, stderr).withLedger()
	var (
		files    stringList
		metadata string
	)
	a.fs.Var(&files, "entry", "Entry JSON file (repeatable)")
	a.fs.StringVar(&metadata, "metadata", "", "Commit metadata as a JSON object")
	if code, ok := a.parse(args); !ok {
		return code
	}
	files = append(files, a.fs.Args()...)
	if len(files) == 0 {
		return a.usage("at least one --entry is required")
	}
	md, err := parseJSONObject(metadata, "metadata")
	if err != nil {
		return a.fail(err)
	}
	entries := make([]*ledger.Entry, 0, len(files))
	for _, f := range files {
		e, err := readEntry(f)
		if err != nil {
			return a.fail(err)
		}
		entries = append(entries, e)
	}
	cid, ids, err := a.commitEntries(md, nil, entries...)
	if err != nil {
		return a.fail(err)
	}
	a.emit(map[string]any{"ok": true, "commitId": cid, "entryIds": ids}, func(w io.Writer) {
		fmt.Fprintf(w, "Committed %d entries as %s\n", len(ids), cid)
	})
	return exitOK
}

// verifyReport is the output of `concord verify`.
type verifyReport struct {
	OK         bool                 `json:"ok"`
	Ledger     string               `json:"ledger"`
	Head       string               `json:"head"`
	Commits    int                  `json:"commits"`
	Entries    int                  `json:"entries"`
	Semantic   bool                 `json:"semantic"`
	Epochs     *epoch.Result        `json:"epochs,omitempty"`
	Principals int                  `json:"principals,omitempty"`
	Warnings   []encryption.Warning `json:"warnings,omitempty"`
}

// runVerifyCmd implements `concord verify`.
//
// Exit codes:
//
//	0 = ledger valid
//	1 = protocol (structure) failure
//	2 = semantic failure
//	3 = authorization failure found during replay
//	4 = encryption failure found during replay
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("verify", stdout, stderr).withLedger()
	var (
		semantic   bool
		signatures bool
		lenient    bool
	)
	a.fs.BoolVar(&semantic, "semantic", false, "Also replay epochs, identity, permissions and encryption")
	a.fs.BoolVar(&signatures, "signatures", false, "Verify epoch entry signatures against their authors")
	a.fs.BoolVar(&lenient, "lenient-spec", false, "Accept genesis commits with a different protocol spec")
	if code, ok := a.parse(args); !ok {
		return code
	}
	l, err := a.loadLedger()
	if err != nil {
		return a.failWith(err, exitProtocol)
	}
	if err := ledger.ProtocolError(l, ledger.WithStrictSpec(!lenient)); err != nil {
		return a.failWith(err, exitProtocol)
	}
	chain, err := l.CommitChain()
	if err != nil {
		return a.failWith(err, exitProtocol)
	}
	report := verifyReport{OK: true, Ledger: a.ledgerPath, Head: l.Head, Commits: len(chain), Entries: len(l.Entries), Semantic: semantic}

	if semantic {
		if err := verifySemantic(a, l, signatures, &report); err != nil {
			return a.fail(err)
		}
	}
	a.emit(report, func(w io.Writer) {
		fmt.Fprintf(w, "OK %s (%d commits, %d entries)\n", a.ledgerPath, report.Commits, report.Entries)
		for _, warn := range report.Warnings {
			fmt.Fprintf(w, "  warning %s: %s %s\n", warn.Code, warn.Scope, warn.PrincipalID)
		}
	})
	return exitOK
}

func verifySemantic(a *app, l *ledger.Ledger, signatures bool, report *verifyReport) error {
	items, err := epoch.Chain(l)
	if err != nil {
		return err
	}
	if len(items) > 0 {
		var opts []epoch.Option
		if signatures {
			opts = append(opts, epoch.WithSignatureVerifier(crypto.VerifyEntryByAuthor))
		}
		res, err := epoch.Validate(l, opts...)
		if err != nil {
			return err
		}
		report.Epochs = &res
		if !res.OK {
			if reason := epoch.MigrationReason(res); reason != nil && res.LegacyPlacement {
				return reason
			}
			return res.Err()
		}
		keys, err := epoch.ValidateEncryptionKeyIDs(l)
		if err != nil {
			return err
		}
		if err := keys.Err(); err != nil {
			return err
		}
	}

	ids, err := identity.Replay(l)
	if err != nil {
		return err
	}
	report.Principals = len(ids.Principals)
	if _, err := permissions.Replay(l, a.project.Permissions()); err != nil {
		return err
	}
	enc, err := encryption.Replay(l, encryption.ReplayConfig{Permissions: a.project.Permissions()})
	if err != nil {
		return err
	}
	report.Warnings = enc.Warnings
	return nil
}

// inspectSummary is the output of `concord inspect`.
type inspectSummary struct {
	Ledger      string         `json:"ledger"`
	Format      string         `json:"format"`
	Version     string         `json:"version"`
	Head        string         `json:"head"`
	CommitCount int            `json:"commitCount"`
	EntryCount  int            `json:"entryCount"`
	EntryKinds  map[string]int `json:"entryKinds"`
	Chain       []string       `json:"chain"`
	EpochCount  int            `json:"epochCount"`
}

// runInspectCmd implements `concord inspect`. Counts cover replayed
// (non-genesis) entries.
func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("inspect", stdout, stderr).withLedger()
	if code, ok := a.parse(args); !ok {
		return code
	}
	l, err := a.loadLedger()
	if err != nil {
		return a.failWith(err, exitProtocol)
	}
	summary, err := inspect(l)
	if err != nil {
		return a.failWith(err, exitProtocol)
	}
	summary.Ledger = a.ledgerPath
	a.emit(summary, func(w io.Writer) {
		fmt.Fprintf(w, "Ledger:   %s (%s %s)\n", summary.Ledger, summary.Format, summary.Version)
		fmt.Fprintf(w, "Head:     %s\n", summary.Head)
		fmt.Fprintf(w, "Commits:  %d\n", summary.CommitCount)
		fmt.Fprintf(w, "Entries:  %d\n", summary.EntryCount)
		fmt.Fprintf(w, "Epochs:   %d\n", summary.EpochCount)
		for _, k := range sortedKeys(summary.EntryKinds) {
			fmt.Fprintf(w, "  %-24s %d\n", k, summary.EntryKinds[k])
		}
	})
	return exitOK
}

func inspect(l *ledger.Ledger) (*inspectSummary, error) {
	chain, err := l.CommitChain()
	if err != nil {
		return nil, err
	}
	entries, err := l.ReplayEntries()
	if err != nil {
		return nil, err
	}
	kinds := make(map[string]int)
	for _, e := range entries {
		kinds[e.Kind]++
	}
	items, err := epoch.Chain(l)
	if err != nil {
		return nil, err
	}
	return &inspectSummary{
		Format:      l.Format,
		Version:     l.Version,
		Head:        l.Head,
		CommitCount: len(chain),
		EntryCount:  len(entries),
		EntryKinds:  kinds,
		Chain:       chain,
		EpochCount:  len(items),
	}, nil
}
