package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"filippo.io/age"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/encryption"
	"github.com/samternent/concord/pkg/identity"
	"github.com/samternent/concord/pkg/ledger"
	"github.com/samternent/concord/pkg/permissions"
)

// DefaultEncryptedKind is the entry kind used by `enc encrypt` unless
// --kind is given.
const DefaultEncryptedKind = "enc.record"

// encStates is every replayed state the encryption commands consult.
type encStates struct {
	ledger *ledger.Ledger
	perms  *permissions.State
	ids    *identity.State
	enc    *encryption.State
}

func (a *app) replayEncryption() (*encStates, int, bool) {
	l, err := a.loadLedger()
	if err != nil {
		return nil, a.failWith(err, exitProtocol), false
	}
	cfg := a.project.Permissions()
	perms, err := permissions.Replay(l, cfg)
	if err != nil {
		return nil, a.fail(err), false
	}
	ids, err := identity.Replay(l)
	if err != nil {
		return nil, a.fail(err), false
	}
	enc, err := encryption.Replay(l, encryption.ReplayConfig{Permissions: cfg})
	if err != nil {
		return nil, a.fail(err), false
	}
	return &encStates{ledger: l, perms: perms, ids: ids, enc: enc}, exitOK, true
}

func (a *app) checkEncryption() func(*ledger.Ledger) error {
	cfg := encryption.ReplayConfig{Permissions: a.project.Permissions()}
	return func(l *ledger.Ledger) error {
		_, err := encryption.Replay(l, cfg)
		return err
	}
}

func (a *app) ageIdentity(label string) (*age.X25519Identity, error) {
	ks, err := a.keyStore()
	if err != nil {
		return nil, err
	}
	return ks.AgeIdentity(label)
}

// recoverEpochKey unwraps the epoch key of (scope, epoch) from principal's
// wraps, newest first.
func recoverEpochKey(st *encryption.State, principal, scope string, epoch int, id age.Identity) (*age.X25519Identity, error) {
	wraps := st.WrapsFor(principal, scope, epoch)
	if len(wraps) == 0 {
		return nil, codes.Newf(codes.CodeMissingWrap, "no wrap for %s at %s epoch %d", principal, scope, epoch)
	}
	var lastErr error
	for i := len(wraps) - 1; i >= 0; i-- {
		key, err := encryption.UnwrapEpochKey(wraps[i].Wrap, id)
		if err == nil {
			return key, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// runEncRotateCmd implements `concord enc rotate`.
//
// A fresh epoch key is wrapped to every principal holding read at the
// scope. Principals without age recipients are skipped with a warning.
func runEncRotateCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("enc rotate", stdout, stderr).withLedger()
	ef := a.withEntryFlags()
	var (
		scope string
		as    string
		note  string
	)
	a.fs.StringVar(&scope, "scope", "", "Scope (REQUIRED)")
	a.fs.StringVar(&as, "as", "", "Rotating principal; needs admin (REQUIRED)")
	a.fs.StringVar(&note, "note", "", "Rotation note")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if scope == "" || as == "" {
		return a.usage("--scope and --as are required")
	}
	st, code, ok := a.replayEncryption()
	if !ok {
		return code
	}
	if !st.perms.HasCap(as, scope, permissions.CapAdmin, time.Time{}) {
		return a.fail(codes.New(codes.CodeUnauthorizedRotate, "UNAUTHORIZED_ROTATE").With("principalId", as).With("scope", scope))
	}
	newEpoch := st.enc.Scope(scope).CurrentEpoch + 1
	key, err := encryption.NewEpochKey()
	if err != nil {
		return a.fail(err)
	}

	warnings := []string{}
	wraps := []encryption.RotateWrap{}
	for _, principal := range sortedKeys(st.ids.Principals) {
		if !st.perms.HasCap(principal, scope, permissions.CapRead, time.Time{}) {
			continue
		}
		recipients := st.ids.AgeRecipients(principal)
		if len(recipients) == 0 {
			warnings = append(warnings, "Missing age recipients for "+principal)
			continue
		}
		w, err := encryption.WrapEpochKey(key, recipients)
		if err != nil {
			return a.fail(err)
		}
		wraps = append(wraps, encryption.RotateWrap{PrincipalID: principal, Epoch: newEpoch, Wrap: w})
	}
	for _, w := range warnings {
		a.warn("%s", w)
	}

	e, err := encryption.NewRotateEntry(as, ledger.Now(), encryption.RotatePayload{
		Scope:    scope,
		NewEpoch: newEpoch,
		Wraps:    wraps,
		Note:     note,
	})
	if err != nil {
		return a.fail(err)
	}
	return a.finishEntry(e, ef, a.checkEncryption(), map[string]any{"newEpoch": newEpoch, "warnings": warnings})
}

// runEncWrapCmd implements `concord enc wrap`: publish the epoch key of
// (scope, epoch) to another principal. The author's own wrap is opened
// with the age identity of --key.
func runEncWrapCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("enc wrap", stdout, stderr).withLedger()
	ef := a.withEntryFlags()
	var (
		scope    string
		epoch    int
		to       string
		as       string
		keyLabel string
		ages     stringList
	)
	a.fs.StringVar(&scope, "scope", "", "Scope (REQUIRED)")
	a.fs.IntVar(&epoch, "epoch", 0, "Epoch (default the scope's current epoch)")
	a.fs.StringVar(&to, "to", "", "Principal receiving the wrap (REQUIRED)")
	a.fs.StringVar(&as, "as", "", "Publishing principal; needs grant or admin (REQUIRED)")
	a.fs.StringVar(&keyLabel, "key", "", "Key label holding the author's age identity (default --as)")
	a.fs.Var(&ages, "age", "Override the target's age recipients (repeatable)")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if scope == "" || to == "" || as == "" {
		return a.usage("--scope, --to and --as are required")
	}
	if keyLabel == "" {
		keyLabel = as
	}
	st, code, ok := a.replayEncryption()
	if !ok {
		return code
	}
	if epoch == 0 {
		epoch = st.enc.Scope(scope).CurrentEpoch
	}
	if !st.perms.HasCap(as, scope, permissions.CapGrant, time.Time{}) && !st.perms.HasCap(as, scope, permissions.CapAdmin, time.Time{}) {
		return a.fail(codes.New(codes.CodeUnauthorizedWrap, "UNAUTHORIZED_WRAP").With("principalId", as).With("scope", scope))
	}
	if !st.perms.HasCap(to, scope, permissions.CapRead, time.Time{}) {
		return a.fail(codes.New(codes.CodeIneligibleTarget, "INELIGIBLE_TARGET").With("principalId", to).With("scope", scope))
	}
	recipients := []string(ages)
	if len(recipients) == 0 {
		recipients = st.ids.AgeRecipients(to)
	}
	if len(recipients) == 0 {
		return a.fail(codes.New(codes.CodeMissingRecipients, "Missing age recipients").With("principalId", to))
	}

	id, err := a.ageIdentity(keyLabel)
	if err != nil {
		return a.fail(err)
	}
	key, err := recoverEpochKey(st.enc, as, scope, epoch, id)
	if err != nil {
		return a.fail(err)
	}
	w, err := encryption.WrapEpochKey(key, recipients)
	if err != nil {
		return a.fail(err)
	}
	e, err := encryption.NewPublishEntry(as, ledger.Now(), encryption.PublishPayload{
		Scope:       scope,
		Epoch:       epoch,
		PrincipalID: to,
		Wrap:        w,
	})
	if err != nil {
		return a.fail(err)
	}
	return a.finishEntry(e, ef, a.checkEncryption(), nil)
}

// runEncEncryptCmd implements `concord enc encrypt`: seal plaintext to the
// scope's current epoch key as an entry authored by --as.
func runEncEncryptCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("enc encrypt", stdout, stderr).withLedger()
	ef := a.withEntryFlags()
	var (
		scope     string
		as        string
		keyLabel  string
		kind      string
		plaintext string
		in        string
	)
	a.fs.StringVar(&scope, "scope", "", "Scope (REQUIRED)")
	a.fs.StringVar(&as, "as", "", "Author; must hold a wrap for the current epoch (REQUIRED)")
	a.fs.StringVar(&keyLabel, "key", "", "Key label holding the author's age identity (default --as)")
	a.fs.StringVar(&kind, "kind", DefaultEncryptedKind, "Entry kind")
	a.fs.StringVar(&plaintext, "plaintext", "", "Plaintext to encrypt")
	a.fs.StringVar(&in, "in", "", "Read plaintext from a file")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if scope == "" || as == "" {
		return a.usage("--scope and --as are required")
	}
	if keyLabel == "" {
		keyLabel = as
	}
	data := []byte(plaintext)
	if in != "" {
		b, err := os.ReadFile(in)
		if err != nil {
			return a.fail(err)
		}
		data = b
	}
	st, code, ok := a.replayEncryption()
	if !ok {
		return code
	}
	epoch := st.enc.Scope(scope).CurrentEpoch
	id, err := a.ageIdentity(keyLabel)
	if err != nil {
		return a.fail(err)
	}
	key, err := recoverEpochKey(st.enc, as, scope, epoch, id)
	if err != nil {
		return a.fail(err)
	}
	p, err := encryption.EncryptPayload(scope, epoch, key, data)
	if err != nil {
		return a.fail(err)
	}
	e, err := ledger.NewEntry(kind, as, ledger.Now(), p)
	if err != nil {
		return a.fail(err)
	}
	return a.finishEntry(e, ef, nil, map[string]any{"epoch": epoch})
}

// decryptCheck reports whether a principal can open one encrypted entry.
type decryptCheck struct {
	EntryID string   `json:"entryId"`
	Scope   string   `json:"scope"`
	Epoch   int      `json:"epoch"`
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons"`
}

// runEncDecryptCmd implements `concord enc decrypt`.
//
// Without --entry every encrypted entry is checked for decryptability and
// the command exits 4 if any cannot be opened. With --entry that entry is
// decrypted with the age identity of --key.
func runEncDecryptCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("enc decrypt", stdout, stderr).withLedger()
	var (
		as       string
		entryID  string
		keyLabel string
	)
	a.fs.StringVar(&as, "as", "", "Principal (REQUIRED)")
	a.fs.StringVar(&entryID, "entry", "", "Entry ID to decrypt")
	a.fs.StringVar(&keyLabel, "key", "", "Key label holding the principal's age identity (default --as)")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if as == "" {
		return a.usage("--as is required")
	}
	if keyLabel == "" {
		keyLabel = as
	}
	st, code, ok := a.replayEncryption()
	if !ok {
		return code
	}

	if entryID != "" {
		e, found := st.ledger.Entries[entryID]
		if !found {
			return a.failWith(codes.Newf(codes.CodeMissingEntry, "Missing entry %s", entryID), exitSemantic)
		}
		id, err := a.ageIdentity(keyLabel)
		if err != nil {
			return a.fail(err)
		}
		plain, err := st.enc.Open(e.Payload, as, id)
		if err != nil {
			return a.fail(err)
		}
		a.emit(map[string]any{"ok": true, "entryId": entryID, "plaintext": string(plain)}, func(w io.Writer) {
			_, _ = w.Write(plain)
			if len(plain) > 0 && plain[len(plain)-1] != '\n' {
				fmt.Fprintln(w)
			}
		})
		return exitOK
	}

	checks, err := decryptChecks(st, as)
	if err != nil {
		return a.fail(err)
	}
	allOK := true
	for _, c := range checks {
		allOK = allOK && c.OK
	}
	a.emit(map[string]any{"ok": allOK, "results": checks}, func(w io.Writer) {
		if len(checks) == 0 {
			fmt.Fprintln(w, "No encrypted entries.")
		}
		for _, c := range checks {
			status := "ok"
			if !c.OK {
				status = fmt.Sprintf("cannot decrypt: %v", c.Reasons)
			}
			fmt.Fprintf(w, "%s  %s@%d  %s\n", c.EntryID, c.Scope, c.Epoch, status)
		}
	})
	if !allOK {
		return exitEncryption
	}
	return exitOK
}

func decryptChecks(st *encStates, principal string) ([]decryptCheck, error) {
	ids, err := st.ledger.ReplayEntryIDs()
	if err != nil {
		return nil, err
	}
	ctx := encryption.ResolutionContext{Permissions: st.perms, Identity: st.ids, Now: time.Now()}
	checks := []decryptCheck{}
	for _, id := range ids {
		e := st.ledger.Entries[id]
		if e == nil || len(e.Payload) == 0 {
			continue
		}
		p, err := encryption.DecodePayload(e.Payload)
		if err != nil {
			continue
		}
		d := st.enc.ExplainWhyCannotDecrypt(principal, p.Scope, p.Epoch, ctx)
		checks = append(checks, decryptCheck{EntryID: id, Scope: p.Scope, Epoch: p.Epoch, OK: d.OK, Reasons: d.Reasons})
	}
	return checks, nil
}
