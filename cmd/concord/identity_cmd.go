package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/identity"
	"github.com/samternent/concord/pkg/ledger"
)

// runIdentityUpsertCmd implements `concord identity upsert`. The entry is
// authored by the principal it describes.
func runIdentityUpsertCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("identity upsert", stdout, stderr).withLedger()
	ef := a.withEntryFlags()
	var (
		principal string
		author    string
		name      string
		ageFrom   string
		ages      stringList
	)
	a.fs.StringVar(&principal, "principal", "", "Principal ID (REQUIRED)")
	a.fs.StringVar(&author, "author", "", "Entry author; must equal --principal")
	a.fs.StringVar(&name, "name", "", "Display name")
	a.fs.Var(&ages, "age", "Age recipient (repeatable or comma-separated)")
	a.fs.StringVar(&ageFrom, "age-from", "", "Add the age recipient of this key label")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if principal == "" {
		return a.usage("--principal is required")
	}
	if author != "" && author != principal {
		return a.fail(codes.New(codes.CodeAuthorMismatch, "Author must match principalId"))
	}
	if ageFrom != "" {
		ks, err := a.keyStore()
		if err != nil {
			return a.fail(err)
		}
		id, err := ks.AgeIdentity(ageFrom)
		if err != nil {
			return a.fail(err)
		}
		ages = append(ages, id.Recipient().String())
	}

	e, err := identity.NewUpsertEntry(identity.UpsertPayload{
		PrincipalID:   principal,
		DisplayName:   name,
		AgeRecipients: ages,
	}, ledger.Now())
	if err != nil {
		return a.fail(err)
	}
	return a.finishEntry(e, ef, func(l *ledger.Ledger) error {
		_, err := identity.Replay(l)
		return err
	}, nil)
}

// runIdentityShowCmd implements `concord identity show`.
func runIdentityShowCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("identity show", stdout, stderr).withLedger()
	var principal string
	a.fs.StringVar(&principal, "principal", "", "Principal ID (REQUIRED)")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if principal == "" {
		return a.usage("--principal is required")
	}
	state, code, ok := a.replayIdentity()
	if !ok {
		return code
	}
	rec := state.Principal(principal)
	if rec == nil {
		return a.usage("principal %s not found", principal)
	}
	a.emit(rec, func(w io.Writer) { printIdentity(w, rec) })
	return exitOK
}

// runIdentityListCmd implements `concord identity list`.
func runIdentityListCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("identity list", stdout, stderr).withLedger()
	if code, ok := a.parse(args); !ok {
		return code
	}
	state, code, ok := a.replayIdentity()
	if !ok {
		return code
	}
	ids := sortedKeys(state.Principals)
	records := make([]*identity.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, state.Principals[id])
	}
	a.emit(records, func(w io.Writer) {
		if len(records) == 0 {
			fmt.Fprintln(w, "No principals.")
			return
		}
		for _, rec := range records {
			printIdentity(w, rec)
		}
	})
	return exitOK
}

func (a *app) replayIdentity() (*identity.State, int, bool) {
	l, err := a.loadLedger()
	if err != nil {
		return nil, a.failWith(err, exitProtocol), false
	}
	state, err := identity.Replay(l)
	if err != nil {
		return nil, a.fail(err), false
	}
	return state, exitOK, true
}

func printIdentity(w io.Writer, rec *identity.Record) {
	name := rec.DisplayName
	if name == "" {
		name = "-"
	}
	fmt.Fprintf(w, "%s  %s  updated %s\n", rec.PrincipalID, name, rec.UpdatedAt)
	if len(rec.AgeRecipients) > 0 {
		fmt.Fprintf(w, "  age: %s\n", strings.Join(rec.AgeRecipients, ", "))
	}
}
