package main

import (
	"context"
	"fmt"
	"io"

	"github.com/samternent/concord/pkg/crypto"
	"github.com/samternent/concord/pkg/epoch"
	"github.com/samternent/concord/pkg/ledger"
)

// runEpochListCmd implements `concord epoch list`. Every stored epoch entry
// is listed, including ones a validating replay would reject.
func runEpochListCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("epoch list", stdout, stderr).withLedger()
	if code, ok := a.parse(args); !ok {
		return code
	}
	l, err := a.loadLedger()
	if err != nil {
		return a.failWith(err, exitProtocol)
	}
	view, err := epoch.List(l)
	if err != nil {
		return a.fail(err)
	}
	a.emit(view, func(w io.Writer) {
		if len(view.Epochs) == 0 {
			fmt.Fprintln(w, "No epochs.")
			return
		}
		for _, st := range view.Epochs {
			mark := "valid"
			if !st.Valid {
				mark = "invalid"
			}
			fmt.Fprintf(w, "%s  %s  %s  prev=%s\n", st.Record.EpochID, st.Record.CreatedAt, mark, orDash(st.Record.Prev()))
			for _, warning := range st.Warnings {
				fmt.Fprintf(w, "  warning: %s\n", warning)
			}
		}
		if view.Forked {
			fmt.Fprintf(w, "Forked: %d heads\n", len(view.Heads))
		}
	})
	return exitOK
}

// runEpochActiveCmd implements `concord epoch active`: validate the chain
// and print its last epoch.
func runEpochActiveCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("epoch active", stdout, stderr).withLedger()
	var signatures bool
	a.fs.BoolVar(&signatures, "signatures", false, "Verify epoch entry signatures")
	if code, ok := a.parse(args); !ok {
		return code
	}
	l, err := a.loadLedger()
	if err != nil {
		return a.failWith(err, exitProtocol)
	}
	var opts []epoch.Option
	if signatures {
		opts = append(opts, epoch.WithSignatureVerifier(crypto.VerifyEntryByAuthor))
	}
	item, err := epoch.Active(l, opts...)
	if err != nil {
		return a.fail(err)
	}
	a.emit(map[string]any{"entryId": item.EntryID, "commitId": item.CommitID, "record": item.Record}, func(w io.Writer) {
		fmt.Fprintf(w, "Active epoch: %s\n", item.Record.EpochID)
		fmt.Fprintf(w, "  created:   %s\n", item.Record.CreatedAt)
		fmt.Fprintf(w, "  recipient: %s\n", item.Record.EncryptionPublicKey)
		fmt.Fprintf(w, "  signer:    %s\n", item.Record.SignerKeyID)
	})
	return exitOK
}

// runEpochCreateCmd implements `concord epoch create`: append an epoch
// extending the current head, signed with the --as key.
func runEpochCreateCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("epoch create", stdout, stderr).withLedger()
	var (
		as        string
		recipient string
	)
	a.fs.StringVar(&as, "as", "", "Key label signing the epoch (REQUIRED)")
	a.fs.StringVar(&recipient, "recipient", "", "Age recipient of the new epoch (default the key label's identity)")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if as == "" {
		return a.usage("--as is required")
	}
	ks, err := a.keyStore()
	if err != nil {
		return a.fail(err)
	}
	s, err := ks.Signer(as)
	if err != nil {
		return a.fail(err)
	}
	if recipient == "" {
		id, err := ks.AgeIdentity(as)
		if err != nil {
			return a.fail(err)
		}
		recipient = id.Recipient().String()
	}

	var (
		rec epoch.Record
		cid string
	)
	err = ledger.NewFileStore(a.ledgerPath).Update(func(l *ledger.Ledger) error {
		r, c, err := epoch.Rotate(context.Background(), l, s, recipient, "")
		if err != nil {
			return err
		}
		rec, cid = r, c
		return nil
	})
	if err != nil {
		return a.fail(err)
	}
	a.logger.Info("epoch created", "epoch", rec.EpochID, "commit", cid)
	a.emit(map[string]any{"commitId": cid, "record": rec}, func(w io.Writer) {
		fmt.Fprintf(w, "Created epoch %s in %s\n", rec.EpochID, cid)
	})
	return exitOK
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
