package main

import (
	"context"
	"fmt"
	"io"

	"github.com/samternent/concord/pkg/auditlog"
	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/ledger"
	"github.com/samternent/concord/pkg/observability"
)

// withAudit opens the audit ledger and fails unless it is enabled.
func (a *app) withAudit(fn func(ctx context.Context, s *services) int) int {
	return a.withServices(nil, func(ctx context.Context, s *services) int {
		if s.audit.Disabled() {
			return a.fail(codes.New(codes.CodeLedgerDisabled, "audit ledger is disabled; configure LEDGER_BACKEND and its settings").
				With("backend", a.env.Ledger.Backend))
		}
		if err := s.audit.Init(ctx); err != nil {
			return a.fail(err)
		}
		return fn(ctx, s)
	})
}

// runAuditAppendCmd implements `concord audit append`: queue signed entries
// and drain them into segments before exiting.
func runAuditAppendCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("audit append", stdout, stderr)
	var paths stringList
	a.fs.Var(&paths, "entry", "Signed entry file (repeatable)")
	if code, ok := a.parse(args); !ok {
		return code
	}
	paths = append(paths, a.fs.Args()...)
	if len(paths) == 0 {
		return a.usage("at least one --entry is required")
	}
	entries := make([]*ledger.Entry, 0, len(paths))
	for _, p := range paths {
		e, err := readEntry(p)
		if err != nil {
			return a.fail(err)
		}
		entries = append(entries, e)
	}

	return a.withAudit(func(ctx context.Context, s *services) int {
		receipts := make([]auditlog.Receipt, 0, len(entries))
		for _, e := range entries {
			id, err := ledger.DeriveEntryID(e)
			if err != nil {
				return a.fail(err)
			}
			r, err := s.audit.AppendIssuedEntry(ctx, id, e)
			if err != nil {
				return a.fail(err)
			}
			receipts = append(receipts, r)
		}
		a.emit(map[string]any{"ok": true, "receipts": receipts}, func(w io.Writer) {
			for _, r := range receipts {
				fmt.Fprintf(w, "Appended %s\n", r.EntryID)
			}
		})
		return exitOK
	})
}

// runAuditFlushCmd implements `concord audit flush`: write any buffered
// events and print the checkpoint.
func runAuditFlushCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("audit flush", stdout, stderr)
	if code, ok := a.parse(args); !ok {
		return code
	}
	return a.withAudit(func(ctx context.Context, s *services) int {
		if err := s.audit.Close(ctx); err != nil {
			return a.fail(err)
		}
		cp, err := s.audit.Checkpoint(ctx)
		if err != nil {
			return a.fail(err)
		}
		a.emit(cp, func(w io.Writer) {
			fmt.Fprintf(w, "Checkpoint %s\n", auditlog.CheckpointKey(cp.Prefix))
			fmt.Fprintf(w, "  segments: %d\n", cp.SegmentCount)
			fmt.Fprintf(w, "  events:   %d\n", cp.TotalEvents)
			if cp.HeadSegmentKey != nil {
				fmt.Fprintf(w, "  head:     %s\n", *cp.HeadSegmentKey)
			}
		})
		return exitOK
	})
}

// runAuditProofCmd implements `concord audit proof`. A proof that fails a
// check exits 2; a checkpoint that cannot be read exits 3.
func runAuditProofCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("audit proof", stdout, stderr)
	var packID, segmentKey string
	a.fs.StringVar(&packID, "pack-id", "", "Pack ID (REQUIRED)")
	a.fs.StringVar(&segmentKey, "segment-key", "", "Segment key from the issue receipt (REQUIRED)")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if packID == "" || segmentKey == "" {
		return a.usage("--pack-id and --segment-key are required")
	}
	return a.withAudit(func(ctx context.Context, s *services) int {
		ctx, done := s.telemetry.TrackOperation(ctx, "audit.proof", observability.AuditOperation(s.audit.Prefix(), segmentKey)...)
		proof, err := s.audit.FetchReceiptProof(ctx, packID, segmentKey)
		done(err)
		if err != nil {
			return a.failWith(err, exitAuth)
		}
		a.emit(proof, func(w io.Writer) {
			if proof.OK {
				fmt.Fprintf(w, "Pack %s is recorded in %s\n", packID, proof.SegmentKey)
				if proof.ChainDepthFromHead != nil {
					fmt.Fprintf(w, "  depth from head: %d\n", *proof.ChainDepthFromHead)
				}
				return
			}
			fmt.Fprintf(w, "Proof failed: %s\n", proof.Reason)
			if proof.Message != "" {
				fmt.Fprintf(w, "  %s\n", proof.Message)
			}
		})
		if !proof.OK {
			return exitSemantic
		}
		return exitOK
	})
}

// runAuditEventsCmd implements `concord audit events`, newest segment first.
func runAuditEventsCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("audit events", stdout, stderr)
	var (
		limit      int
		filter     string
		signatures bool
		workers    int
	)
	a.fs.IntVar(&limit, "limit", 0, "Stop after this many events (0 for all)")
	a.fs.StringVar(&filter, "filter", "", "CEL expression over entryId, kind, author, payload and segmentKey")
	a.fs.BoolVar(&signatures, "check-signatures", false, "Verify each event against the trusted issuer keys")
	a.fs.IntVar(&workers, "workers", 4, "Signature check workers")
	if code, ok := a.parse(args); !ok {
		return code
	}
	var f *auditlog.Filter
	if filter != "" {
		var err error
		if f, err = auditlog.CompileFilter(filter); err != nil {
			return a.usage("--filter: %v", err)
		}
	}
	return a.withAudit(func(ctx context.Context, s *services) int {
		recs, err := s.audit.Events(ctx, limit)
		if err != nil {
			return a.fail(err)
		}
		if f != nil {
			if recs, err = f.Apply(recs); err != nil {
				return a.fail(err)
			}
		}
		if recs == nil {
			recs = []auditlog.EventRecord{}
		}
		out := map[string]any{"events": recs}
		var checks []auditlog.SignatureCheck
		if signatures {
			if checks, err = auditlog.CheckSignatures(ctx, recs, s.audit.TrustedKeys(), workers); err != nil {
				return a.fail(err)
			}
			out["signatures"] = checks
		}
		a.emit(out, func(w io.Writer) {
			if len(recs) == 0 {
				fmt.Fprintln(w, "No events.")
				return
			}
			for i, r := range recs {
				kind := ""
				if r.Entry != nil {
					kind = r.Entry.Kind
				}
				line := fmt.Sprintf("%s  %s  %s#%d", r.EntryID, kind, r.SegmentKey, r.Position)
				if signatures {
					line += "  " + checks[i].Status
				}
				fmt.Fprintln(w, line)
			}
		})
		return exitOK
	})
}
