package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/samternent/concord/pkg/auditlog"
	"github.com/samternent/concord/pkg/idempotency"
	"github.com/samternent/concord/pkg/issuance"
	"github.com/samternent/concord/pkg/observability"
)

// idempotencyScope namespaces keys submitted from the command line.
const idempotencyScope = "cli"

// withServices opens the pack services, runs fn, then drains the audit
// ledger and releases everything. A failed close is logged, not returned.
func (a *app) withServices(kits issuance.KitSource, fn func(ctx context.Context, s *services) int) int {
	ctx := context.Background()
	s, err := a.openServices(ctx, kits)
	if err != nil {
		return a.fail(err)
	}
	code := fn(ctx, s)
	if err := s.close(ctx); err != nil {
		a.logger.Error("close services", "error", err)
		if code == exitOK {
			return a.fail(err)
		}
	}
	return code
}

// runPackCommitCmd implements `concord pack commit`. Without --nonce or
// --nonce-hash a client nonce is generated and printed so the pack can be
// revealed later.
func runPackCommitCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("pack commit", stdout, stderr)
	var (
		req     issuance.Request
		nonce   string
		idemKey string
	)
	a.fs.StringVar(&req.SeriesID, "series", "", "Series ID (REQUIRED)")
	a.fs.StringVar(&req.ThemeID, "theme", "", "Theme ID (REQUIRED)")
	a.fs.IntVar(&req.Count, "count", 5, "Items in the pack")
	a.fs.StringVar(&req.IssuedTo, "issued-to", "", "Recipient of the pack (REQUIRED)")
	a.fs.StringVar(&req.PackType, "pack-type", issuance.PackTypeStandard, "Pack type: standard, weekly or gift")
	a.fs.StringVar(&req.UserKey, "user", "", "User key for weekly packs (default --issued-to)")
	a.fs.StringVar(&req.DropCycleID, "cycle", "", "Drop cycle (ISO week) for weekly packs")
	a.fs.StringVar(&req.PackRequestID, "request-id", "", "Pack request ID (default generated)")
	a.fs.StringVar(&req.ClientNonceHash, "nonce-hash", "", "Committed client nonce hash")
	a.fs.StringVar(&nonce, "nonce", "", "Client nonce; its hash is committed")
	a.fs.StringVar(&idemKey, "idempotency-key", "", "Run the commit at most once for this key")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if req.SeriesID == "" || req.ThemeID == "" || req.IssuedTo == "" {
		return a.usage("--series, --theme and --issued-to are required")
	}
	if nonce != "" && req.ClientNonceHash != "" {
		return a.usage("--nonce and --nonce-hash are mutually exclusive")
	}
	generated := false
	if nonce == "" && req.ClientNonceHash == "" {
		nonce, generated = uuid.NewString(), true
	}
	if nonce != "" {
		h, err := issuance.NonceHash(nonce)
		if err != nil {
			return a.fail(err)
		}
		req.ClientNonceHash = h
	}
	kits, err := a.kitSource("", "")
	if err != nil {
		return a.fail(err)
	}

	return a.withServices(kits, func(ctx context.Context, s *services) int {
		ctx, done := s.telemetry.TrackOperation(ctx, "pack.commit", observability.PackOperation(req.PackRequestID, "")...)
		result, replayed, err := a.commitPack(ctx, s, req, idemKey)
		done(err)
		if err != nil {
			return a.fail(err)
		}
		out := map[string]any{
			"packRequestId":   result.PackRequestID,
			"serverCommit":    result.ServerCommit,
			"clientNonceHash": result.ClientNonceHash,
			"entryId":         result.EntryID,
			"entry":           result.Entry,
		}
		if generated {
			out["clientNonce"] = nonce
		}
		if result.Reused {
			out["reused"] = true
		}
		if idemKey != "" {
			out["idempotencyKey"] = idemKey
			out["replayed"] = replayed
		}
		a.emit(out, func(w io.Writer) {
			fmt.Fprintf(w, "Committed pack request %s\n", result.PackRequestID)
			fmt.Fprintf(w, "  server commit: %s\n", result.ServerCommit)
			fmt.Fprintf(w, "  entry:         %s\n", result.EntryID)
			if generated {
				fmt.Fprintf(w, "  client nonce:  %s\n", nonce)
			}
			if replayed {
				fmt.Fprintln(w, "  (replayed from an earlier submission)")
			}
			if result.Reused {
				fmt.Fprintln(w, "  (weekly pack already issued for this cycle)")
			}
		})
		return exitOK
	})
}

// commitPack runs the commit directly, or through the idempotency executor
// when a key is given. The poller resubmits while another process holds
// the key in progress.
func (a *app) commitPack(ctx context.Context, s *services, req issuance.Request, idemKey string) (*issuance.CommitResult, bool, error) {
	if idemKey == "" {
		r, err := s.issuer.Commit(ctx, req)
		return r, false, err
	}
	exec, err := a.openIdempotency(ctx, s)
	if err != nil {
		return nil, false, err
	}
	key := idempotency.Key{Scope: idempotencyScope, Route: issuance.KindCommit, IdempotencyKey: idemKey}
	poller := idempotency.NewPoller(a.env.Idempotency.MaxAttempts)
	poller.Logger = a.logger
	res, err := poller.Run(ctx, func(ctx context.Context) (*idempotency.Result, error) {
		return exec.Do(ctx, key, req, func(ctx context.Context) (idempotency.Outcome, error) {
			r, err := s.issuer.Commit(ctx, req)
			if err != nil {
				return idempotency.Outcome{}, err
			}
			return idempotency.Outcome{HTTPStatus: 201, Body: r, EventID: r.EntryID}, nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	var r issuance.CommitResult
	if err := json.Unmarshal(res.Body, &r); err != nil {
		return nil, false, fmt.Errorf("decode stored commit: %w", err)
	}
	return &r, res.Replayed, nil
}

// runPackIssueCmd implements `concord pack issue`: reveal the nonce for a
// commitment, generate the pack and record the signed entry in the audit
// ledger.
func runPackIssueCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("pack issue", stdout, stderr)
	var (
		reveal       issuance.Reveal
		kitPath      string
		catalogueDir string
	)
	a.fs.StringVar(&reveal.PackRequestID, "request", "", "Pack request ID (REQUIRED)")
	a.fs.StringVar(&reveal.ClientNonce, "nonce", "", "Client nonce (REQUIRED)")
	a.fs.StringVar(&reveal.IssuedTo, "issued-to", "", "Expected recipient")
	a.fs.StringVar(&kitPath, "kit", "", "Kit file used for every series")
	a.fs.StringVar(&catalogueDir, "catalogue-dir", "", "Catalogue directory (default ISSUER_CATALOGUE_DIR)")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if reveal.PackRequestID == "" || reveal.ClientNonce == "" {
		return a.usage("--request and --nonce are required")
	}
	kits, err := a.kitSource(kitPath, catalogueDir)
	if err != nil {
		return a.fail(err)
	}

	return a.withServices(kits, func(ctx context.Context, s *services) int {
		if err := s.audit.Init(ctx); err != nil {
			return a.fail(err)
		}
		ctx, done := s.telemetry.TrackOperation(ctx, "pack.issue", observability.PackOperation(reveal.PackRequestID, "")...)
		issued, err := s.issuer.Issue(ctx, reveal)
		done(err)
		if err != nil {
			return a.fail(err)
		}
		a.emit(issued, func(w io.Writer) {
			fmt.Fprintf(w, "Issued pack %s (%d items)\n", issued.Payload.PackID, len(issued.Items))
			if issued.Reused {
				fmt.Fprintf(w, "  reused weekly claim for %s\n", issued.Payload.DropID)
			}
			fmt.Fprintf(w, "  entry: %s\n", issued.EntryID)
			for _, id := range issued.StickerIDs {
				fmt.Fprintf(w, "  sticker %s\n", id)
			}
			printReceipt(w, issued.Receipt)
		})
		return exitOK
	})
}

func printReceipt(w io.Writer, r *auditlog.Receipt) {
	switch {
	case r == nil:
	case r.Skipped:
		fmt.Fprintf(w, "  audit: skipped (%s)\n", r.Reason)
	case r.Persisted && r.SegmentKey != nil:
		fmt.Fprintf(w, "  audit: persisted in %s\n", *r.SegmentKey)
	case r.Queued:
		fmt.Fprintf(w, "  audit: queued (%d pending)\n", r.QueuedEvents)
	case r.Reason != "":
		fmt.Fprintf(w, "  audit: %s\n", r.Reason)
	}
}

// runPackVerifyCmd implements `concord pack verify`: regenerate a pack from
// its signed pack.issued entry and compare every derived value.
func runPackVerifyCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("pack verify", stdout, stderr)
	var (
		entryPath    string
		kitPath      string
		catalogueDir string
		trustedJSON  string
	)
	a.fs.StringVar(&entryPath, "entry", "", "pack.issued entry file (REQUIRED)")
	a.fs.StringVar(&kitPath, "kit", "", "Kit file")
	a.fs.StringVar(&catalogueDir, "catalogue-dir", "", "Catalogue directory (default ISSUER_CATALOGUE_DIR)")
	a.fs.StringVar(&trustedJSON, "trusted-keys", "", "Trusted issuer keys JSON (default LEDGER_TRUSTED_ISSUER_PUBLIC_KEYS_JSON)")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if entryPath == "" {
		return a.usage("--entry is required")
	}
	e, err := readEntry(entryPath)
	if err != nil {
		return a.fail(err)
	}
	if trustedJSON == "" {
		trustedJSON = a.env.Ledger.TrustedIssuerKeysJSON
	}
	trusted, err := auditlog.ParseTrustedIssuerKeys(trustedJSON)
	if err != nil {
		return a.fail(err)
	}
	if len(trusted) == 0 {
		trusted = nil
		a.warn("no trusted issuer keys; signature not checked")
	}

	var p issuance.IssuedPayload
	_ = e.DecodePayload(&p)
	kits, err := a.kitSource(kitPath, catalogueDir)
	if err != nil {
		return a.fail(err)
	}
	kit, err := kits.Kit(context.Background(), p.SeriesID, p.ThemeID)
	if err != nil {
		a.logger.Debug("kit lookup failed", "seriesId", p.SeriesID, "error", err)
		kit = nil
	}

	res := issuance.VerifyPack(issuance.VerifyInput{Entry: e, Kit: kit, TrustedKeys: trusted})
	a.emit(res, func(w io.Writer) {
		if res.OK {
			fmt.Fprintf(w, "Pack %s verified\n", res.PackID)
			return
		}
		fmt.Fprintf(w, "Pack verification failed: %s\n", res.Reason)
		if res.Field != "" {
			fmt.Fprintf(w, "  %s: expected %s, got %s\n", res.Field, res.Expected, res.Actual)
		}
	})
	if err := res.Err(); err != nil {
		return exitCode(err)
	}
	return exitOK
}
