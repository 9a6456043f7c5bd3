package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/config"
	"github.com/samternent/concord/pkg/crypto"
	"github.com/samternent/concord/pkg/ledger"
	"github.com/samternent/concord/pkg/observability"
)

// Exit codes.
const (
	exitOK         = 0
	exitProtocol   = 1
	exitSemantic   = 2
	exitAuth       = 3
	exitEncryption = 4
)

const (
	defaultLedgerPath = "concord.ledger.json"
	defaultKeyDir     = ".concord/keys"
)

// exitCode maps an error to the exit code of its class. Integrity failures
// are reported like validation failures; uncoded errors are protocol errors.
func exitCode(err error) int {
	switch codes.ClassOf(err) {
	case codes.ClassSemantic, codes.ClassIntegrity:
		return exitSemantic
	case codes.ClassAuthorization:
		return exitAuth
	case codes.ClassEncryption:
		return exitEncryption
	default:
		return exitProtocol
	}
}

// app carries the flags every command accepts and the configuration they
// resolve to.
type app struct {
	name   string
	stdout io.Writer
	stderr io.Writer
	fs     *flag.FlagSet

	jsonOut    bool
	quiet      bool
	configPath string
	logLevel   string
	keyDir     string
	ledgerPath string

	project *config.Project
	env     *config.Config
	logger  *slog.Logger
}

func newApp(name string, stdout, stderr io.Writer) *app {
	a := &app{name: name, stdout: stdout, stderr: stderr}
	a.fs = flag.NewFlagSet(name, flag.ContinueOnError)
	a.fs.SetOutput(stderr)
	a.fs.BoolVar(&a.jsonOut, "json", false, "Output results as JSON")
	a.fs.BoolVar(&a.quiet, "quiet", false, "Suppress normal output")
	a.fs.StringVar(&a.configPath, "config", "", "Project config file (default concord.config.json)")
	a.fs.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	a.fs.StringVar(&a.keyDir, "keys", "", "Key directory (default "+defaultKeyDir+")")
	return a
}

// withLedger registers --ledger.
func (a *app) withLedger() *app {
	a.fs.StringVar(&a.ledgerPath, "ledger", "", "Ledger file (default "+defaultLedgerPath+")")
	return a
}

// parse parses flags, loads configuration and installs the logger. It
// returns false after reporting a problem; the exit code is then in code.
func (a *app) parse(args []string) (code int, ok bool) {
	if err := a.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, false
		}
		return exitSemantic, false
	}
	env, err := config.Load()
	if err != nil {
		return a.fail(err), false
	}
	a.env = env
	level := a.logLevel
	if level == "" {
		level = env.LogLevel
	}
	a.logger = observability.SetupLoggingWriter(level, env.LogFormat, a.stderr).With("command", a.name)

	p, err := config.LoadProject(a.configPath)
	if err != nil {
		return a.fail(err), false
	}
	a.project = p
	if a.ledgerPath == "" {
		a.ledgerPath = p.Ledger
	}
	if a.ledgerPath == "" {
		a.ledgerPath = defaultLedgerPath
	}
	if a.keyDir == "" {
		a.keyDir = p.KeyDir
	}
	if a.keyDir == "" {
		a.keyDir = defaultKeyDir
	}
	return exitOK, true
}

// usage reports a missing or invalid flag.
func (a *app) usage(format string, args ...any) int {
	msg := fmt.Sprintf(format, args...)
	if a.jsonOut {
		a.writeJSON(a.stderr, map[string]any{"ok": false, "error": map[string]any{"code": "USAGE", "message": msg}, "exitCode": exitSemantic})
		return exitSemantic
	}
	_, _ = fmt.Fprintf(a.stderr, "Error: %s\n", msg)
	return exitSemantic
}

// fail reports err on stderr and returns its exit code.
func (a *app) fail(err error) int {
	return a.failWith(err, exitCode(err))
}

func (a *app) failWith(err error, code int) int {
	if a.jsonOut {
		a.writeJSON(a.stderr, map[string]any{"ok": false, "error": errorBody(err), "exitCode": code})
		return code
	}
	_, _ = fmt.Fprintf(a.stderr, "Error: %v\n", err)
	return code
}

func errorBody(err error) map[string]any {
	body := map[string]any{"code": string(codes.Of(err)), "message": err.Error()}
	var ce *codes.Error
	if errors.As(err, &ce) {
		body["message"] = ce.Message
		if len(ce.Metadata) > 0 {
			body["metadata"] = ce.Metadata
		}
	}
	return body
}

// emit writes v as JSON with --json, otherwise calls human. Nothing is
// written with --quiet.
func (a *app) emit(v any, human func(w io.Writer)) {
	if a.quiet {
		return
	}
	if a.jsonOut || human == nil {
		a.writeJSON(a.stdout, v)
		return
	}
	human(a.stdout)
}

func (a *app) warn(format string, args ...any) {
	if a.quiet || a.jsonOut {
		return
	}
	_, _ = fmt.Fprintf(a.stderr, "Warning: "+format+"\n", args...)
}

func (a *app) writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(a.stderr, "Error: encode output: %v\n", err)
	}
}

func (a *app) loadLedger() (*ledger.Ledger, error) {
	return ledger.ReadFile(a.ledgerPath)
}

func (a *app) keyStore() (*crypto.KeyStore, error) {
	return crypto.NewKeyStore(a.keyDir)
}

func (a *app) signer(label string) (*crypto.ECDSASigner, error) {
	ks, err := a.keyStore()
	if err != nil {
		return nil, err
	}
	return ks.Signer(label)
}

// commitEntries appends entries to the ledger file in one commit. check
// runs against the updated ledger before it is saved.
func (a *app) commitEntries(metadata map[string]any, check func(*ledger.Ledger) error, entries ...*ledger.Entry) (string, []string, error) {
	var commitID string
	var ids []string
	err := ledger.NewFileStore(a.ledgerPath).Update(func(l *ledger.Ledger) error {
		cid, entryIDs, err := l.Commit(metadata, "", entries...)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(l); err != nil {
				return err
			}
		}
		commitID, ids = cid, entryIDs
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	a.logger.Info("committed entries", "ledger", a.ledgerPath, "commit", commitID, "entries", len(ids))
	return commitID, ids, nil
}

// readEntry reads a JSON entry from path. The file may hold a bare entry
// or an object with an "entry" field, such as pack command output.
func readEntry(path string) (*ledger.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", path, err)
	}
	var wrapped struct {
		Entry *ledger.Entry `json:"entry"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Entry != nil && wrapped.Entry.Kind != "" {
		return wrapped.Entry, nil
	}
	var e ledger.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, codes.Wrap(codes.CodeInvalidEntry, "entry file is not valid JSON", err).With("path", path)
	}
	return &e, nil
}

func parseJSONObject(raw, flagName string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, codes.Wrap(codes.CodeInvalidPayload, "--"+flagName+" must be a JSON object", err)
	}
	return out, nil
}

// stringList is a repeatable flag; comma-separated values are split.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// entryFlags are shared by commands that build a single entry.
type entryFlags struct {
	signAs string
	commit bool
}

func (a *app) withEntryFlags() *entryFlags {
	f := &entryFlags{}
	a.fs.StringVar(&f.signAs, "sign-as", "", "Key label to sign the entry with")
	a.fs.BoolVar(&f.commit, "commit", false, "Append the entry to the ledger in its own commit")
	return f
}

// finishEntry signs e when requested, commits it with --commit and prints
// it. check validates the ledger after the commit and before it is saved.
func (a *app) finishEntry(e *ledger.Entry, f *entryFlags, check func(*ledger.Ledger) error, extra map[string]any) int {
	if f.signAs != "" {
		s, err := a.signer(f.signAs)
		if err != nil {
			return a.fail(err)
		}
		if err := crypto.SignEntry(context.Background(), s, e); err != nil {
			return a.fail(err)
		}
	}
	id, err := ledger.DeriveEntryID(e)
	if err != nil {
		return a.fail(err)
	}
	result := map[string]any{"entryId": id, "entry": e}
	for k, v := range extra {
		result[k] = v
	}
	if f.commit {
		cid, _, err := a.commitEntries(map[string]any{"message": e.Kind}, check, e)
		if err != nil {
			return a.fail(err)
		}
		result["commitId"] = cid
	}
	a.emit(result, func(w io.Writer) {
		if cid, ok := result["commitId"]; ok {
			fmt.Fprintf(w, "Committed %s %s in %s\n", e.Kind, id, cid)
			return
		}
		a.writeJSON(w, e)
	})
	return exitOK
}
