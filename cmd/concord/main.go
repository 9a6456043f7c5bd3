package main

import (
	"fmt"
	"io"
	"os"

	"github.com/samternent/concord/pkg/observability"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitProtocol
	}

	rest := args[2:]
	switch args[1] {
	case "init":
		return runInitCmd(rest, stdout, stderr)
	case "keygen":
		return runKeygenCmd(rest, stdout, stderr)
	case "entry":
		return dispatch("entry", rest, stdout, stderr, map[string]command{
			"create": runEntryCreateCmd,
		})
	case "append":
		return runAppendCmd(rest, stdout, stderr)
	case "verify":
		return runVerifyCmd(rest, stdout, stderr)
	case "inspect":
		return runInspectCmd(rest, stdout, stderr)
	case "identity":
		return dispatch("identity", rest, stdout, stderr, map[string]command{
			"upsert": runIdentityUpsertCmd,
			"show":   runIdentityShowCmd,
			"list":   runIdentityListCmd,
		})
	case "perms":
		return dispatch("perms", rest, stdout, stderr, map[string]command{
			"can":    runPermsCanCmd,
			"grant":  runPermsGrantCmd,
			"revoke": runPermsRevokeCmd,
			"group":  runPermsGroupCmd,
		})
	case "enc":
		return dispatch("enc", rest, stdout, stderr, map[string]command{
			"rotate":  runEncRotateCmd,
			"wrap":    runEncWrapCmd,
			"encrypt": runEncEncryptCmd,
			"decrypt": runEncDecryptCmd,
		})
	case "epoch":
		return dispatch("epoch", rest, stdout, stderr, map[string]command{
			"list":   runEpochListCmd,
			"active": runEpochActiveCmd,
			"create": runEpochCreateCmd,
		})
	case "pack":
		return dispatch("pack", rest, stdout, stderr, map[string]command{
			"commit": runPackCommitCmd,
			"issue":  runPackIssueCmd,
			"verify": runPackVerifyCmd,
		})
	case "audit":
		return dispatch("audit", rest, stdout, stderr, map[string]command{
			"append": runAuditAppendCmd,
			"flush":  runAuditFlushCmd,
			"proof":  runAuditProofCmd,
			"events": runAuditEventsCmd,
		})
	case "version":
		_, _ = fmt.Fprintf(stdout, "concord %s\n", observability.Version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitProtocol
	}
}

type command func(args []string, stdout, stderr io.Writer) int

func dispatch(group string, args []string, stdout, stderr io.Writer, subs map[string]command) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintf(stderr, "Usage: concord %s <%s>\n", group, subcommandList(subs))
		return exitSemantic
	}
	run, ok := subs[args[0]]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "Unknown %s subcommand: %s\n", group, args[0])
		_, _ = fmt.Fprintf(stderr, "Usage: concord %s <%s>\n", group, subcommandList(subs))
		return exitProtocol
	}
	return run(args[1:], stdout, stderr)
}

func subcommandList(subs map[string]command) string {
	names := sortedKeys(subs)
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "|"
		}
		out += n
	}
	return out
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "concord %s\n", observability.Version)
	fmt.Fprintln(w, "Signed, content-addressed ledgers and verifiable pack issuance.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  concord <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "LEDGER")
	printCommand(w, "init", "Create a ledger with a genesis commit (--out, --epoch-as)")
	printCommand(w, "keygen", "Create or show a signing key and age identity (--label)")
	printCommand(w, "entry create", "Build an entry (--kind, --author, --payload, --sign-as)")
	printCommand(w, "append", "Commit entries to a ledger (--ledger, --entry..., --metadata)")
	printCommand(w, "verify", "Validate a ledger (--ledger, --semantic, --signatures)")
	printCommand(w, "inspect", "Summarize the commit chain and entry kinds (--ledger)")

	printSection(w, "IDENTITY & PERMISSIONS")
	printCommand(w, "identity upsert|show|list", "Manage principals and their age recipients")
	printCommand(w, "perms can|grant|revoke|group", "Query and change capabilities")

	printSection(w, "ENCRYPTION")
	printCommand(w, "enc rotate|wrap", "Rotate a scope epoch or publish a wrap")
	printCommand(w, "enc encrypt|decrypt", "Seal a payload to a scope or open it")
	printCommand(w, "epoch list|active|create", "Inspect and extend the epoch chain")

	printSection(w, "ISSUANCE & AUDIT")
	printCommand(w, "pack commit|issue|verify", "Commit-reveal pack issuance")
	printCommand(w, "audit append|flush", "Write signed entries to the audit ledger")
	printCommand(w, "audit proof", "Prove a pack is anchored in the audit ledger (exit 2 on failure)")
	printCommand(w, "audit events", "List audit events (--filter CEL expression)")

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "GLOBAL FLAGS:")
	fmt.Fprintln(w, "  --json        Machine-readable output")
	fmt.Fprintln(w, "  --quiet       Suppress normal output")
	fmt.Fprintln(w, "  --config      Project config (default concord.config.json)")
	fmt.Fprintln(w, "  --log-level   debug, info, warn or error")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "EXIT CODES:")
	fmt.Fprintln(w, "  1 protocol error, 2 semantic or validation error, 3 authorization error, 4 encryption error")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-30s %s\n", name, desc)
}
