package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/ledger"
	"github.com/samternent/concord/pkg/permissions"
)

const groupPrefix = "group:"

// target reads a --to/--from value. Values prefixed with "group:" name a
// group; the prefix stays part of the ID.
func target(v string) permissions.Target {
	if strings.HasPrefix(v, groupPrefix) {
		return permissions.Target{Type: permissions.TargetGroup, ID: v}
	}
	return permissions.Target{Type: permissions.TargetPrincipal, ID: v}
}

// normalizeAction accepts "read" as well as "perm:read".
func normalizeAction(action string) string {
	if strings.Contains(action, ":") {
		return action
	}
	return "perm:" + action
}

func parseCap(v string) (permissions.Cap, bool) {
	switch c := permissions.Cap(v); c {
	case permissions.CapRead, permissions.CapWrite, permissions.CapGrant, permissions.CapAdmin:
		return c, true
	}
	return "", false
}

func (a *app) replayPermissions() (*ledger.Ledger, *permissions.State, int, bool) {
	l, err := a.loadLedger()
	if err != nil {
		return nil, nil, a.failWith(err, exitProtocol), false
	}
	state, err := permissions.Replay(l, a.project.Permissions())
	if err != nil {
		return nil, nil, a.fail(err), false
	}
	return l, state, exitOK, true
}

func checkPermissions(cfg permissions.ReplayConfig) func(*ledger.Ledger) error {
	return func(l *ledger.Ledger) error {
		_, err := permissions.Replay(l, cfg)
		return err
	}
}

// runPermsCanCmd implements `concord perms can`. A denial is a normal
// answer and exits 0.
func runPermsCanCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("perms can", stdout, stderr).withLedger()
	var (
		as     string
		scope  string
		action string
		at     string
	)
	a.fs.StringVar(&as, "as", "", "Principal ID (REQUIRED)")
	a.fs.StringVar(&scope, "scope", "", "Scope (REQUIRED)")
	a.fs.StringVar(&action, "action", "", "Action, e.g. perm:read or read (REQUIRED)")
	a.fs.StringVar(&at, "at", "", "Evaluate at this RFC 3339 time (default now)")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if as == "" || scope == "" || action == "" {
		return a.usage("--as, --scope and --action are required")
	}
	now := time.Now()
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return a.usage("--at: %v", err)
		}
		now = t
	}
	_, state, code, ok := a.replayPermissions()
	if !ok {
		return code
	}
	action = normalizeAction(action)
	allowed := state.Can(as, action, scope, now)
	caps := state.SortedCaps(as, scope, now)
	a.emit(map[string]any{"ok": true, "allowed": allowed, "caps": caps}, func(w io.Writer) {
		verdict := "denied"
		if allowed {
			verdict = "allowed"
		}
		fmt.Fprintf(w, "%s %s on %s: %s (caps: %v)\n", as, action, scope, verdict, caps)
	})
	return exitOK
}

// runPermsGrantCmd implements `concord perms grant`. The author needs
// perm:grant at the scope.
func runPermsGrantCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("perms grant", stdout, stderr).withLedger()
	ef := a.withEntryFlags()
	var (
		as      string
		scope   string
		capName string
		to      string
		expires string
		note    string
	)
	a.fs.StringVar(&as, "as", "", "Granting principal (REQUIRED)")
	a.fs.StringVar(&scope, "scope", "", "Scope (REQUIRED)")
	a.fs.StringVar(&capName, "cap", "", "Capability: read, write, grant or admin (REQUIRED)")
	a.fs.StringVar(&to, "to", "", "Principal or group:<id> receiving the capability (REQUIRED)")
	a.fs.StringVar(&expires, "expires", "", "Expiry timestamp")
	a.fs.StringVar(&note, "note", "", "Free-form note")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if as == "" || scope == "" || capName == "" || to == "" {
		return a.usage("--as, --scope, --cap and --to are required")
	}
	c, valid := parseCap(capName)
	if !valid {
		return a.usage("--cap must be read, write, grant or admin")
	}
	_, state, code, ok := a.replayPermissions()
	if !ok {
		return code
	}
	if !state.Can(as, permissions.ActionGrant, scope, time.Now()) {
		return a.fail(codes.New(codes.CodeUnauthorizedGrant, "Not authorized to grant").With("principalId", as).With("scope", scope))
	}

	p := permissions.GrantPayload{Scope: scope, Cap: c, Target: target(to)}
	if expires != "" || note != "" {
		p.Constraints = &permissions.Constraints{Expires: expires, Note: note}
	}
	e, err := permissions.NewGrantEntry(as, ledger.Now(), p)
	if err != nil {
		return a.fail(err)
	}
	return a.finishEntry(e, ef, checkPermissions(a.project.Permissions()), nil)
}

// runPermsRevokeCmd implements `concord perms revoke`. The author needs
// perm:admin at the scope.
func runPermsRevokeCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("perms revoke", stdout, stderr).withLedger()
	ef := a.withEntryFlags()
	var (
		as      string
		scope   string
		capName string
		from    string
		reason  string
	)
	a.fs.StringVar(&as, "as", "", "Revoking principal (REQUIRED)")
	a.fs.StringVar(&scope, "scope", "", "Scope (REQUIRED)")
	a.fs.StringVar(&capName, "cap", "", "Capability: read, write, grant or admin (REQUIRED)")
	a.fs.StringVar(&from, "from", "", "Principal or group:<id> losing the capability (REQUIRED)")
	a.fs.StringVar(&reason, "reason", "", "Reason")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if as == "" || scope == "" || capName == "" || from == "" {
		return a.usage("--as, --scope, --cap and --from are required")
	}
	c, valid := parseCap(capName)
	if !valid {
		return a.usage("--cap must be read, write, grant or admin")
	}
	_, state, code, ok := a.replayPermissions()
	if !ok {
		return code
	}
	if !state.Can(as, permissions.ActionAdmin, scope, time.Now()) {
		return a.fail(codes.New(codes.CodeUnauthorizedRevoke, "Not authorized to revoke").With("principalId", as).With("scope", scope))
	}
	e, err := permissions.NewRevokeEntry(as, ledger.Now(), permissions.RevokePayload{
		Scope:  scope,
		Cap:    c,
		Target: target(from),
		Reason: reason,
	})
	if err != nil {
		return a.fail(err)
	}
	return a.finishEntry(e, ef, checkPermissions(a.project.Permissions()), nil)
}

// runPermsGroupCmd implements `concord perms group`: create or rename a
// group, or change one membership. Only the owner or a root admin may
// change an existing group.
func runPermsGroupCmd(args []string, stdout, stderr io.Writer) int {
	a := newApp("perms group", stdout, stderr).withLedger()
	ef := a.withEntryFlags()
	var (
		as     string
		group  string
		name   string
		add    string
		remove string
	)
	a.fs.StringVar(&as, "as", "", "Acting principal (REQUIRED)")
	a.fs.StringVar(&group, "group", "", "Group ID (REQUIRED)")
	a.fs.StringVar(&name, "name", "", "Display name for group.upsert")
	a.fs.StringVar(&add, "add", "", "Principal to add")
	a.fs.StringVar(&remove, "remove", "", "Principal to remove")
	if code, ok := a.parse(args); !ok {
		return code
	}
	if as == "" || group == "" {
		return a.usage("--as and --group are required")
	}
	if add != "" && remove != "" {
		return a.usage("--add and --remove are mutually exclusive")
	}
	_, state, code, ok := a.replayPermissions()
	if !ok {
		return code
	}
	_, exists := state.Groups[group]

	var e *ledger.Entry
	var err error
	switch {
	case add != "" || remove != "":
		if !exists {
			return a.fail(codes.Newf(codes.CodeGroupNotFound, "Missing group %s", group))
		}
		if !state.IsAuthorizedGroupChange(as, group) {
			return a.fail(codes.New(codes.CodeUnauthorizedGroupMember, "group membership changes require group owner or rootAdmin"))
		}
		if add != "" {
			e, err = permissions.NewGroupMemberEntry(as, ledger.Now(), group, add, true)
		} else {
			e, err = permissions.NewGroupMemberEntry(as, ledger.Now(), group, remove, false)
		}
	default:
		if exists && !state.IsAuthorizedGroupChange(as, group) {
			return a.fail(codes.New(codes.CodeUnauthorizedGroupUpsert, "group.upsert requires group owner or rootAdmin"))
		}
		e, err = permissions.NewGroupUpsertEntry(as, ledger.Now(), group, name)
	}
	if err != nil {
		return a.fail(err)
	}
	return a.finishEntry(e, ef, checkPermissions(a.project.Permissions()), nil)
}
