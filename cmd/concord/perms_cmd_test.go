package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rootedLedger creates a ledger whose project config names "root" as the
// only root admin.
func rootedLedger(t *testing.T) {
	t.Helper()
	workspace(t)
	writeFile(t, "concord.config.json", `{"rootAdmins":["root"]}`)
	mustRun(t, "init")
}

func errorCode(t *testing.T, stderr string) string {
	t.Helper()
	body := decodeJSON(t, stderr)
	assert.Equal(t, false, body["ok"])
	return body["error"].(map[string]any)["code"].(string)
}

func can(t *testing.T, principal, scope, action string) bool {
	t.Helper()
	out := mustRun(t, "perms", "can", "--as", principal, "--scope", scope, "--action", action)
	assert.Equal(t, true, out["ok"])
	return out["allowed"].(bool)
}

func TestPerms_GrantAndRevoke(t *testing.T) {
	rootedLedger(t)

	assert.False(t, can(t, "alice", "docs", "read"))
	assert.True(t, can(t, "root", "docs", "perm:admin"))

	code, _, stderr := runCLI(t, "perms", "grant", "--as", "alice", "--scope", "docs", "--cap", "read", "--to", "bob", "--json")
	assert.Equal(t, exitAuth, code)
	assert.Equal(t, "UNAUTHORIZED_GRANT", errorCode(t, stderr))

	out := mustRun(t, "perms", "grant", "--as", "root", "--scope", "docs", "--cap", "grant", "--to", "alice", "--commit")
	assert.NotEmpty(t, out["commitId"])
	assert.True(t, can(t, "alice", "docs", "read"), "grant implies read")
	assert.True(t, can(t, "alice", "docs", "grant"))
	assert.False(t, can(t, "alice", "docs", "write"))
	assert.False(t, can(t, "alice", "other", "read"))

	mustRun(t, "perms", "grant", "--as", "alice", "--scope", "docs", "--cap", "read", "--to", "bob", "--commit")
	assert.True(t, can(t, "bob", "docs", "read"))

	code, _, stderr = runCLI(t, "perms", "revoke", "--as", "alice", "--scope", "docs", "--cap", "read", "--from", "bob", "--json")
	assert.Equal(t, exitAuth, code)
	assert.Equal(t, "UNAUTHORIZED_REVOKE", errorCode(t, stderr))

	mustRun(t, "perms", "revoke", "--as", "root", "--scope", "docs", "--cap", "grant", "--from", "alice", "--reason", "rotation", "--commit")
	assert.False(t, can(t, "alice", "docs", "grant"))
	assert.False(t, can(t, "alice", "docs", "read"))
	assert.True(t, can(t, "bob", "docs", "read"), "grants made earlier stand")

	mustRun(t, "verify", "--semantic")
}

func TestPerms_GrantWithoutCommitLeavesLedger(t *testing.T) {
	rootedLedger(t)
	out := mustRun(t, "perms", "grant", "--as", "root", "--scope", "docs", "--cap", "read", "--to", "alice")
	assert.Nil(t, out["commitId"])
	entry := out["entry"].(map[string]any)
	assert.Equal(t, "perm.grant", entry["kind"])
	assert.False(t, can(t, "alice", "docs", "read"))
}

func TestPerms_GrantExpiry(t *testing.T) {
	rootedLedger(t)
	mustRun(t, "perms", "grant", "--as", "root", "--scope", "docs", "--cap", "read", "--to", "alice",
		"--expires", "2030-01-01T00:00:00Z", "--note", "contractor", "--commit")

	out := mustRun(t, "perms", "can", "--as", "alice", "--scope", "docs", "--action", "read", "--at", "2029-06-01T00:00:00Z")
	assert.Equal(t, true, out["allowed"])
	out = mustRun(t, "perms", "can", "--as", "alice", "--scope", "docs", "--action", "read", "--at", "2031-06-01T00:00:00Z")
	assert.Equal(t, false, out["allowed"])
}

func TestPerms_InvalidCap(t *testing.T) {
	rootedLedger(t)
	code, _, _ := runCLI(t, "perms", "grant", "--as", "root", "--scope", "docs", "--cap", "fly", "--to", "alice")
	assert.Equal(t, exitSemantic, code)
}

func TestPerms_Groups(t *testing.T) {
	rootedLedger(t)

	code, _, stderr := runCLI(t, "perms", "group", "--as", "alice", "--group", "group:eng", "--add", "bob", "--json")
	assert.Equal(t, exitSemantic, code)
	assert.Equal(t, "GROUP_NOT_FOUND", errorCode(t, stderr))

	mustRun(t, "perms", "group", "--as", "alice", "--group", "group:eng", "--name", "Engineering", "--commit")

	code, _, stderr = runCLI(t, "perms", "group", "--as", "bob", "--group", "group:eng", "--add", "carol", "--json")
	assert.Equal(t, exitAuth, code)
	assert.Equal(t, "UNAUTHORIZED_GROUP_MEMBER", errorCode(t, stderr))

	code, _, stderr = runCLI(t, "perms", "group", "--as", "bob", "--group", "group:eng", "--name", "Mine", "--json")
	assert.Equal(t, exitAuth, code)
	assert.Equal(t, "UNAUTHORIZED_GROUP_UPSERT", errorCode(t, stderr))

	mustRun(t, "perms", "group", "--as", "alice", "--group", "group:eng", "--add", "bob", "--commit")
	mustRun(t, "perms", "grant", "--as", "root", "--scope", "docs", "--cap", "read", "--to", "group:eng", "--commit")
	assert.True(t, can(t, "bob", "docs", "read"))
	assert.False(t, can(t, "carol", "docs", "read"))

	mustRun(t, "perms", "group", "--as", "root", "--group", "group:eng", "--remove", "bob", "--commit")
	assert.False(t, can(t, "bob", "docs", "read"))
}

func TestIdentity_UpsertShowList(t *testing.T) {
	workspace(t)
	mustRun(t, "init")

	code, _, stderr := runCLI(t, "identity", "upsert", "--principal", "alice", "--author", "bob", "--json")
	assert.Equal(t, exitAuth, code)
	assert.Equal(t, "AUTHOR_MISMATCH", errorCode(t, stderr))

	mustRun(t, "identity", "upsert", "--principal", "alice", "--name", "Alice", "--age-from", "alice", "--commit")
	mustRun(t, "identity", "upsert", "--principal", "bob", "--commit")

	rec := mustRun(t, "identity", "show", "--principal", "alice")
	assert.Equal(t, "Alice", rec["displayName"])
	recipients := rec["ageRecipients"].([]any)
	require.Len(t, recipients, 1)
	assert.Contains(t, recipients[0], "age1")

	code, stdout, stderr := runCLI(t, "identity", "list", "--json")
	require.Equal(t, exitOK, code, stderr)
	var list []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0]["principalId"])
	assert.Equal(t, "bob", list[1]["principalId"])

	code, _, _ = runCLI(t, "identity", "show", "--principal", "ghost")
	assert.Equal(t, exitSemantic, code)
}
