package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workspace runs the test inside a fresh directory so ledgers, keys and
// pending stores land in a temp dir.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CONCORD_LOG_LEVEL", "error")
	t.Setenv("LEDGER_BACKEND", "fs")
	t.Setenv("LEDGER_FS_ROOT", filepath.Join(dir, "audit"))
	t.Setenv("PENDING_STORE", "file")
	t.Setenv("PENDING_PATH", filepath.Join(dir, "pending.json"))
	t.Setenv("PENDING_CLAIMS_DIR", filepath.Join(dir, "claims"))
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ISSUER_PRIVATE_KEY_PEM", "")
	t.Setenv("OTEL_ENABLED", "false")
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"concord"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// mustRun fails the test unless the command exits 0, and decodes its JSON
// output.
func mustRun(t *testing.T, args ...string) map[string]any {
	t.Helper()
	code, stdout, stderr := runCLI(t, append(args, "--json")...)
	require.Equal(t, exitOK, code, "stderr: %s", stderr)
	return decodeJSON(t, stdout)
}

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out), "output: %s", s)
	return out
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
	return name
}

func TestRun_NoArgs(t *testing.T) {
	code, _, stderr := runCLI(t)
	assert.Equal(t, exitProtocol, code)
	assert.Contains(t, stderr, "USAGE:")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	assert.Equal(t, exitProtocol, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestRun_HelpAndVersion(t *testing.T) {
	code, stdout, _ := runCLI(t, "help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "EXIT CODES:")

	code, stdout, _ = runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "concord ")
}

func TestDispatch_Subcommands(t *testing.T) {
	code, _, stderr := runCLI(t, "perms")
	assert.Equal(t, exitSemantic, code)
	assert.Contains(t, stderr, "can|grant|group|revoke")

	code, _, stderr = runCLI(t, "perms", "bogus")
	assert.Equal(t, exitProtocol, code)
	assert.Contains(t, stderr, "Unknown perms subcommand")
}

func TestMissingFlagIsUsageError(t *testing.T) {
	workspace(t)
	code, _, stderr := runCLI(t, "keygen", "--json")
	assert.Equal(t, exitSemantic, code)
	body := decodeJSON(t, stderr)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "USAGE", body["error"].(map[string]any)["code"])
}

func TestLedgerLifecycle(t *testing.T) {
	workspace(t)

	out := mustRun(t, "init", "--metadata", `{"name":"notes"}`)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, defaultLedgerPath, out["ledger"])
	_, err := os.Stat(defaultLedgerPath)
	require.NoError(t, err)

	code, _, _ := runCLI(t, "init")
	assert.Equal(t, exitSemantic, code, "existing ledger needs --force")

	out = mustRun(t, "entry", "create", "--kind", "note", "--author", "alice", "--payload", `{"text":"hi"}`, "--out", "note.json")
	entryID := out["entryId"].(string)
	assert.Len(t, entryID, 64)

	out = mustRun(t, "append", "--entry", "note.json", "--metadata", `{"message":"first note"}`)
	assert.Equal(t, []any{entryID}, out["entryIds"])
	assert.NotEmpty(t, out["commitId"])

	out = mustRun(t, "verify")
	assert.Equal(t, true, out["ok"])
	assert.EqualValues(t, 2, out["commits"])

	out = mustRun(t, "verify", "--semantic")
	assert.Equal(t, true, out["semantic"])

	out = mustRun(t, "inspect")
	assert.EqualValues(t, 2, out["commitCount"])
	assert.Equal(t, map[string]any{"note": float64(1)}, out["entryKinds"])
}

func TestAppend_RequiresEntries(t *testing.T) {
	workspace(t)
	mustRun(t, "init")
	code, _, stderr := runCLI(t, "append")
	assert.Equal(t, exitSemantic, code)
	assert.Contains(t, stderr, "--entry")
}

func TestEntryCreate_SignedEntryVerifies(t *testing.T) {
	workspace(t)
	out := mustRun(t, "entry", "create", "--kind", "note", "--sign-as", "alice", "--payload", `{"text":"signed"}`)
	entry := out["entry"].(map[string]any)
	assert.NotEmpty(t, entry["signature"])
	assert.Contains(t, entry["author"], "BEGIN PUBLIC KEY")
}

func TestEntryCreate_InvalidPayload(t *testing.T) {
	workspace(t)
	code, _, _ := runCLI(t, "entry", "create", "--kind", "note", "--author", "alice", "--payload", `{broken`)
	assert.Equal(t, exitSemantic, code)
}

func TestVerify_MissingLedgerIsProtocolError(t *testing.T) {
	workspace(t)
	code, _, stderr := runCLI(t, "verify", "--ledger", "nope.json")
	assert.Equal(t, exitProtocol, code)
	assert.Contains(t, stderr, "Error:")
}

func TestVerify_TamperedLedger(t *testing.T) {
	workspace(t)
	mustRun(t, "init")
	mustRun(t, "entry", "create", "--kind", "note", "--author", "alice", "--payload", `{"text":"x"}`, "--out", "e.json")
	mustRun(t, "append", "--entry", "e.json")

	raw, err := os.ReadFile(defaultLedgerPath)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, e := range doc["entries"].(map[string]any) {
		e.(map[string]any)["author"] = ""
	}
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(defaultLedgerPath, tampered, 0o644))

	code, _, _ := runCLI(t, "verify")
	assert.Equal(t, exitProtocol, code)
}

func TestKeygen_ReusesKeys(t *testing.T) {
	workspace(t)
	first := mustRun(t, "keygen", "--label", "alice")
	second := mustRun(t, "keygen", "--label", "alice")
	assert.Equal(t, first["keyId"], second["keyId"])
	assert.Equal(t, first["ageRecipient"], second["ageRecipient"])
	assert.Contains(t, first["ageRecipient"], "age1")
}

func TestProjectConfigSetsLedgerPath(t *testing.T) {
	workspace(t)
	writeFile(t, "concord.config.json", `{"ledger":"team.ledger.json","rootAdmins":["root"]}`)
	out := mustRun(t, "init")
	assert.Equal(t, "team.ledger.json", out["ledger"])
	mustRun(t, "verify")
}
