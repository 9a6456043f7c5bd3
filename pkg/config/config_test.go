package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samternent/concord/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns the documented defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"LEDGER_BACKEND", "LEDGER_PREFIX", "LEDGER_REGION", "LEDGER_FLUSH_MAX_EVENTS",
		"LEDGER_FLUSH_INTERVAL_MS", "LEDGER_S3_FORCE_PATH_STYLE", "PENDING_STORE", "LEDGER_S3_ENDPOINT"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "s3", cfg.Ledger.Backend)
	assert.Equal(t, "pixpax/ledger", cfg.Ledger.Prefix)
	assert.Equal(t, "lon1", cfg.Ledger.Region)
	assert.Equal(t, 200, cfg.Ledger.FlushMaxEvents)
	assert.Equal(t, time.Minute, cfg.Ledger.FlushInterval())
	assert.True(t, cfg.Ledger.ForcePathStyle)
	assert.False(t, cfg.Ledger.FlushSyncOnIssue)
	assert.False(t, cfg.Ledger.Ready())
	assert.False(t, cfg.Ledger.Enabled())
	assert.Equal(t, config.PendingFile, cfg.Pending.Store)
	assert.Equal(t, "data/claims", cfg.Pending.ClaimsDir)
	assert.Equal(t, 2*time.Second, cfg.Idempotency.RetryAfter())
	assert.Equal(t, 120*time.Second, cfg.Idempotency.InProgressTTL())
}

// TestLoad_Overrides verifies that environment variables override defaults.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LEDGER_S3_ENDPOINT", "https://lon1.example.com")
	t.Setenv("LEDGER_BUCKET", "audit")
	t.Setenv("LEDGER_ACCESS_KEY_ID", "ak")
	t.Setenv("LEDGER_SECRET_ACCESS_KEY", "sk")
	t.Setenv("LEDGER_FLUSH_MAX_EVENTS", "5")
	t.Setenv("LEDGER_FLUSH_INTERVAL_MS", "1500")
	t.Setenv("LEDGER_FLUSH_SYNC_ON_ISSUE", "true")
	t.Setenv("PENDING_STORE", "redis")
	t.Setenv("ISSUER_TOKEN_TTL", "30m")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.Ledger.Ready())
	assert.True(t, cfg.Ledger.Enabled())
	assert.Equal(t, 5, cfg.Ledger.FlushMaxEvents)
	assert.Equal(t, 1500*time.Millisecond, cfg.Ledger.FlushInterval())
	assert.True(t, cfg.Ledger.FlushSyncOnIssue)
	assert.Equal(t, config.PendingRedis, cfg.Pending.Store)
	assert.Equal(t, 30*time.Minute, cfg.Issuer.TokenTTL)

	store := cfg.Ledger.ObjectStore()
	assert.Equal(t, "audit", store.S3.Bucket)
	assert.Equal(t, "https://lon1.example.com", store.S3.Endpoint)
	assert.True(t, store.S3.ForcePathStyle)
}

func TestLoad_Rejects(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "ftp")
	_, err := config.Load()
	assert.ErrorContains(t, err, "LEDGER_BACKEND")

	t.Setenv("LEDGER_BACKEND", "fs")
	t.Setenv("PENDING_STORE", "etcd")
	_, err = config.Load()
	assert.ErrorContains(t, err, "PENDING_STORE")

	t.Setenv("PENDING_STORE", "memory")
	t.Setenv("LEDGER_FLUSH_MAX_EVENTS", "not-a-number")
	_, err = config.Load()
	assert.Error(t, err)
}

func TestLedgerConfig_Enabled(t *testing.T) {
	assert.True(t, config.LedgerConfig{Backend: "fs"}.Enabled())
	assert.True(t, config.LedgerConfig{Backend: "memory"}.Enabled())
	assert.False(t, config.LedgerConfig{Backend: "gcs"}.Enabled())
	assert.True(t, config.LedgerConfig{Backend: "gcs", GCSBucket: "b"}.Enabled())
}

func TestLoadProject(t *testing.T) {
	dir := t.TempDir()

	missing, err := config.LoadProject(filepath.Join(dir, "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, missing.RootAdmins)

	jsonPath := filepath.Join(dir, "concord.config.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"rootAdmins":["alice","bob"],"ledger":"ledger.json"}`), 0o600))
	p, err := config.LoadProject(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, p.RootAdmins)
	assert.Equal(t, "ledger.json", p.Ledger)
	assert.Equal(t, []string{"alice", "bob"}, p.Permissions().RootAdmins)

	yamlPath := filepath.Join(dir, "concord.config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("rootAdmins:\n  - carol\n"), 0o600))
	p, err = config.LoadProject(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, p.RootAdmins)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rootAdmins: [unclosed"), 0o600))
	_, err = config.LoadProject(bad)
	assert.Error(t, err)
}

func TestLoadProject_SearchesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	p, err := config.LoadProject("")
	require.NoError(t, err)
	assert.Empty(t, p.RootAdmins)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "concord.config.yml"), []byte("rootAdmins: [dave]\n"), 0o600))
	p, err = config.LoadProject("")
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, p.RootAdmins)
}
