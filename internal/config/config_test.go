package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutTableNameFailsValidation(t *testing.T) {
	// Defaults() intentionally leaves table/blob identity blank — those
	// are deployment-specific and must come from a file or the
	// environment, so a bare Load("") is expected to fail required-field
	// validation rather than silently run against an empty table name.
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadFromEnvOnlySatisfiesRequiredFields(t *testing.T) {
	t.Setenv("TABLE_NAME", "my-table")
	t.Setenv("TABLE_REGION", "us-east-1")
	t.Setenv("BLOB_BUCKET", "my-bucket")
	t.Setenv("BLOB_REGION", "us-east-1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 250, cfg.Query.DefaultResultsLimit)
	assert.False(t, cfg.Audit.SeparateTable())
}

func TestLoadOverlaysYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: staging\nlog_level: warn\ntable:\n  name: my-table\n  region: us-east-1\nblob:\n  bucket: my-bucket\n  region: us-east-1\n"), 0o644))

	t.Setenv("TABLE_NAME", "overridden-table")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "overridden-table", cfg.Table.Name, "env overrides must apply after the YAML overlay")
	assert.Equal(t, "my-bucket", cfg.Blob.Bucket)
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: not-a-real-environment\nlog_level: info\ntable:\n  name: t\n  region: r\nblob:\n  bucket: b\n  region: r\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFilePathFallsBackToEnvAndDefaults(t *testing.T) {
	t.Setenv("TABLE_NAME", "my-table")
	t.Setenv("TABLE_REGION", "us-east-1")
	t.Setenv("BLOB_BUCKET", "my-bucket")
	t.Setenv("BLOB_REGION", "us-east-1")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err, "a missing overlay path is not itself an error — it falls back to env/defaults")
	assert.Equal(t, "my-table", cfg.Table.Name)
}
