package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "singletable/pkg/errors"
)

func TestRegisterRejectsMaxVersionsOnUnversionedType(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&TypeConfig{Name: "Widget", MaxVersions: 3})
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestRegisterRejectsTTLMissingHalf(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&TypeConfig{Name: "Widget", TTL: &TTLSpec{Field: "expires_at"}})
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestGetUnregisteredTypeReturnsConfigurationError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("Ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestLoadDataOverlayAppliesKnownFieldsAndSkipsUnregisteredTypes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&TypeConfig{Name: "Document", Versioned: true}))

	dir := t.TempDir()
	overlayPath := filepath.Join(dir, "overlay.yaml")
	content := []byte(`
types:
  Document:
    versioned: true
    compress: true
    max_versions: 5
  Ghost:
    versioned: false
`)
	require.NoError(t, os.WriteFile(overlayPath, content, 0o644))

	require.NoError(t, r.LoadDataOverlay(overlayPath, zap.NewNop()))

	cfg, err := r.Get("Document")
	require.NoError(t, err)
	assert.True(t, cfg.Compress)
	assert.Equal(t, 5, cfg.MaxVersions)

	_, err = r.Get("Ghost")
	require.Error(t, err, "an overlay entry for an unregistered type must not create it")
}

func TestWatchDataOverlayStartsAndClosesCleanly(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&TypeConfig{Name: "Document"}))

	dir := t.TempDir()
	overlayPath := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(overlayPath, []byte("types:\n  Document:\n    compress: false\n"), 0o644))

	w, err := WatchDataOverlay(r, overlayPath, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestWatchDataOverlayErrorsOnMissingFile(t *testing.T) {
	r := NewRegistry()
	_, err := WatchDataOverlay(r, filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop())
	require.Error(t, err)
}
