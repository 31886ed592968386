package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, ref, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ref), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ref, name), []byte(body), 0o644))
}

// TestFileStoreFallback prefers the bot directory, then default/, then empty.
func TestFileStoreFallback(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "alpha", "system.md", "alpha system")
	writeTemplate(t, dir, "default", "system.md", "shared system")
	writeTemplate(t, dir, "default", "user.md", "shared user")

	s := NewFileStore(dir)

	got, err := s.LoadSystemTemplate("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha system", got)

	got, err = s.LoadUserTemplate("alpha")
	require.NoError(t, err)
	assert.Equal(t, "shared user", got)

	got, err = s.LoadSystemTemplate("beta")
	require.NoError(t, err)
	assert.Equal(t, "shared system", got)

	got, err = NewFileStore(t.TempDir()).LoadUserTemplate("alpha")
	require.NoError(t, err)
	assert.Empty(t, got, "missing templates mean built-in fallback")
}

// TestFileStoreRejectsTraversal keeps refs inside the template directory.
func TestFileStoreRejectsTraversal(t *testing.T) {
	_, err := NewFileStore(t.TempDir()).LoadSystemTemplate("../etc")
	assert.Error(t, err)
}

// TestEmptyStore treats an unset directory as no templates.
func TestEmptyStore(t *testing.T) {
	got, err := NewFileStore("").LoadSystemTemplate("x")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestDefaultsEmbedded carries both market sections.
func TestDefaultsEmbedded(t *testing.T) {
	sys := DefaultSystem()
	assert.Contains(t, sys, "{{#futures}}")
	assert.Contains(t, sys, "{{/spot}}")
	assert.Contains(t, DefaultUser(), "{{market_summary}}")
}
