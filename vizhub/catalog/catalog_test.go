package catalog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/vizhub/vizhub/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeApp creates <root>/trame/<name>/<file> with the given contents.
func writeApp(t *testing.T, root, name, file, contents string) string {
	t.Helper()
	dir := filepath.Join(root, AppsSubdir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if file != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(contents), 0o644))
	}
	return dir
}

func TestDiscoverOrderAcrossPaths(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeApp(t, first, "b-slicer", "app.yml", "name: Slicer\ncommand: slicer $JUVIZ_ARGS\n")
	writeApp(t, first, "a-cone", "app.yaml", "name: Cone\ncommand: cone $JUVIZ_ARGS\nworking_directory: /opt/cone\n")
	writeApp(t, second, "a-cone", "app.yml", "name: Cone Again\ncommand: cone2 $JUVIZ_ARGS\n")

	c := New(Config{Logger: quietLogger()})
	apps, err := c.Discover([]string{first, second})
	require.NoError(t, err)
	require.Len(t, apps, 3)

	assert.Equal(t, "a-cone", apps[0].Name)
	assert.Equal(t, "Cone", apps[0].DisplayName)
	assert.Equal(t, "/opt/cone", apps[0].WorkingDirectory)
	assert.True(t, filepath.IsAbs(apps[0].ManifestPath))
	assert.Equal(t, "app.yaml", filepath.Base(apps[0].ManifestPath))

	assert.Equal(t, "b-slicer", apps[1].Name)
	assert.Empty(t, apps[1].WorkingDirectory)

	// Duplicates across paths are kept.
	assert.Equal(t, "a-cone", apps[2].Name)
	assert.Equal(t, "Cone Again", apps[2].DisplayName)
}

func TestDiscoverPrefersAppYml(t *testing.T) {
	root := t.TempDir()
	dir := writeApp(t, root, "viewer", "app.yml", "name: Primary\ncommand: a\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), []byte("name: Secondary\ncommand: b\n"), 0o644))

	apps, err := New(Config{Logger: quietLogger()}).Discover([]string{root})
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "Primary", apps[0].DisplayName)
}

func TestDiscoverMissingManifestStrict(t *testing.T) {
	root := t.TempDir()
	writeApp(t, root, "good", "app.yml", "name: Good\ncommand: good\n")
	dir := writeApp(t, root, "empty", "", "")

	apps, err := New(Config{Logger: quietLogger()}).Discover([]string{root})
	require.Error(t, err)
	assert.Nil(t, apps)
	assert.True(t, types.IsKind(err, types.KindConfiguration))
	assert.Contains(t, err.Error(), dir)
}

func TestDiscoverMissingCommand(t *testing.T) {
	root := t.TempDir()
	dir := writeApp(t, root, "broken", "app.yml", "name: Broken\n")

	apps, err := New(Config{Logger: quietLogger()}).Discover([]string{root})
	require.Error(t, err)
	assert.Nil(t, apps)
	assert.True(t, types.IsKind(err, types.KindConfiguration))
	assert.Contains(t, err.Error(), dir)
	assert.Contains(t, err.Error(), "command is required")
}

func TestDiscoverLenientSkipsBadEntries(t *testing.T) {
	root := t.TempDir()
	writeApp(t, root, "a-broken", "app.yml", "name: [unterminated\n")
	writeApp(t, root, "b-empty", "", "")
	writeApp(t, root, "c-good", "app.yml", "name: Good\ncommand: good\n")

	apps, err := New(Config{Lenient: true, Logger: quietLogger()}).Discover([]string{root})
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "c-good", apps[0].Name)
}

func TestDiscoverIgnoresFilesAndMissingPaths(t *testing.T) {
	root := t.TempDir()
	writeApp(t, root, "viewer", "app.yml", "name: Viewer\ncommand: viewer\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, AppsSubdir, "README"), []byte("x"), 0o644))

	noTrame := t.TempDir()
	apps, err := New(Config{Logger: quietLogger()}).Discover([]string{filepath.Join(root, "missing"), noTrame, root})
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "viewer", apps[0].Name)
}

func TestDiscoverNoPaths(t *testing.T) {
	apps, err := New(Config{Logger: quietLogger()}).Discover(nil)
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestSearchPaths(t *testing.T) {
	sep := string(os.PathListSeparator)
	assert.Nil(t, SearchPaths(""))
	assert.Nil(t, SearchPaths("  "))
	assert.Equal(t, []string{"/a", "/b"}, SearchPaths(strings.Join([]string{"/a", "", "/b"}, sep)))
}
