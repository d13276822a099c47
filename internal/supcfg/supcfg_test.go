package supcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plugins:
  - name: one
    enabled: true
  - name: two
    enabled: false
`), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Plugins, 2)
	require.Equal(t, PluginEntry{Name: "one", Enabled: true}, doc.Plugins[0])
	require.Equal(t, PluginEntry{Name: "two", Enabled: false}, doc.Plugins[1])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Failed to read config:")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugins: [this is not: valid"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Failed to parse config:")
}
