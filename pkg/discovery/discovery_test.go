package discovery

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiffhq/skiff/pkg/checksum"
	"github.com/skiffhq/skiff/pkg/config"
)

type recordingRegistrar struct {
	mu         sync.Mutex
	registered []string
	discovered []string
}

func (r *recordingRegistrar) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, name)
}

func (r *recordingRegistrar) Discover(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, name)
}

func writeBundleDir(t *testing.T, root, dirName, agentName string) string {
	t.Helper()
	dir := filepath.Join(root, dirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := "[agent]\nname = \"" + agentName + "\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ManifestTOML), []byte(manifest), 0o644))
	return dir
}

func TestScanClassifiesBundles(t *testing.T) {
	root := t.TempDir()
	index, err := checksum.Open(filepath.Join(root, "checksums.json"))
	require.NoError(t, err)

	// A recorded agent, an unrecorded bundle, a dir without a manifest, and a
	// stray file.
	deployed := writeBundleDir(t, root, "abc123", "deployed-agent")
	require.NoError(t, index.Insert(&checksum.Record{
		Name:         "deployed-agent",
		Hash:         "abc123",
		InstallDir:   deployed,
		ManifestPath: filepath.Join(deployed, config.ManifestTOML),
		CreatedAt:    time.Now(),
	}, false))

	writeBundleDir(t, root, "def456", "sideloaded-agent")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	reg := &recordingRegistrar{}
	w := New(root, index, reg)
	require.NoError(t, w.Scan())

	assert.Equal(t, []string{"deployed-agent"}, reg.registered)
	assert.Equal(t, []string{"sideloaded-agent"}, reg.discovered)
}

func TestScanMissingDirIsNoop(t *testing.T) {
	index, err := checksum.Open(filepath.Join(t.TempDir(), "checksums.json"))
	require.NoError(t, err)

	reg := &recordingRegistrar{}
	w := New(filepath.Join(t.TempDir(), "does-not-exist"), index, reg)
	require.NoError(t, w.Scan())
	assert.Empty(t, reg.registered)
	assert.Empty(t, reg.discovered)
}

func TestScanFallsBackToDirName(t *testing.T) {
	root := t.TempDir()
	index, err := checksum.Open(filepath.Join(root, "checksums.json"))
	require.NoError(t, err)

	// Manifest present but unloadable; the directory name stands in.
	dir := filepath.Join(root, "broken-bundle")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ManifestTOML), []byte("[agent\n"), 0o644))

	reg := &recordingRegistrar{}
	w := New(root, index, reg)
	require.NoError(t, w.Scan())
	assert.Equal(t, []string{"broken-bundle"}, reg.discovered)
}
