package provision

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiffhq/skiff/pkg/checksum"
	"github.com/skiffhq/skiff/pkg/config"
)

// makeBundle builds an in-memory zip with the given files.
func makeBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// manifestTOML declares no packages so provisioning skips sandbox creation.
func manifestTOML(name string) string {
	return "[agent]\nname = \"" + name + "\"\nversion = \"1.0.0\"\n"
}

func newTestProvisioner(t *testing.T) *Provisioner {
	t.Helper()
	root := t.TempDir()
	index, err := checksum.Open(filepath.Join(root, "checksums.json"))
	require.NoError(t, err)
	return New(root, index)
}

func TestProvisionDeploysBundle(t *testing.T) {
	p := newTestProvisioner(t)
	data := makeBundle(t, map[string]string{
		config.ManifestTOML: manifestTOML("echo-agent"),
		"main.py":           "print('hi')\n",
	})

	res, err := p.Provision(context.Background(), data, "", false)
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.Equal(t, "echo-agent", res.Record.Name)
	assert.Equal(t, checksum.Hash(data), res.Record.Hash)
	assert.Equal(t, "1.0.0", res.Record.Version)
	assert.FileExists(t, res.Record.ManifestPath)
	assert.FileExists(t, filepath.Join(res.Record.InstallDir, "main.py"))
	assert.FileExists(t, filepath.Join(p.AgentsDir(), res.Record.Hash+".md5"))
}

func TestProvisionSameBytesIsCached(t *testing.T) {
	p := newTestProvisioner(t)
	data := makeBundle(t, map[string]string{
		config.ManifestTOML: manifestTOML("twice"),
	})

	first, err := p.Provision(context.Background(), data, "", false)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := p.Provision(context.Background(), data, "", false)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Record.Hash, second.Record.Hash)
}

func TestProvisionNameCollisionWithoutForce(t *testing.T) {
	p := newTestProvisioner(t)

	v1 := makeBundle(t, map[string]string{
		config.ManifestTOML: manifestTOML("pinned"),
		"main.py":           "v1\n",
	})
	_, err := p.Provision(context.Background(), v1, "", false)
	require.NoError(t, err)

	v2 := makeBundle(t, map[string]string{
		config.ManifestTOML: manifestTOML("pinned"),
		"main.py":           "v2\n",
	})
	_, err = p.Provision(context.Background(), v2, "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestProvisionForceRedeploy(t *testing.T) {
	p := newTestProvisioner(t)

	v1 := makeBundle(t, map[string]string{
		config.ManifestTOML: manifestTOML("pinned"),
		"main.py":           "v1\n",
	})
	first, err := p.Provision(context.Background(), v1, "", false)
	require.NoError(t, err)

	v2 := makeBundle(t, map[string]string{
		config.ManifestTOML: manifestTOML("pinned"),
		"main.py":           "v2\n",
	})
	second, err := p.Provision(context.Background(), v2, "pinned", true)
	require.NoError(t, err)
	assert.NotEqual(t, first.Record.Hash, second.Record.Hash)

	// The old hash no longer resolves; the name points at the new record.
	_, err = p.index.Lookup(first.Record.Hash)
	assert.Error(t, err)
	rec, err := p.index.ByName("pinned")
	require.NoError(t, err)
	assert.Equal(t, second.Record.Hash, rec.Hash)
}

func TestProvisionNameOverrideMismatch(t *testing.T) {
	p := newTestProvisioner(t)
	data := makeBundle(t, map[string]string{
		config.ManifestTOML: manifestTOML("actual-name"),
	})

	_, err := p.Provision(context.Background(), data, "requested-name", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_manifest")

	// Rollback removed the extracted directory.
	entries, readErr := os.ReadDir(p.AgentsDir())
	if readErr == nil {
		assert.Empty(t, entries)
	}
}

func TestProvisionMissingManifest(t *testing.T) {
	p := newTestProvisioner(t)
	data := makeBundle(t, map[string]string{"main.py": "pass\n"})

	_, err := p.Provision(context.Background(), data, "", false)
	assert.ErrorIs(t, err, config.ErrMissingManifest)
}

func TestProvisionRejectsGarbage(t *testing.T) {
	p := newTestProvisioner(t)
	_, err := p.Provision(context.Background(), []byte("not a zip"), "", false)
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	p := newTestProvisioner(t)
	data := makeBundle(t, map[string]string{
		config.ManifestTOML: manifestTOML("doomed"),
	})
	res, err := p.Provision(context.Background(), data, "", false)
	require.NoError(t, err)

	require.NoError(t, p.Remove("doomed"))
	assert.NoDirExists(t, res.Record.InstallDir)
	assert.NoFileExists(t, filepath.Join(p.AgentsDir(), res.Record.Hash+".md5"))

	// Removing an absent agent is a no-op.
	assert.NoError(t, p.Remove("doomed"))
}

func TestExtractZipRejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("../outside.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("escape"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	parent := t.TempDir()
	dest := filepath.Join(parent, "install")
	err = extractZip(buf.Bytes(), dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes install directory")
	assert.NoFileExists(t, filepath.Join(parent, "outside.txt"))
}

func TestExtractZipPreservesTree(t *testing.T) {
	data := makeBundle(t, map[string]string{
		"a/b/c.txt": "deep",
		"top.txt":   "shallow",
	})
	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, extractZip(data, dest))

	content, err := os.ReadFile(filepath.Join(dest, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deep", string(content))
}

func TestImportNames(t *testing.T) {
	names := importNames([]string{
		"requests",
		"pyyaml==6.0",
		"scikit-learn>=1.0",
		"uvicorn[standard]",
		"  ",
	})
	assert.Equal(t, []string{"requests", "pyyaml", "scikit_learn", "uvicorn"}, names)
}
