package tatara

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePackage lays out a package directory in repo with the given metadata
// files. Files with empty content are still created; pass nil to omit one.
func writePackage(t *testing.T, repo, name string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(repo, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for fname, content := range files {
		path := filepath.Join(dir, fname)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		mode := os.FileMode(0o644)
		if fname == "build" {
			mode = 0o755
		}
		require.NoError(t, os.WriteFile(path, []byte(content), mode))
	}
	return dir
}

func TestLoadPackageSpecBasic(t *testing.T) {
	repo := t.TempDir()
	srcSum := hashString("dummy")
	writePackage(t, repo, "zlib", map[string]string{
		"version":   "1.3.1\n",
		"depends":   "",
		"sources":   "https://example.org/zlib-1.3.1.tar.gz\n",
		"checksums": srcSum + "  zlib-1.3.1.tar.gz\n",
		"build":     "#!/bin/sh\nexit 0\n",
	})

	cat, err := loadCatalog([]string{repo})
	require.NoError(t, err)
	require.Equal(t, 1, cat.Len())

	spec, ok := cat.Get("zlib")
	require.True(t, ok)
	assert.Equal(t, "1.3.1", spec.Version)
	assert.Empty(t, spec.Depends)
	require.Len(t, spec.Sources, 1)
	assert.Equal(t, "zlib-1.3.1.tar.gz", spec.Sources[0].File)
	assert.Equal(t, srcSum, spec.Sources[0].Checksum)
	assert.Equal(t, srcSum, spec.PrimaryChecksum())
	assert.NotEmpty(t, spec.Recipe)
}

func TestLoadPackageSpecMissingVersion(t *testing.T) {
	repo := t.TempDir()
	writePackage(t, repo, "broken", map[string]string{
		"depends": "",
	})

	_, err := loadCatalog([]string{repo})
	var malformed *MalformedSpecError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "version", malformed.Field)
}

func TestLoadPackageSpecMissingDepends(t *testing.T) {
	repo := t.TempDir()
	writePackage(t, repo, "broken", map[string]string{
		"version": "1.0\n",
	})

	_, err := loadCatalog([]string{repo})
	var malformed *MalformedSpecError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "depends", malformed.Field)
}

func TestLoadPackageSpecSelfDependency(t *testing.T) {
	repo := t.TempDir()
	writePackage(t, repo, "narcissus", map[string]string{
		"version": "1.0\n",
		"depends": "narcissus\n",
	})

	_, err := loadCatalog([]string{repo})
	var malformed *MalformedSpecError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "depends", malformed.Field)
}

func TestLoadPackageSpecUnpinnedSource(t *testing.T) {
	repo := t.TempDir()
	writePackage(t, repo, "nochk", map[string]string{
		"version": "2.0\n",
		"depends": "",
		"sources": "https://example.org/nochk-2.0.tar.gz\n",
	})

	_, err := loadCatalog([]string{repo})
	var malformed *MalformedSpecError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "checksums", malformed.Field)
}

func TestLoadPackageSpecCommentsAndBlanks(t *testing.T) {
	repo := t.TempDir()
	writePackage(t, repo, "tidy", map[string]string{
		"version": "# release\n3.2  # pinned\n",
		"depends": "# runtime deps\nzlib\n\nopenssl  # tls\n",
	})
	writePackage(t, repo, "zlib", map[string]string{"version": "1\n", "depends": ""})
	writePackage(t, repo, "openssl", map[string]string{"version": "1\n", "depends": ""})

	cat, err := loadCatalog([]string{repo})
	require.NoError(t, err)
	spec, _ := cat.Get("tidy")
	assert.Equal(t, "3.2", spec.Version)
	assert.Equal(t, []string{"zlib", "openssl"}, spec.Depends)
}

func TestLoadPackageSpecSkipFile(t *testing.T) {
	repo := t.TempDir()
	writePackage(t, repo, "archbound", map[string]string{
		"version": "1.0\n",
		"depends": "",
		"skip":    runtime.GOARCH + " no upstream support\n",
	})
	writePackage(t, repo, "otherarch", map[string]string{
		"version": "1.0\n",
		"depends": "",
		"skip":    "notanarch broken here\n",
	})

	cat, err := loadCatalog([]string{repo})
	require.NoError(t, err)

	spec, _ := cat.Get("archbound")
	assert.Equal(t, "no upstream support", spec.SkipReason)

	spec, _ = cat.Get("otherarch")
	assert.Empty(t, spec.SkipReason)
}

func TestLoadPackageSpecPatchesSorted(t *testing.T) {
	repo := t.TempDir()
	writePackage(t, repo, "patched", map[string]string{
		"version":                 "1.0\n",
		"depends":                 "",
		"patches/20-second.patch": "",
		"patches/10-first.patch":  "",
		"patches/notes.txt":       "ignored",
	})

	cat, err := loadCatalog([]string{repo})
	require.NoError(t, err)
	spec, _ := cat.Get("patched")
	require.Len(t, spec.Patches, 2)
	assert.Equal(t, "10-first.patch", filepath.Base(spec.Patches[0]))
	assert.Equal(t, "20-second.patch", filepath.Base(spec.Patches[1]))
}

func TestLoadCatalogFirstRepoWins(t *testing.T) {
	repoA := t.TempDir()
	repoB := t.TempDir()
	writePackage(t, repoA, "dup", map[string]string{"version": "1.0\n", "depends": ""})
	writePackage(t, repoB, "dup", map[string]string{"version": "2.0\n", "depends": ""})

	cat, err := loadCatalog([]string{repoA, repoB})
	require.NoError(t, err)
	spec, _ := cat.Get("dup")
	assert.Equal(t, "1.0", spec.Version)
}

func TestLoadCatalogUnreadableRepo(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-repo")

	_, err := loadCatalog([]string{missing})
	var precond *PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, 3, exitCodeFor(err), "environment problems map to the precondition exit code")
}

func TestPrimaryChecksumWithoutSources(t *testing.T) {
	spec := &PackageSpec{Name: "meta", Version: "1.0"}
	assert.Equal(t, hashString("meta@1.0"), spec.PrimaryChecksum())
}
