package tatara

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	base := t.TempDir()
	locks, err := NewLockManager(filepath.Join(base, "locks"))
	require.NoError(t, err)
	ledger, err := NewLedger(filepath.Join(base, "installed"), locks)
	require.NoError(t, err)
	return ledger
}

func TestLedgerRecordAndLookup(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	rec, err := ledger.Lookup(ctx, "zlib")
	require.NoError(t, err)
	assert.Nil(t, rec, "lookup before record should report not installed")

	require.NoError(t, ledger.Record(ctx, &InstallRecord{
		Name:     "zlib",
		Version:  "1.3.1",
		Checksum: hashString("zlib-artifact"),
	}))

	rec, err = ledger.Lookup(ctx, "zlib")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "1.3.1", rec.Version)
	assert.Equal(t, hashString("zlib-artifact"), rec.Checksum)
	assert.WithinDuration(t, time.Now(), rec.InstalledAt, time.Minute)
}

func TestLedgerRecordReplaces(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, &InstallRecord{Name: "pkg", Version: "1.0", Checksum: "aa"}))
	require.NoError(t, ledger.Record(ctx, &InstallRecord{Name: "pkg", Version: "2.0", Checksum: "bb"}))

	rec, err := ledger.Lookup(ctx, "pkg")
	require.NoError(t, err)
	assert.Equal(t, "2.0", rec.Version)
	assert.Equal(t, "bb", rec.Checksum)
}

func TestLedgerNoTempLeftovers(t *testing.T) {
	ledger := newTestLedger(t)
	require.NoError(t, ledger.Record(context.Background(),
		&InstallRecord{Name: "pkg", Version: "1.0", Checksum: "aa"}))

	entries, err := os.ReadDir(ledger.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestLedgerIsCurrent(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	spec := &PackageSpec{
		Name:    "app",
		Version: "2.0",
		Sources: []SourceRef{{URL: "https://x/app.tar.gz", File: "app.tar.gz", Checksum: "deadbeef"}},
	}

	current, err := ledger.IsCurrent(ctx, spec)
	require.NoError(t, err)
	assert.False(t, current, "never installed")

	require.NoError(t, ledger.Record(ctx, &InstallRecord{Name: "app", Version: "2.0", Checksum: "deadbeef"}))
	current, err = ledger.IsCurrent(ctx, spec)
	require.NoError(t, err)
	assert.True(t, current)

	// Version bump invalidates the record.
	spec.Version = "2.1"
	current, err = ledger.IsCurrent(ctx, spec)
	require.NoError(t, err)
	assert.False(t, current)

	// So does a re-pinned checksum at the same version.
	spec.Version = "2.0"
	spec.Sources[0].Checksum = "cafef00d"
	current, err = ledger.IsCurrent(ctx, spec)
	require.NoError(t, err)
	assert.False(t, current)
}

func TestLedgerFixChecksum(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	err := ledger.FixChecksum(ctx, "missing", "aa")
	require.Error(t, err, "cannot fix a package that is not installed")

	require.NoError(t, ledger.Record(ctx, &InstallRecord{Name: "pkg", Version: "1.0", Checksum: "old"}))
	require.NoError(t, ledger.FixChecksum(ctx, "pkg", "new"))

	rec, err := ledger.Lookup(ctx, "pkg")
	require.NoError(t, err)
	assert.Equal(t, "new", rec.Checksum)
	assert.Equal(t, "1.0", rec.Version, "version must survive a checksum fix")
}
