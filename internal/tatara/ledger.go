package tatara

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Installation ledger. One file per package under var/db/tatara/installed,
// three lines: version, checksum, install timestamp. Records are written via
// tmp+rename under the exclusive "ledger" lock, so readers never observe a
// half-written record and a crash mid-install leaves the previous record (or
// no record) intact.

type InstallRecord struct {
	Name        string
	Version     string
	Checksum    string
	InstalledAt time.Time
}

type Ledger struct {
	dir   string
	locks *LockManager
}

func NewLedger(dir string, locks *LockManager) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory %s: %v", dir, err)
	}
	return &Ledger{dir: dir, locks: locks}, nil
}

func (l *Ledger) recordPath(name string) string {
	return filepath.Join(l.dir, name)
}

// Lookup returns the install record for name, or nil when not installed.
func (l *Ledger) Lookup(ctx context.Context, name string) (*InstallRecord, error) {
	lock, err := l.locks.Acquire(ctx, "ledger", SharedLock, 0)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	data, err := os.ReadFile(l.recordPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("corrupt ledger record for %s", name)
	}
	rec := &InstallRecord{
		Name:     name,
		Version:  strings.TrimSpace(lines[0]),
		Checksum: strings.TrimSpace(lines[1]),
	}
	if len(lines) > 2 {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[2])); err == nil {
			rec.InstalledAt = t
		}
	}
	return rec, nil
}

// IsCurrent reports whether spec is already installed at its pinned version
// and checksum, which lets the pipeline skip the entire fetch/patch/build.
func (l *Ledger) IsCurrent(ctx context.Context, spec *PackageSpec) (bool, error) {
	rec, err := l.Lookup(ctx, spec.Name)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.Version == spec.Version && rec.Checksum == spec.PrimaryChecksum(), nil
}

// Record writes (or replaces) the install record for rec atomically.
func (l *Ledger) Record(ctx context.Context, rec *InstallRecord) error {
	lock, err := l.locks.Acquire(ctx, "ledger", ExclusiveLock, 0)
	if err != nil {
		return err
	}
	defer lock.Release()

	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = time.Now()
	}
	content := fmt.Sprintf("%s\n%s\n%s\n",
		rec.Version, rec.Checksum, rec.InstalledAt.UTC().Format(time.RFC3339))

	final := l.recordPath(rec.Name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// FixChecksum replaces the recorded checksum of an installed package, used
// after an operator re-pins a source artifact.
func (l *Ledger) FixChecksum(ctx context.Context, name, checksum string) error {
	rec, err := l.Lookup(ctx, name)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("package %s is not installed", name)
	}
	rec.Checksum = checksum
	return l.Record(ctx, rec)
}
