package tatara

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
)

// CLI entrypoint for cmd/tatara.

func usage() {
	fmt.Fprintf(os.Stderr, `usage: tatara <command> [arguments]

commands:
  build [-j N] [target ...]   resolve and build targets (all packages if none given)
  fix-checksum <name>         re-pin a package's source checksums and ledger record
  info <name>                 show package metadata and install state
  version                     print version information
`)
}

// exitCodeFor maps an error to the process exit code: metadata and
// resolution problems are 1, per-package build failures are 2, missing
// preconditions are 3.
func exitCodeFor(err error) int {
	var malformed *MalformedSpecError
	var cyclic *CyclicDependencyError
	var unknown *UnknownPackageError
	var precond *PreconditionError
	switch {
	case errors.As(err, &precond):
		return 3
	case errors.As(err, &malformed), errors.As(err, &cyclic), errors.As(err, &unknown):
		return 1
	}
	return 2
}

func fatal(err error) {
	colArrow.Print("-> ")
	cPrintf(colError, "%v\n", err)
	os.Exit(exitCodeFor(err))
}

// Main is the real entrypoint; cmd/tatara/main.go just calls it.
func Main() {
	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		interrupted := false
		for range sigCh {
			if interrupted {
				os.Exit(130)
			}
			interrupted = true
			if isCriticalAtomic.Load() == 1 {
				// Let the in-flight install/record pair finish; a second
				// interrupt force-quits.
				colArrow.Print("-> ")
				cPrintln(colWarn, "install in progress, stopping after it completes (interrupt again to force quit)")
				cancel()
				continue
			}
			colArrow.Print("-> ")
			cPrintln(colWarn, "interrupt received, stopping")
			cancel()
		}
	}()

	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		fatal(err)
	}

	switch args[0] {
	case "version", "-v", "--version":
		fmt.Printf("tatara %s (built %s)\n", version, buildDate)
		return
	case "help", "-h", "--help":
		usage()
		return
	}

	if err := initConfig(cfg); err != nil {
		fatal(err)
	}

	switch args[0] {
	case "build":
		cmdBuild(ctx, cfg, args[1:])
	case "fix-checksum":
		cmdFixChecksum(ctx, cfg, args[1:])
	case "info":
		cmdInfo(ctx, cfg, args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func cmdBuild(ctx context.Context, cfg *Config, args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	jobs := fs.Int("j", cfg.Jobs, "maximum concurrent builds")
	fs.Parse(args)
	if *jobs > 0 {
		cfg.Jobs = *jobs
	}

	cat, err := loadCatalog(cfg.RepoPaths)
	if err != nil {
		fatal(err)
	}
	if cat.Len() == 0 {
		fatal(&PreconditionError{Reason: "no packages found in TATARA_PATH repositories"})
	}

	plan, err := resolve(cat, fs.Args())
	if err != nil {
		fatal(err)
	}

	locks, err := NewLockManager(cfg.LockDir())
	if err != nil {
		fatal(err)
	}
	ledger, err := NewLedger(cfg.LedgerDir(), locks)
	if err != nil {
		fatal(err)
	}

	fetcher := NewFetcher(cfg)
	if catalogUsesScheme(cat, plan, "s3") {
		t, err := newS3Transport(ctx)
		if err != nil {
			fatal(err)
		}
		fetcher.RegisterTransport("s3", t)
	}

	colArrow.Print("-> ")
	colInfo.Printf("building %d package(s) with %d worker(s)\n", len(plan.Order), cfg.Jobs)

	orch := NewOrchestrator(cfg, cat, fetcher, ledger, locks)
	results := orch.Run(ctx, plan)

	var installed, cached, skipped, failed int
	for _, r := range results {
		switch r.Outcome {
		case Installed:
			if r.Cached {
				cached++
			} else {
				installed++
			}
		case Skipped:
			skipped++
		case Failed:
			failed++
		}
	}

	colArrow.Print("-> ")
	cPrintf(colNote, "done: %d built, %d up to date, %d skipped, %d failed\n",
		installed, cached, skipped, failed)

	if failed > 0 {
		// The whole run's exit code is the worst individual failure.
		worst := 2
		for _, r := range results {
			if r.Outcome == Failed {
				if c := exitCodeFor(r.Err); c > worst {
					worst = c
				}
			}
		}
		os.Exit(worst)
	}
	if ctx.Err() != nil {
		os.Exit(130)
	}
}

// catalogUsesScheme reports whether any planned package pulls a source over
// the given scheme.
func catalogUsesScheme(cat *Catalog, plan *Plan, scheme string) bool {
	for _, name := range plan.Order {
		spec, _ := cat.Get(name)
		for _, src := range spec.Sources {
			if urlScheme(src.URL) == scheme {
				return true
			}
		}
	}
	return false
}

// cmdFixChecksum re-downloads a package's sources, recomputes their digests,
// rewrites the checksums metadata file, and updates the ledger record if the
// package is installed.
func cmdFixChecksum(ctx context.Context, cfg *Config, args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(1)
	}
	name := args[0]

	dir, err := findPackageDir(cfg.RepoPaths, name)
	if err != nil {
		fatal(&UnknownPackageError{Pkg: name})
	}
	spec, err := loadPackageSpecLax(name, dir)
	if err != nil {
		fatal(err)
	}
	if len(spec.Sources) == 0 {
		fatal(&PreconditionError{Reason: fmt.Sprintf("package %s has no sources to checksum", name)})
	}

	fetcher := NewFetcher(cfg)
	for _, src := range spec.Sources {
		if urlScheme(src.URL) == "s3" {
			t, err := newS3Transport(ctx)
			if err != nil {
				fatal(err)
			}
			fetcher.RegisterTransport("s3", t)
			break
		}
	}

	tmpDir, err := os.MkdirTemp(cfg.TmpDir, "tatara-checksum-")
	if err != nil {
		fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	var lines []string
	for _, src := range spec.Sources {
		transport, ok := fetcher.transports[urlScheme(src.URL)]
		if !ok {
			fatal(&FetchError{URL: src.URL, Err: fmt.Errorf("unsupported scheme %q", urlScheme(src.URL))})
		}
		dest := filepath.Join(tmpDir, src.File)
		if err := transport.Get(ctx, src.URL, dest); err != nil {
			fatal(&FetchError{URL: src.URL, Err: err})
		}
		sum, err := hashFile(dest)
		if err != nil {
			fatal(err)
		}
		lines = append(lines, sum+"  "+src.File)
		colArrow.Print("-> ")
		colInfo.Printf("%s  %s\n", sum, src.File)
	}

	sumPath := filepath.Join(dir, "checksums")
	tmp := sumPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		fatal(err)
	}
	if err := os.Rename(tmp, sumPath); err != nil {
		fatal(err)
	}

	locks, err := NewLockManager(cfg.LockDir())
	if err != nil {
		fatal(err)
	}
	ledger, err := NewLedger(cfg.LedgerDir(), locks)
	if err != nil {
		fatal(err)
	}
	rec, err := ledger.Lookup(ctx, name)
	if err != nil {
		fatal(err)
	}
	if rec != nil {
		// Primary checksum is the first source's digest.
		first := strings.Fields(lines[0])[0]
		if err := ledger.FixChecksum(ctx, name, first); err != nil {
			fatal(err)
		}
		colArrow.Print("-> ")
		colNote.Printf("updated ledger record for %s\n", name)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("checksums for %s updated\n", name)
}

// loadPackageSpecLax loads a spec without requiring checksums to already be
// pinned, which is the whole point of fix-checksum.
func loadPackageSpecLax(name, dir string) (*PackageSpec, error) {
	spec, err := loadPackageSpec(name, dir)
	if err == nil {
		return spec, nil
	}
	var malformed *MalformedSpecError
	if !errors.As(err, &malformed) || malformed.Field != "checksums" {
		return nil, err
	}

	// Rebuild the source list from the sources file alone.
	spec = &PackageSpec{Name: name, Dir: dir}
	versionData, verr := os.ReadFile(filepath.Join(dir, "version"))
	if verr != nil {
		return nil, &MalformedSpecError{Pkg: name, Field: "version", Reason: "file missing"}
	}
	fields := strings.Fields(string(versionData))
	if len(fields) == 0 {
		return nil, &MalformedSpecError{Pkg: name, Field: "version", Reason: "file is empty"}
	}
	spec.Version = fields[0]

	sourceData, serr := os.ReadFile(filepath.Join(dir, "sources"))
	if serr != nil {
		return nil, &MalformedSpecError{Pkg: name, Field: "sources", Reason: "file missing"}
	}
	for _, line := range strings.Split(string(sourceData), "\n") {
		src := firstToken(line)
		if src == "" {
			continue
		}
		spec.Sources = append(spec.Sources, SourceRef{URL: src, File: filepath.Base(src)})
	}
	return spec, nil
}

func cmdInfo(ctx context.Context, cfg *Config, args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(1)
	}
	name := args[0]

	dir, err := findPackageDir(cfg.RepoPaths, name)
	if err != nil {
		fatal(&UnknownPackageError{Pkg: name})
	}
	spec, err := loadPackageSpec(name, dir)
	if err != nil {
		fatal(err)
	}

	fmt.Printf("name:     %s\n", spec.Name)
	fmt.Printf("version:  %s\n", spec.Version)
	fmt.Printf("dir:      %s\n", spec.Dir)
	if len(spec.Depends) > 0 {
		fmt.Printf("depends:  %s\n", strings.Join(spec.Depends, " "))
	} else {
		fmt.Printf("depends:  (none)\n")
	}
	for _, src := range spec.Sources {
		sum := src.Checksum
		if len(sum) > 16 {
			sum = sum[:16]
		}
		fmt.Printf("source:   %s (%s)\n", src.URL, sum)
	}
	for _, p := range spec.Patches {
		fmt.Printf("patch:    %s\n", filepath.Base(p))
	}
	if spec.SkipReason != "" {
		fmt.Printf("skipped:  %s\n", spec.SkipReason)
	}

	locks, err := NewLockManager(cfg.LockDir())
	if err != nil {
		fatal(err)
	}
	ledger, err := NewLedger(cfg.LedgerDir(), locks)
	if err != nil {
		fatal(err)
	}
	rec, err := ledger.Lookup(ctx, name)
	if err != nil {
		fatal(err)
	}
	if rec == nil {
		fmt.Printf("state:    not installed\n")
	} else if rec.Version == spec.Version && rec.Checksum == spec.PrimaryChecksum() {
		fmt.Printf("state:    installed (%s, current)\n", rec.Version)
	} else {
		fmt.Printf("state:    installed (%s, out of date)\n", rec.Version)
	}
}
