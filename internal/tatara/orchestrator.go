package tatara

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Parallel build orchestration. Workers pick packages whose dependencies have
// all finished successfully; a failure drains the failed package's transitive
// dependents from the queue so they report as skipped instead of building
// against a missing dependency. Everything else keeps going.

type Outcome int

const (
	Installed Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Installed:
		return "installed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// BuildResult is the terminal state of one package in a run.
type BuildResult struct {
	Name     string
	Outcome  Outcome
	Cached   bool // already installed at the pinned version, nothing ran
	Err      error
	Reason   string // human-readable cause for skips
	Duration time.Duration
}

// Orchestrator drives a resolved plan to completion.
type Orchestrator struct {
	cfg     *Config
	cat     *Catalog
	fetcher *Fetcher
	ledger  *Ledger
	locks   *LockManager

	mu      sync.Mutex
	pending map[string]bool
	running map[string]bool
	done    map[string]*BuildResult
}

func NewOrchestrator(cfg *Config, cat *Catalog, fetcher *Fetcher, ledger *Ledger, locks *LockManager) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		cat:     cat,
		fetcher: fetcher,
		ledger:  ledger,
		locks:   locks,
		pending: make(map[string]bool),
		running: make(map[string]bool),
		done:    make(map[string]*BuildResult),
	}
}

// canBuild reports whether every dependency of name has installed.
func (o *Orchestrator) canBuild(name string) bool {
	spec, _ := o.cat.Get(name)
	for _, dep := range spec.Depends {
		res, ok := o.done[dep]
		if !ok || res.Outcome != Installed {
			return false
		}
	}
	return true
}

// drainDependents removes every pending transitive dependent of failedPkg and
// records each as skipped with the unsatisfied dependency as cause.
// Caller holds o.mu.
func (o *Orchestrator) drainDependents(failedPkg string, results *[]*BuildResult) {
	var pendingList []string
	for p := range o.pending {
		pendingList = append(pendingList, p)
	}
	for _, dep := range dependents(o.cat, failedPkg, pendingList) {
		delete(o.pending, dep)
		res := &BuildResult{
			Name:    dep,
			Outcome: Skipped,
			Err:     &UnsatisfiedDependencyError{Pkg: dep, Dep: failedPkg},
			Reason:  fmt.Sprintf("dependency %s failed", failedPkg),
		}
		o.done[dep] = res
		*results = append(*results, res)
		colArrow.Print("-> ")
		cPrintf(colWarn, "skipping %s: dependency %s failed\n", dep, failedPkg)
	}
}

// Run executes the plan and returns the terminal result of every package the
// plan mentions, including the pre-resolved skips.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) []*BuildResult {
	var results []*BuildResult

	// Platform skips and their blocked dependents never enter the queue.
	for name, reason := range plan.Skipped {
		res := &BuildResult{Name: name, Outcome: Skipped, Reason: reason}
		o.done[name] = res
		results = append(results, res)
	}
	for name, cause := range plan.Unsatisfied {
		res := &BuildResult{
			Name:    name,
			Outcome: Skipped,
			Err:     &UnsatisfiedDependencyError{Pkg: name, Dep: cause},
			Reason:  fmt.Sprintf("depends on skipped package %s", cause),
		}
		o.done[name] = res
		results = append(results, res)
	}

	for _, name := range plan.Order {
		o.pending[name] = true
	}

	resultCh := make(chan *BuildResult)
	total := len(plan.Order)
	finished := 0

	for {
		o.mu.Lock()
		// Launch every startable package up to the worker limit.
		for name := range o.pending {
			if len(o.running) >= o.cfg.Jobs {
				break
			}
			if !o.canBuild(name) {
				continue
			}
			delete(o.pending, name)
			o.running[name] = true
			go func(pkg string) {
				resultCh <- o.buildOne(ctx, pkg)
			}(name)
		}
		idle := len(o.running) == 0
		o.mu.Unlock()

		if idle {
			// Nothing running and nothing startable. Anything still pending
			// is unreachable (interrupted run) and reports as skipped.
			o.mu.Lock()
			for p := range o.pending {
				delete(o.pending, p)
				res := &BuildResult{Name: p, Outcome: Skipped, Reason: "not built"}
				o.done[p] = res
				results = append(results, res)
			}
			o.mu.Unlock()
			break
		}

		res := <-resultCh
		finished++

		o.mu.Lock()
		delete(o.running, res.Name)
		o.done[res.Name] = res
		results = append(results, res)

		switch res.Outcome {
		case Installed:
			colArrow.Print("-> ")
			if res.Cached {
				cPrintf(colNote, "%s already installed (%d/%d)\n", res.Name, finished, total)
			} else {
				cPrintf(colSuccess, "%s installed in %s (%d/%d)\n", res.Name, res.Duration.Round(time.Second), finished, total)
			}
		case Failed:
			colArrow.Print("-> ")
			cPrintf(colError, "%s failed: %v\n", res.Name, res.Err)
			o.drainDependents(res.Name, &results)
		}
		o.mu.Unlock()

		if ctx.Err() != nil {
			o.mu.Lock()
			for p := range o.pending {
				delete(o.pending, p)
				res := &BuildResult{Name: p, Outcome: Skipped, Reason: "interrupted"}
				o.done[p] = res
				results = append(results, res)
			}
			o.mu.Unlock()
		}
	}

	return results
}

// preserveLog copies a failed build's log out of the doomed staging dir so
// the diagnostics survive the cleanup. Returns the destination, or "" when
// no log was written.
func (o *Orchestrator) preserveLog(spec *PackageSpec, logPath string) string {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return ""
	}
	logDir := filepath.Join(o.cfg.CacheDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return ""
	}
	dest := filepath.Join(logDir, spec.Name+"-"+spec.Version+".log")
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return ""
	}
	return dest
}

// buildOne runs the full pipeline for one package: lock, ledger check,
// stage, patch, recipe, install, record.
func (o *Orchestrator) buildOne(ctx context.Context, name string) *BuildResult {
	start := time.Now()
	res := &BuildResult{Name: name}
	spec, _ := o.cat.Get(name)

	lock, err := o.locks.Acquire(ctx, spec.Name+"@"+spec.Version, ExclusiveLock, o.cfg.LockTimeout)
	if err != nil {
		res.Outcome = Failed
		res.Err = err
		return res
	}
	defer lock.Release()

	// Idempotence: a matching ledger record short-circuits the whole
	// pipeline. No fetch, no recipe, nothing touches the prefix.
	current, err := o.ledger.IsCurrent(ctx, spec)
	if err != nil {
		res.Outcome = Failed
		res.Err = err
		return res
	}
	if current {
		res.Outcome = Installed
		res.Cached = true
		return res
	}

	stageRoot, err := os.MkdirTemp(o.cfg.TmpDir, "tatara-"+name+"-")
	if err != nil {
		res.Outcome = Failed
		res.Err = err
		return res
	}
	srcDir := filepath.Join(stageRoot, "src")
	outDir := filepath.Join(stageRoot, "out")
	logPath := filepath.Join(stageRoot, "build.log")
	for _, d := range []string{srcDir, outDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			res.Outcome = Failed
			res.Err = err
			return res
		}
	}

	fail := func(err error) *BuildResult {
		res.Outcome = Failed
		res.Err = err
		res.Duration = time.Since(start)
		// The staging tree is discarded on every failure; only the build log
		// survives for postmortem.
		if logDest := o.preserveLog(spec, logPath); logDest != "" {
			colArrow.Print("-> ")
			cPrintf(colNote, "%s build log kept at %s\n", name, logDest)
		}
		os.RemoveAll(stageRoot)
		return res
	}

	colArrow.Print("-> ")
	colInfo.Printf("building %s %s\n", spec.Name, spec.Version)

	if err := o.fetcher.Stage(ctx, spec, srcDir); err != nil {
		return fail(err)
	}

	e := NewExecutor(ctx)
	if err := applyPatches(e, spec, srcDir); err != nil {
		return fail(err)
	}

	if err := runRecipe(e, o.cfg, spec, srcDir, outDir, logPath); err != nil {
		return fail(err)
	}

	// Install and record are the critical section: they run on a detached
	// context so the prefix and the ledger move together even when the run
	// is being cancelled. A second interrupt still force-quits.
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)
	critCtx := context.Background()

	if err := installOutput(NewExecutor(critCtx), outDir, o.cfg.RootDir); err != nil {
		return fail(err)
	}
	if err := o.ledger.Record(critCtx, &InstallRecord{
		Name:     spec.Name,
		Version:  spec.Version,
		Checksum: spec.PrimaryChecksum(),
	}); err != nil {
		return fail(err)
	}

	os.RemoveAll(stageRoot)
	res.Outcome = Installed
	res.Duration = time.Since(start)
	return res
}
