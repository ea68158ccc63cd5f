package tatara

import (
	"fmt"
	"strings"
	"time"
)

// MalformedSpecError reports a package directory whose metadata files are
// missing required fields or are unparseable.
type MalformedSpecError struct {
	Pkg    string
	Field  string
	Reason string
}

func (e *MalformedSpecError) Error() string {
	return fmt.Sprintf("malformed spec for %s: %s: %s", e.Pkg, e.Field, e.Reason)
}

// CyclicDependencyError names the members of a dependency cycle.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

// UnknownPackageError reports a dependency name with no catalog entry.
type UnknownPackageError struct {
	Pkg      string
	WantedBy string
}

func (e *UnknownPackageError) Error() string {
	if e.WantedBy == "" {
		return fmt.Sprintf("unknown package %s", e.Pkg)
	}
	return fmt.Sprintf("unknown package %s (required by %s)", e.Pkg, e.WantedBy)
}

// UnsatisfiedDependencyError marks a package whose dependency was skipped or
// failed, so the package itself is never attempted.
type UnsatisfiedDependencyError struct {
	Pkg string
	Dep string
}

func (e *UnsatisfiedDependencyError) Error() string {
	return fmt.Sprintf("%s: dependency %s not satisfied", e.Pkg, e.Dep)
}

// LockTimeoutError reports failure to acquire an advisory lock in time.
type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring lock %q after %s", e.Key, e.Timeout)
}

// FetchError wraps a transport failure, distinct from checksum failures.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ChecksumMismatchError reports a downloaded artifact whose content hash does
// not match the pinned checksum.
type ChecksumMismatchError struct {
	File string
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: want %s, got %s", e.File, e.Want, e.Got)
}

// PatchApplyError names the patch that failed and carries the rejected-hunk
// diagnostics captured from the patch tool.
type PatchApplyError struct {
	Patch  string
	Output string
}

func (e *PatchApplyError) Error() string {
	return fmt.Sprintf("patch %s did not apply cleanly", e.Patch)
}

// RecipeFailedError carries the exit status and captured diagnostic tail of a
// failed recipe run.
type RecipeFailedError struct {
	Pkg      string
	ExitCode int
	Output   string
}

func (e *RecipeFailedError) Error() string {
	return fmt.Sprintf("recipe for %s failed with exit status %d", e.Pkg, e.ExitCode)
}

// PreconditionError reports an unmet environment precondition (e.g. the root
// directory variable unset). Fatal before any build is attempted.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition: " + e.Reason
}
