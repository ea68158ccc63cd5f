package tatara

import (
	"bytes"
	"os/exec"
)

// Patch application. Patches run strictly after staging and before the
// recipe, in the lexical order the catalog loaded them, with -p1 and zero
// fuzz so a drifted source tree fails loudly instead of mis-applying.
// All-or-nothing: the first failure aborts and the caller discards the whole
// staging directory, so a partially patched tree never reaches a recipe.

func applyPatches(e *Executor, spec *PackageSpec, srcDir string) error {
	for _, p := range spec.Patches {
		debugf("applying %s\n", p)
		var out bytes.Buffer
		cmd := exec.Command("patch", "-p1", "--fuzz=0", "-N", "-i", p)
		cmd.Dir = srcDir
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := e.Run(cmd); err != nil {
			return &PatchApplyError{Patch: p, Output: out.String()}
		}
	}
	return nil
}
