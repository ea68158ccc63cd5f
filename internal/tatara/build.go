package tatara

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Recipe execution. The build script is an opaque capability: it gets the
// staged source tree as cwd, the package output directory as $1 and the
// version as $2, and must install into $1 (also exported as DESTDIR). The
// orchestrator later syncs the output directory into the real prefix under
// the package lock, so a failed recipe never touches the installed tree.

// buildEnv assembles the recipe environment: a controlled base plus any
// overrides from the optional per-package env file (KEY=VALUE lines).
func buildEnv(cfg *Config, spec *PackageSpec, outDir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"TERM=" + os.Getenv("TERM"),
		"TATARA_ROOT=" + cfg.RootDir,
		"DESTDIR=" + outDir,
		"PREFIX=/usr",
		"CFLAGS=" + envOr("CFLAGS", "-O2 -pipe"),
		"CXXFLAGS=" + envOr("CXXFLAGS", "-O2 -pipe"),
		"LDFLAGS=" + os.Getenv("LDFLAGS"),
		"MAKEFLAGS=-j" + strconv.Itoa(cfg.Jobs),
	}

	// Optional env file in the package dir for per-package toggles.
	if data, err := os.ReadFile(filepath.Join(spec.Dir, "env")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
				continue
			}
			env = append(env, line)
		}
	}
	return env
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// logTailBytes bounds how much recipe output a failure report carries.
const logTailBytes = 8 * 1024

// tailBuffer keeps the last logTailBytes of everything written through it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > logTailBytes {
		t.buf = t.buf[len(t.buf)-logTailBytes:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// runRecipe executes the package build script. Output streams to logPath in
// full; on failure the returned RecipeFailedError carries the exit code and
// the log tail.
func runRecipe(e *Executor, cfg *Config, spec *PackageSpec, srcDir, outDir, logPath string) error {
	if spec.Recipe == "" {
		// Metapackage: nothing to run, the (empty) output dir still installs.
		debugf("%s has no build script, treating as metapackage\n", spec.Name)
		return nil
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create build log: %v", err)
	}
	defer logFile.Close()

	tail := &tailBuffer{}
	out := io.MultiWriter(logFile, tail)

	cmd := exec.Command(spec.Recipe, outDir, spec.Version)
	cmd.Dir = srcDir
	cmd.Env = buildEnv(cfg, spec, outDir)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := e.Run(cmd); err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return &RecipeFailedError{Pkg: spec.Name, ExitCode: exitCode, Output: tail.String()}
	}
	return nil
}

// installOutput syncs the recipe's output directory into the root prefix.
// Callers hold the package lock. cp -aT preserves modes, owners and links;
// the Go walk below is the fallback for systems without GNU cp.
func installOutput(e *Executor, outDir, rootDir string) error {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return err
	}

	cmd := exec.Command("cp", "-aT", outDir, rootDir)
	if err := e.Run(cmd); err == nil {
		return nil
	}
	debugf("cp -aT unavailable, falling back to native copy\n")
	return copyTree(outDir, rootDir)
}

// copyTree mirrors src into dst, preserving file modes and symlinks.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		default:
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		}
	})
}
