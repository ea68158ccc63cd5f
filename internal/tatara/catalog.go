package tatara

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// SourceRef is one artifact a package builds from.
type SourceRef struct {
	URL      string
	File     string // basename used in the staging dir and checksums file
	Checksum string // pinned BLAKE3 hex digest
}

// PackageSpec is the in-memory form of one package directory.
// The version string is immutable once loaded; a changed version file is a
// new spec generation on the next catalog load.
type PackageSpec struct {
	Name       string
	Version    string
	Dir        string // package directory inside its repo
	Sources    []SourceRef
	Depends    []string
	Patches    []string // absolute paths, lexical order
	Recipe     string   // absolute path to the build script
	SkipReason string   // non-empty when excluded on this platform
}

// PrimaryChecksum is the checksum recorded in the ledger for this spec.
// Packages without sources (pure-recipe packages) hash to their version.
func (s *PackageSpec) PrimaryChecksum() string {
	if len(s.Sources) > 0 {
		return s.Sources[0].Checksum
	}
	return hashString(s.Name + "@" + s.Version)
}

// Catalog is the loaded package metadata, preserving insertion order so
// resolution ties break deterministically across runs.
type Catalog struct {
	specs map[string]*PackageSpec
	order []string
}

func (c *Catalog) Get(name string) (*PackageSpec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

func (c *Catalog) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Catalog) Len() int { return len(c.order) }

// loadCatalog reads every package directory under the repo paths, first repo
// winning on duplicate names. Pure read, no side effects.
func loadCatalog(repoPaths []string) (*Catalog, error) {
	cat := &Catalog{specs: make(map[string]*PackageSpec)}

	for _, repo := range repoPaths {
		entries, err := os.ReadDir(repo)
		if err != nil {
			// An unreadable repo path is an environment problem, not a build
			// failure.
			return nil, &PreconditionError{Reason: fmt.Sprintf("cannot read repository %s: %v", repo, err)}
		}
		// os.ReadDir sorts by name; keep it that way for reproducible plans.
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			name := e.Name()
			if _, exists := cat.specs[name]; exists {
				continue // earlier repo wins
			}
			spec, err := loadPackageSpec(name, filepath.Join(repo, name))
			if err != nil {
				return nil, err
			}
			cat.specs[name] = spec
			cat.order = append(cat.order, name)
		}
	}

	return cat, nil
}

// loadPackageSpec parses a single package directory.
func loadPackageSpec(name, dir string) (*PackageSpec, error) {
	spec := &PackageSpec{Name: name, Dir: dir}

	// version: first token of the first non-comment line.
	versionData, err := os.ReadFile(filepath.Join(dir, "version"))
	if err != nil {
		return nil, &MalformedSpecError{Pkg: name, Field: "version", Reason: "file missing"}
	}
	fields := strings.Fields(string(versionData))
	if len(fields) == 0 {
		return nil, &MalformedSpecError{Pkg: name, Field: "version", Reason: "file is empty"}
	}
	spec.Version = fields[0]

	// depends: required, may be empty. One name per line.
	dependsPath := filepath.Join(dir, "depends")
	dependsData, err := os.ReadFile(dependsPath)
	if err != nil {
		return nil, &MalformedSpecError{Pkg: name, Field: "depends", Reason: "file missing"}
	}
	for _, line := range strings.Split(string(dependsData), "\n") {
		dep := firstToken(line)
		if dep == "" {
			continue
		}
		if dep == name {
			return nil, &MalformedSpecError{Pkg: name, Field: "depends", Reason: "package depends on itself"}
		}
		spec.Depends = append(spec.Depends, dep)
	}

	// sources + checksums: optional as a pair, but every source needs a
	// pinned checksum.
	sums, err := readChecksums(filepath.Join(dir, "checksums"))
	if err != nil {
		return nil, &MalformedSpecError{Pkg: name, Field: "checksums", Reason: err.Error()}
	}
	sourceData, err := os.ReadFile(filepath.Join(dir, "sources"))
	if err == nil {
		for _, line := range strings.Split(string(sourceData), "\n") {
			src := firstToken(line)
			if src == "" {
				continue
			}
			fname := filepath.Base(src)
			sum, ok := sums[fname]
			if !ok {
				return nil, &MalformedSpecError{Pkg: name, Field: "checksums",
					Reason: fmt.Sprintf("no checksum pinned for %s", fname)}
			}
			spec.Sources = append(spec.Sources, SourceRef{URL: src, File: fname, Checksum: sum})
		}
	}

	// build: the opaque recipe capability.
	recipe := filepath.Join(dir, "build")
	if info, err := os.Stat(recipe); err == nil && !info.IsDir() {
		spec.Recipe = recipe
	}

	// patches/: ordered patch files.
	patchDir := filepath.Join(dir, "patches")
	if entries, err := os.ReadDir(patchDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			n := e.Name()
			if strings.HasSuffix(n, ".patch") || strings.HasSuffix(n, ".diff") {
				spec.Patches = append(spec.Patches, filepath.Join(patchDir, n))
			}
		}
		sort.Strings(spec.Patches)
	}

	// skip: platform exclusions, "<goarch|*> reason..." per line.
	if skipData, err := os.ReadFile(filepath.Join(dir, "skip")); err == nil {
		for _, line := range strings.Split(string(skipData), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			f := strings.Fields(line)
			if f[0] == "*" || f[0] == runtime.GOARCH {
				reason := strings.Join(f[1:], " ")
				if reason == "" {
					reason = "excluded on " + runtime.GOARCH
				}
				spec.SkipReason = reason
				break
			}
		}
	}

	return spec, nil
}

// readChecksums loads "<hash>  <filename>" lines into a map.
func readChecksums(path string) (map[string]string, error) {
	sums := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sums, nil
		}
		return nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return nil, fmt.Errorf("bad checksum line %q", line)
		}
		// Checksum is first, filename is the rest
		sums[strings.Join(parts[1:], " ")] = parts[0]
	}
	return sums, nil
}

// firstToken returns the first whitespace-separated token of a metadata
// line, tolerating blank lines, full-line comments, and trailing inline
// comments after the token.
func firstToken(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	fields := strings.Fields(line)
	return fields[0]
}

// findPackageDir locates a package's directory across the repo paths.
func findPackageDir(repoPaths []string, pkgName string) (string, error) {
	for _, repo := range repoPaths {
		pkgDir := filepath.Join(repo, pkgName)
		if info, err := os.Stat(pkgDir); err == nil && info.IsDir() {
			return pkgDir, nil
		}
	}
	return "", fmt.Errorf("package %s not found in any repository", pkgName)
}
