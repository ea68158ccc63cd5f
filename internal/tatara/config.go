package tatara

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds the merged /etc/tatara.conf values plus the derived paths the
// rest of the orchestrator reads.
type Config struct {
	Values map[string]string

	RootDir   string   // install tree, from TATARA_ROOT (required)
	CacheDir  string   // download cache, from TATARA_CACHE_DIR
	TmpDir    string   // per-attempt staging area parent
	RepoPaths []string // recipe repositories, from TATARA_PATH

	Jobs         int           // default parallel builds
	FetchRetries int           // extra download attempts after the first
	FetchBackoff time.Duration // base backoff between attempts, doubled each retry
	LockTimeout  time.Duration // package/ledger lock acquisition timeout
}

// Load /etc/tatara.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge TATARA_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge TATARA_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "TATARA_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

// initConfig derives paths and tunables from the merged values. A missing
// TATARA_ROOT is a fatal precondition, not a build failure.
func initConfig(cfg *Config) error {
	cfg.RootDir = cfg.Values["TATARA_ROOT"]
	if cfg.RootDir == "" {
		return &PreconditionError{Reason: "TATARA_ROOT is not set (install tree unknown)"}
	}

	cfg.CacheDir = cfg.Values["TATARA_CACHE_DIR"]
	if cfg.CacheDir == "" {
		cfg.CacheDir = "/var/cache/tatara"
	}

	cfg.TmpDir = cfg.Values["TMPDIR"]
	if cfg.TmpDir == "" {
		cfg.TmpDir = "/tmp"
	}

	for _, p := range strings.Split(cfg.Values["TATARA_PATH"], ":") {
		p = strings.TrimSpace(p)
		if p != "" {
			cfg.RepoPaths = append(cfg.RepoPaths, p)
		}
	}
	if len(cfg.RepoPaths) == 0 {
		return &PreconditionError{Reason: "TATARA_PATH is not set (no recipe repositories)"}
	}

	if cfg.Values["TATARA_DEBUG"] == "1" {
		Debug = true
	}

	cfg.Jobs = intValue(cfg, "TATARA_JOBS", 1)
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}
	if cfg.Jobs > runtime.NumCPU()*2 {
		cfg.Jobs = runtime.NumCPU() * 2
	}

	cfg.FetchRetries = intValue(cfg, "TATARA_FETCH_RETRIES", 2)
	cfg.FetchBackoff = durationValue(cfg, "TATARA_FETCH_BACKOFF", 2*time.Second)
	cfg.LockTimeout = durationValue(cfg, "TATARA_LOCK_TIMEOUT", 10*time.Minute)

	return nil
}

func intValue(cfg *Config, key string, def int) int {
	if v := cfg.Values[key]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func durationValue(cfg *Config, key string, def time.Duration) time.Duration {
	if v := cfg.Values[key]; v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare numbers are seconds
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// Derived state paths under the install root.
func (cfg *Config) LedgerDir() string {
	return filepath.Join(cfg.RootDir, "var", "db", "tatara", "installed")
}

func (cfg *Config) LockDir() string {
	return filepath.Join(cfg.RootDir, "var", "db", "tatara", "locks")
}

func (cfg *Config) SourceCacheDir() string {
	return filepath.Join(cfg.CacheDir, "sources", "_cache")
}
