package tatara

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Source acquisition. Downloads land in a shared content-addressed cache keyed
// by hash(url+version), so a re-pinned version never reuses a stale artifact
// with the same filename. Every cache hit and fresh download is checksum
// verified before staging; corrupt cache entries are evicted and the fetch
// fails with the mismatch.

// Transport fetches one URL to a local file. Implementations are scheme
// specific; tests substitute counting or failing transports.
type Transport interface {
	Get(ctx context.Context, rawURL, dest string) error
}

// httpTransport handles http:// and https:// with a progress bar on TTYs.
type httpTransport struct {
	client *http.Client
}

func (t *httpTransport) Get(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	var w io.Writer = out
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

// s3Transport handles s3://bucket/key sources, e.g. private artifact mirrors.
type s3Transport struct {
	client *s3.Client
}

func newS3Transport(ctx context.Context) (*s3Transport, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %v", err)
	}
	return &s3Transport{client: s3.NewFromConfig(cfg)}, nil
}

func (t *s3Transport) Get(ctx context.Context, rawURL, dest string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	obj, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return err
	}
	defer obj.Body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, obj.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

// fileTransport handles file:// and bare absolute paths, common for local
// repo-adjacent sources.
type fileTransport struct{}

func (fileTransport) Get(ctx context.Context, rawURL, dest string) error {
	src := strings.TrimPrefix(rawURL, "file://")
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

// Fetcher downloads and verifies package sources.
type Fetcher struct {
	cacheDir   string
	retries    int
	backoff    time.Duration
	transports map[string]Transport
}

func NewFetcher(cfg *Config) *Fetcher {
	return &Fetcher{
		cacheDir: cfg.SourceCacheDir(),
		retries:  cfg.FetchRetries,
		backoff:  cfg.FetchBackoff,
		transports: map[string]Transport{
			"http":  &httpTransport{client: &http.Client{Timeout: 30 * time.Minute}},
			"https": &httpTransport{client: &http.Client{Timeout: 30 * time.Minute}},
			"file":  fileTransport{},
		},
	}
}

// RegisterTransport installs or replaces the transport for a URL scheme.
// The s3 transport is registered lazily by the orchestrator only when a
// catalog actually uses s3:// sources, so plain setups never touch AWS config.
func (f *Fetcher) RegisterTransport(scheme string, t Transport) {
	f.transports[scheme] = t
}

func urlScheme(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i > 0 {
		return rawURL[:i]
	}
	return "file" // bare paths are local sources
}

// cachePath is the content-addressed cache location for one source of one
// spec generation.
func (f *Fetcher) cachePath(src SourceRef, version string) string {
	return filepath.Join(f.cacheDir, hashString(src.URL+version)[:16]+"-"+src.File)
}

// fetchOne ensures a verified copy of src exists in the cache and returns its
// path. The per-entry file lock keeps concurrent builds of packages sharing a
// source from clobbering each other's download.
func (f *Fetcher) fetchOne(ctx context.Context, src SourceRef, version string) (string, error) {
	if err := os.MkdirAll(f.cacheDir, 0o755); err != nil {
		return "", err
	}
	cached := f.cachePath(src, version)

	var resultErr error
	err := withFileLock(cached, func() error {
		if _, err := os.Stat(cached); err == nil {
			if err := verifyChecksum(cached, src.Checksum); err == nil {
				debugf("cache hit for %s\n", src.File)
				return nil
			}
			// Corrupt or truncated cache entry: evict and re-download.
			colArrow.Print("-> ")
			colWarn.Printf("cached %s failed verification, re-downloading\n", src.File)
			os.Remove(cached)
		}

		scheme := urlScheme(src.URL)
		transport, ok := f.transports[scheme]
		if !ok {
			resultErr = &FetchError{URL: src.URL, Err: fmt.Errorf("unsupported scheme %q", scheme)}
			return nil
		}

		tmp := cached + ".part"
		backoff := f.backoff
		var lastErr error
		for attempt := 0; attempt <= f.retries; attempt++ {
			if attempt > 0 {
				debugf("retrying %s in %v (attempt %d/%d)\n", src.URL, backoff, attempt, f.retries)
				select {
				case <-ctx.Done():
					resultErr = &FetchError{URL: src.URL, Err: ctx.Err()}
					return nil
				case <-time.After(backoff):
				}
				backoff *= 2
			}
			lastErr = transport.Get(ctx, src.URL, tmp)
			if lastErr == nil {
				break
			}
			os.Remove(tmp)
			if ctx.Err() != nil {
				resultErr = &FetchError{URL: src.URL, Err: ctx.Err()}
				return nil
			}
		}
		if lastErr != nil {
			resultErr = &FetchError{URL: src.URL, Err: lastErr}
			return nil
		}

		if err := verifyChecksum(tmp, src.Checksum); err != nil {
			os.Remove(tmp)
			resultErr = err
			return nil
		}
		return os.Rename(tmp, cached)
	})
	if err != nil {
		return "", err
	}
	if resultErr != nil {
		return "", resultErr
	}
	return cached, nil
}

// Stage fetches every source of spec and materializes the staging source
// directory: archives unpacked (single top-level dir hoisted), plain files
// copied in.
func (f *Fetcher) Stage(ctx context.Context, spec *PackageSpec, srcDir string) error {
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return err
	}
	for _, src := range spec.Sources {
		cached, err := f.fetchOne(ctx, src, spec.Version)
		if err != nil {
			return err
		}
		if isArchive(src.File) {
			if err := unpackArchive(cached, srcDir); err != nil {
				return err
			}
		} else {
			if err := copyFileInto(cached, srcDir); err != nil {
				return err
			}
		}
	}
	return nil
}
