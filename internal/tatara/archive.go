package tatara

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// Staging: fetched artifacts are unpacked (or copied) into a fresh source
// directory per build. Tarballs with a single top-level directory get their
// contents hoisted so recipes always run from the source root.

// isArchive reports whether fetch should unpack the file or copy it in as-is.
func isArchive(name string) bool {
	switch {
	case strings.HasSuffix(name, ".tar"),
		strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"),
		strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"),
		strings.HasSuffix(name, ".tar.zst"):
		return true
	}
	return false
}

// unpackArchive extracts a tarball into destDir, dispatching on extension for
// the decompressor.
func unpackArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var reader io.Reader = f
	name := filepath.Base(archivePath)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip %s: %v", name, err)
		}
		defer gz.Close()
		reader = gz
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("xz %s: %v", name, err)
		}
		reader = xzr
	case strings.HasSuffix(name, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("zstd %s: %v", name, err)
		}
		defer zr.Close()
		reader = zr
	}

	if err := extractTar(reader, destDir); err != nil {
		return fmt.Errorf("extract %s: %v", name, err)
	}
	return hoistSingleDir(destDir)
}

// extractTar writes a tar stream under destDir, rejecting entries that would
// escape it.
func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			src := filepath.Join(destDir, hdr.Linkname)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(src, target); err != nil {
				return err
			}
		default:
			debugf("skipping tar entry %s (type %c)\n", hdr.Name, hdr.Typeflag)
		}
	}
}

// hoistSingleDir flattens the usual upstream layout where the tarball wraps
// everything in name-version/. After hoisting, the recipe's cwd is the actual
// source root.
func hoistSingleDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	inner := filepath.Join(dir, entries[0].Name())
	innerEntries, err := os.ReadDir(inner)
	if err != nil {
		return err
	}
	for _, e := range innerEntries {
		if err := os.Rename(filepath.Join(inner, e.Name()), filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return os.Remove(inner)
}

// copyFileInto copies a plain (non-archive) artifact into destDir keeping its
// basename.
func copyFileInto(src, destDir string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(filepath.Join(destDir, filepath.Base(src)))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
