package tatara

import (
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"
)

// Content hashing. BLAKE3, 32-byte digests, lowercase hex — the same digest
// the checksums metadata files pin and the ledger records.

func hashString(s string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// hashFile streams a file through BLAKE3.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// verifyChecksum compares a staged artifact against its pinned digest.
// A mismatch discards nothing by itself; callers remove the artifact so a
// corrupt download is never half-installed.
func verifyChecksum(path, want string) error {
	got, err := hashFile(path)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %v", path, err)
	}
	if got != want {
		return &ChecksumMismatchError{File: path, Want: want, Got: got}
	}
	return nil
}
