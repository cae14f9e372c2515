// Package binstore is the content-addressed binary store: submitted
// targets are written once under binaries/<h0>/<h1>/<sha256> and
// deduplicated by content hash.
package binstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cert-ee/cuckoo3/pkg/errs"
)

// Store is a content-addressed file store rooted at a "binaries"
// directory. Two-character shard prefixes (the first two hex bytes of
// the digest) keep any single directory from holding every blob.
type Store struct {
	root        string
	minFileSize int64
	maxFileSize int64
}

// DefaultMinFileSize and DefaultMaxFileSize are the default bounds
// (133 bytes / 4 GiB).
const (
	DefaultMinFileSize int64 = 133
	DefaultMaxFileSize int64 = 4 << 30
)

// New returns a Store rooted at root/binaries, creating the root if
// absent. A zero min/max disables that bound.
func New(root string, minFileSize, maxFileSize int64) (*Store, error) {
	dir := filepath.Join(root, "binaries")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create binary store root: %w", err)
	}
	return &Store{root: dir, minFileSize: minFileSize, maxFileSize: maxFileSize}, nil
}

// Path returns the canonical on-disk path for a sha256 digest, whether
// or not the blob has been written yet.
func (s *Store) Path(sha256hex string) string {
	return filepath.Join(s.root, sha256hex[0:2], sha256hex[2:4], sha256hex)
}

// Has reports whether a blob with the given digest is already stored.
func (s *Store) Has(sha256hex string) bool {
	_, err := os.Stat(s.Path(sha256hex))
	return err == nil
}

// Put stores data, returning its sha256 hex digest. Repeated Put calls
// with identical content are idempotent: the second call observes the
// existing blob and leaves it untouched (create-if-absent via a
// temp-file-then-rename, so concurrent writers of the same digest
// never interleave partial content into the canonical path).
func (s *Store) Put(data []byte) (string, error) {
	size := int64(len(data))
	if s.minFileSize > 0 && size < s.minFileSize {
		return "", errs.ErrFileTooSmall
	}
	if s.maxFileSize > 0 && size > s.maxFileSize {
		return "", errs.ErrFileTooLarge
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	dst := s.Path(digest)

	if s.Has(digest) {
		return digest, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		// Another writer may have won the race for the same digest;
		// that's fine, the content is identical by definition of sha256.
		if s.Has(digest) {
			return digest, nil
		}
		return "", fmt.Errorf("rename temp file into place: %w", err)
	}

	return digest, nil
}

// PutReader streams src into the store without buffering the whole
// file in memory, validating size bounds as it goes. The stream is
// hashed once, while it is written to a temp file, and that file is
// then renamed into place under the resulting digest.
func (s *Store) PutReader(src io.Reader, knownSize int64) (string, error) {
	if s.minFileSize > 0 && knownSize >= 0 && knownSize < s.minFileSize {
		return "", errs.ErrFileTooSmall
	}
	if s.maxFileSize > 0 && knownSize >= 0 && knownSize > s.maxFileSize {
		return "", errs.ErrFileTooLarge
	}

	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	limit := src
	if s.maxFileSize > 0 {
		limit = io.LimitReader(src, s.maxFileSize+1)
	}
	written, err := io.Copy(io.MultiWriter(tmp, hasher), limit)
	tmp.Close()
	if err != nil {
		return "", fmt.Errorf("stream to temp file: %w", err)
	}
	if s.maxFileSize > 0 && written > s.maxFileSize {
		return "", errs.ErrFileTooLarge
	}
	if s.minFileSize > 0 && written < s.minFileSize {
		return "", errs.ErrFileTooSmall
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	dst := s.Path(digest)

	if s.Has(digest) {
		return digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		if s.Has(digest) {
			return digest, nil
		}
		return "", fmt.Errorf("rename temp file into place: %w", err)
	}

	return digest, nil
}

// Open returns a reader over the stored blob for sha256hex.
func (s *Store) Open(sha256hex string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(sha256hex))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", sha256hex, err)
	}
	return f, nil
}

// Size returns the stored blob's size in bytes.
func (s *Store) Size(sha256hex string) (int64, error) {
	fi, err := os.Stat(s.Path(sha256hex))
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", sha256hex, err)
	}
	return fi.Size(), nil
}
