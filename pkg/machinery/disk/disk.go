// Package disk prepares disposable disk copies for a machine's restore
// step. A disposable copy means a driver's restore_start never mutates
// the canonical golden image backing a machine: every restore gets its
// own throwaway full copy of the image, removed once the task finishes.
package disk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/diskfs/go-diskfs"
	"github.com/lima-vm/go-qcow2reader"
)

// Inspector reports the logical size and format of a base image
// without copying it, grounding a size sanity check before allocating
// a disposable copy.
type Inspector struct{}

// Inspect opens the qcow2 (or raw) image at path read-only and reports
// its virtual size and container format.
func (Inspector) Inspect(path string) (size int64, format string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("open base image %s: %w", path, err)
	}
	defer f.Close()

	img, err := qcow2reader.Open(f)
	if err != nil {
		return 0, "", fmt.Errorf("parse base image %s: %w", path, err)
	}
	return img.Size(), string(img.Type()), nil
}

// Manager allocates and reclaims disposable disk copies under a scratch
// directory, one per running task.
type Manager struct {
	scratchDir string
}

// NewManager returns a Manager that stages disposable copies under
// scratchDir (created if absent).
func NewManager(scratchDir string) (*Manager, error) {
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("create disk scratch dir: %w", err)
	}
	return &Manager{scratchDir: scratchDir}, nil
}

// Prepare copies basePath's content into a fresh disposable file named
// after taskID, returning its path. The copy is a plain byte-for-byte
// duplicate (not a qcow2 backing-file overlay): simpler to reason
// about for a disposable single-use disk, at the cost of one full
// image copy per task.
func (m *Manager) Prepare(taskID, basePath string) (string, error) {
	dst := filepath.Join(m.scratchDir, taskID+filepath.Ext(basePath))

	src, err := os.Open(basePath)
	if err != nil {
		return "", fmt.Errorf("open base image %s: %w", basePath, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create disposable disk %s: %w", dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("copy base image into %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("close disposable disk %s: %w", dst, err)
	}

	return dst, nil
}

// Discard removes a disposable disk after its task has finished.
func (m *Manager) Discard(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard disposable disk %s: %w", path, err)
	}
	return nil
}

// FormatRaw creates an empty raw disk image of the given size at path,
// for machinery that wants a blank scratch volume rather than a
// snapshot-backed copy (e.g. norestore_start against a freshly
// provisioned machine).
func FormatRaw(path string, sizeBytes int64) error {
	d, err := diskfs.Create(path, sizeBytes, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return fmt.Errorf("create raw disk %s: %w", path, err)
	}
	return d.File.Close()
}
