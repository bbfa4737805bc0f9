package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tm-go/internal/tm"
)

// FileSystemArchive stores archived files under a root directory, one
// subdirectory per crawler:
//
//	<root>/
//	  <crawler>/
//	    <YYYY-MM-DD>.jsonl
type FileSystemArchive struct {
	name string
	root string
}

// NewFileSystemArchive creates an archive rooted at root, creating it if needed.
func NewFileSystemArchive(name, root string) (*FileSystemArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &FileSystemArchive{name: name, root: root}, nil
}

// Put copies r to root/key through a temp file and rename. Existing objects
// are replaced.
func (a *FileSystemArchive) Put(_ context.Context, key string, r io.Reader, size int64) error {
	dest, err := a.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// path resolves key below root, rejecting keys that would escape it.
func (a *FileSystemArchive) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(a.root, clean), nil
}

// ValidateSetup verifies that the archive root is a writable directory.
func (a *FileSystemArchive) ValidateSetup() error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", a.root)
	}

	probe, err := os.CreateTemp(a.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("archive root not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

var _ tm.Archive = (*FileSystemArchive)(nil)
