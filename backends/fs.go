package backends

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/richardartoul/filecache/pkg/naming"
)

// FS is a Backend that stores each blob as a file under a base directory.
//
// Blobs are spread across 256 subdirectories (00-ff) named after the last
// two characters of the content ID. IDs are UUIDv7 tokens whose leading bytes
// are a timestamp, so the trailing random bytes give an even spread.
type FS struct {
	baseDir string
}

// NewFS creates a filesystem backend rooted at baseDir, creating the
// directory tree if needed.
func NewFS(baseDir string) (*FS, error) {
	absBaseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	// Precreate all 256 subdirectories to avoid syscalls during writes.
	for i := 0; i < 256; i++ {
		subdir := filepath.Join(absBaseDir, fmt.Sprintf("%02x", i))
		if err := os.MkdirAll(subdir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create subdirectory %s: %w", subdir, err)
		}
	}

	return &FS{baseDir: absBaseDir}, nil
}

// Write stores content under a fresh content ID.
func (f *FS) Write(ctx context.Context, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := naming.NewToken()
	diskPath := f.idToPath(id)

	// Write to a temp file first and rename, so a blob is either absent or
	// complete.
	tmpPath := diskPath + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0644); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, diskPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename content file: %w", err)
	}

	return id, nil
}

// Read returns the content stored under id.
func (f *FS) Read(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("content %q: %w", id, err)
	}

	data, err := os.ReadFile(f.idToPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("content %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	return data, nil
}

// Delete removes the content stored under id.
func (f *FS) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return fmt.Errorf("content %q: %w", id, err)
	}

	if err := os.Remove(f.idToPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete content: %w", err)
	}
	return nil
}

// idToPath converts a content ID to its location on disk.
func (f *FS) idToPath(id string) string {
	subdir := "00"
	if len(id) >= 2 {
		subdir = id[len(id)-2:]
	}
	return filepath.Join(f.baseDir, subdir, id)
}
