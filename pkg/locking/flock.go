package locking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FlockGroup is a Group implementation backed by advisory file locks, so it
// provides mutual exclusion between several processes sharing a cache root.
// Each key maps to a lock file named after the SHA-256 of the key.
type FlockGroup struct {
	dir        string
	retryDelay time.Duration
}

// NewFlockGroup creates a FlockGroup that keeps its lock files in dir.
func NewFlockGroup(dir string) (*FlockGroup, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FlockGroup{
		dir:        dir,
		retryDelay: 10 * time.Millisecond,
	}, nil
}

func (g *FlockGroup) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(g.dir, hex.EncodeToString(sum[:])+".lock")
}

func (g *FlockGroup) DoWithLock(ctx context.Context, key string, fn func() error) error {
	fl := flock.New(g.lockPath(key))

	locked, err := fl.TryLockContext(ctx, g.retryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire lock for %q: %w", key, err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock for %q", key)
	}
	defer fl.Unlock()

	return fn()
}
