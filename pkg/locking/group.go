package locking

import "context"

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys. The file cache keys groups by logical path so that
// concurrent regenerations of the same cached copy can be collapsed.
type Group interface {
	// DoWithLock runs fn with mutual exclusion over key. It returns ctx.Err()
	// without running fn if the context ends before the lock is acquired.
	DoWithLock(ctx context.Context, key string, fn func() error) error
}
