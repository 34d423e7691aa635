package locking

import "context"

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. It is the default for the
// file cache, whose operations converge without cross-request locking.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(ctx context.Context, key string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}
