package locking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertExclusive runs many concurrent holders of the same key and checks
// that no two ever overlap.
func assertExclusive(t *testing.T, g Group) {
	var (
		wg      sync.WaitGroup
		holders int32
		maxSeen int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.DoWithLock(context.Background(), "/public/id/a.txt", func() error {
				n := atomic.AddInt32(&holders, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&holders, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestMemLockExclusive(t *testing.T) {
	g := NewMemLock()
	assertExclusive(t, g)
	assert.Equal(t, 0, g.size())
}

func TestMemLockDistinctKeys(t *testing.T) {
	g := NewMemLock()
	release := make(chan struct{})
	started := make(chan struct{})

	go g.DoWithLock(context.Background(), "a", func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	done := make(chan struct{})
	go func() {
		g.DoWithLock(context.Background(), "b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked behind key a")
	}
	close(release)
}

func TestMemLockContextCancelled(t *testing.T) {
	g := NewMemLock()
	release := make(chan struct{})
	started := make(chan struct{})

	go g.DoWithLock(context.Background(), "a", func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := g.DoWithLock(ctx, "a", func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
	close(release)
}

func TestNoOpGroup(t *testing.T) {
	g := NewNoOpGroup()
	sentinel := errors.New("boom")
	assert.ErrorIs(t, g.DoWithLock(context.Background(), "k", func() error { return sentinel }), sentinel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.DoWithLock(ctx, "k", func() error { return nil }), context.Canceled)
}

func TestFlockGroupExclusive(t *testing.T) {
	g, err := NewFlockGroup(t.TempDir())
	require.NoError(t, err)
	assertExclusive(t, g)
}

func TestFlockGroupPropagatesError(t *testing.T) {
	g, err := NewFlockGroup(t.TempDir())
	require.NoError(t, err)

	sentinel := errors.New("boom")
	assert.ErrorIs(t, g.DoWithLock(context.Background(), "k", func() error { return sentinel }), sentinel)
	assert.NotEqual(t, g.lockPath("a"), g.lockPath("b"))
}
