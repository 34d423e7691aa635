package backends

import (
	"context"
	"fmt"
	"sync"

	"github.com/richardartoul/filecache/pkg/naming"
)

// Memory is a Backend that keeps content in process memory. Content does not
// survive a restart, so it is only suitable for tests and throwaway
// deployments.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		blobs: make(map[string][]byte),
	}
}

func (m *Memory) Write(ctx context.Context, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := naming.NewToken()
	blob := make([]byte, len(content))
	copy(blob, content)

	m.mu.Lock()
	m.blobs[id] = blob
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) Read(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	blob, ok := m.blobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("content %s: %w", id, ErrNotFound)
	}

	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.blobs, id)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
