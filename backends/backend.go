package backends

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by Read when no content exists for an ID.
	ErrNotFound = errors.New("content not found")

	// ErrInvalidContentID is returned for IDs that cannot name a stored blob.
	ErrInvalidContentID = errors.New("invalid content ID")
)

// Backend defines the interface for durable content stores.
//
// A backend knows nothing about paths or filenames: it maps opaque content
// IDs to bytes. Implementations must be safe for concurrent use and must
// generate IDs without coordinating between callers.
type Backend interface {
	// Write stores content and returns a freshly generated content ID.
	Write(ctx context.Context, content []byte) (id string, err error)

	// Read returns the content stored under id, or ErrNotFound.
	Read(ctx context.Context, id string) ([]byte, error)

	// Delete removes the content stored under id. Deleting an ID that does
	// not exist succeeds.
	Delete(ctx context.Context, id string) error
}

// ValidateID rejects IDs that are empty or could be interpreted as a path.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return ErrInvalidContentID
	}
	return nil
}
