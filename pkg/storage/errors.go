package storage

import (
	"errors"

	"github.com/richardartoul/filecache/backends"
	"github.com/richardartoul/filecache/pkg/naming"
)

var (
	// ErrRejected is returned by Stage when an upload violates policy. Nothing
	// is written when it is returned, and retrying will not help.
	ErrRejected = errors.New("upload rejected")

	// ErrNotFound is returned when content or a staged file is absent. A
	// Remove racing an Ensure on the same path surfaces this way too.
	ErrNotFound = backends.ErrNotFound

	ErrNotPublic     = naming.ErrNotPublic
	ErrNotStaging    = naming.ErrNotStaging
	ErrMalformedPath = naming.ErrMalformedPath
)
