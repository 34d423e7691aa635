// Package naming translates between the three path namespaces used by the
// file cache: staging paths, public (cache) paths and backend content IDs.
//
// A logical path has the form
//
//	<mountPrefix><namespaceRoot>/<segment>/<filename>
//
// where namespaceRoot is either the staging root or the public root. For
// staging paths the segment is a fresh token; for public paths it is the
// content ID. The filename is percent-encoded in the logical path only.
package naming

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultPublicRoot  = "/public"
	DefaultStagingRoot = "/upload"
)

var (
	// ErrNotPublic is returned when a path is not under the public root.
	ErrNotPublic = errors.New("path is not in the public namespace")
	// ErrNotStaging is returned when a path is not under the staging root.
	ErrNotStaging = errors.New("path is not in the staging namespace")
	// ErrMalformedPath is returned when a path has the right prefix but is
	// missing its segment or filename.
	ErrMalformedPath = errors.New("malformed logical path")
)

// Namespace identifies the lifecycle stage encoded in a logical path.
type Namespace int

const (
	NamespaceUnknown Namespace = iota
	NamespaceStaging
	NamespacePublic
)

func (n Namespace) String() string {
	switch n {
	case NamespaceStaging:
		return "staging"
	case NamespacePublic:
		return "public"
	default:
		return "unknown"
	}
}

// NewToken returns a fresh unique token. Tokens are UUIDv7 values (48-bit
// millisecond timestamp followed by crypto/rand bits) rendered as 32 hex
// characters, so they can be generated concurrently without coordination.
func NewToken() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

// NewStagingPath returns a fresh staging directory path of the form
// mountPrefix + stagingRoot + "/" + token.
func NewStagingPath(mountPrefix, stagingRoot string) string {
	return mountPrefix + stagingRoot + "/" + NewToken()
}

// FilterByNamespace returns the members of paths that start with
// mountPrefix + root + "/", deduplicated. The order of first occurrence is
// preserved.
func FilterByNamespace(paths []string, mountPrefix, root string) []string {
	prefix := mountPrefix + root + "/"
	seen := make(map[string]struct{}, len(paths))
	filtered := make([]string, 0, len(paths))
	for _, p := range paths {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		filtered = append(filtered, p)
	}
	return filtered
}

// Codec bundles the mount prefix and namespace roots. It is immutable after
// construction and safe for concurrent use.
type Codec struct {
	MountPrefix string
	PublicRoot  string
	StagingRoot string
}

// NewCodec returns a Codec, substituting the default roots for empty ones.
func NewCodec(mountPrefix, publicRoot, stagingRoot string) Codec {
	if publicRoot == "" {
		publicRoot = DefaultPublicRoot
	}
	if stagingRoot == "" {
		stagingRoot = DefaultStagingRoot
	}
	return Codec{
		MountPrefix: mountPrefix,
		PublicRoot:  publicRoot,
		StagingRoot: stagingRoot,
	}
}

func (c Codec) publicPrefix() string  { return c.MountPrefix + c.PublicRoot + "/" }
func (c Codec) stagingPrefix() string { return c.MountPrefix + c.StagingRoot + "/" }

// Namespace reports which namespace p belongs to.
func (c Codec) Namespace(p string) Namespace {
	switch {
	case strings.HasPrefix(p, c.publicPrefix()):
		return NamespacePublic
	case strings.HasPrefix(p, c.stagingPrefix()):
		return NamespaceStaging
	default:
		return NamespaceUnknown
	}
}

// PublicFiles returns the deduplicated public-namespace members of paths.
func (c Codec) PublicFiles(paths []string) []string {
	return FilterByNamespace(paths, c.MountPrefix, c.PublicRoot)
}

// StagingFiles returns the deduplicated staging-namespace members of paths.
func (c Codec) StagingFiles(paths []string) []string {
	return FilterByNamespace(paths, c.MountPrefix, c.StagingRoot)
}

// NewStagingPath returns a fresh staging directory for this codec.
func (c Codec) NewStagingPath() string {
	return NewStagingPath(c.MountPrefix, c.StagingRoot)
}

// PublicPath builds the public logical path for a content ID and filename.
func (c Codec) PublicPath(id, filename string) string {
	return c.publicPrefix() + id + "/" + url.PathEscape(filename)
}

// ToContentID extracts the content ID from a public logical path.
func (c Codec) ToContentID(publicPath string) (string, error) {
	segment, _, err := c.split(publicPath, c.publicPrefix())
	if err != nil {
		if errors.Is(err, errWrongPrefix) {
			return "", fmt.Errorf("%q: %w", publicPath, ErrNotPublic)
		}
		return "", err
	}
	return segment, nil
}

// Filename returns the decoded original filename of a staging or public path.
func (c Codec) Filename(p string) (string, error) {
	prefix := c.publicPrefix()
	if c.Namespace(p) == NamespaceStaging {
		prefix = c.stagingPrefix()
	}
	_, filename, err := c.split(p, prefix)
	if err != nil {
		if errors.Is(err, errWrongPrefix) {
			return "", fmt.Errorf("%q: %w", p, ErrMalformedPath)
		}
		return "", err
	}
	return filename, nil
}

// Resolve strips the mount prefix from a staging or public path and decodes
// the filename, returning a slash-separated path relative to the cache root
// (for example "public/<id>/report 1.pdf").
func (c Codec) Resolve(p string) (string, error) {
	var (
		root   string
		prefix string
	)
	switch c.Namespace(p) {
	case NamespacePublic:
		root, prefix = c.PublicRoot, c.publicPrefix()
	case NamespaceStaging:
		root, prefix = c.StagingRoot, c.stagingPrefix()
	default:
		return "", fmt.Errorf("%q: %w", p, ErrMalformedPath)
	}
	segment, filename, err := c.split(p, prefix)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(root, "/") + "/" + segment + "/" + filename, nil
}

var errWrongPrefix = errors.New("wrong prefix")

// split breaks p into its segment and decoded filename after prefix.
func (c Codec) split(p, prefix string) (segment, filename string, err error) {
	if !strings.HasPrefix(p, prefix) {
		return "", "", errWrongPrefix
	}
	rest := strings.TrimPrefix(p, prefix)
	segment, encoded, ok := strings.Cut(rest, "/")
	if !ok || segment == "" || encoded == "" || !validSegment(segment) {
		return "", "", fmt.Errorf("%q: %w", p, ErrMalformedPath)
	}
	filename, err = url.PathUnescape(encoded)
	if err != nil {
		return "", "", fmt.Errorf("%q: %w: %v", p, ErrMalformedPath, err)
	}
	if !ValidFilename(filename) {
		return "", "", fmt.Errorf("%q: %w", p, ErrMalformedPath)
	}
	return segment, filename, nil
}

func validSegment(s string) bool {
	return s != "." && s != ".." && !strings.ContainsAny(s, `\`)
}

// ValidFilename reports whether name can be used as the last element of a
// logical path without escaping its segment directory.
func ValidFilename(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
