// Package storage moves uploaded files between the staging area, the backend
// store and the locally served cache, and reconciles the file lists of owning
// records against them.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/richardartoul/filecache/backends"
	"github.com/richardartoul/filecache/pkg/locking"
	"github.com/richardartoul/filecache/pkg/metrics"
	"github.com/richardartoul/filecache/pkg/naming"
)

// Operation names recorded in the latency tracker.
const (
	OpStage   = "stage"
	OpPromote = "promote"
	OpRemove  = "remove"
	OpEnsure  = "ensure"
)

// Upload is a file received from a client, before staging.
type Upload struct {
	// Filename is the client-supplied name. Only its last path element is
	// kept.
	Filename string
	// ContentType is the type declared by the client.
	ContentType string
	Body        io.Reader
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Codec naming.Codec

	// CacheRoot is the web-servable directory under which the staging and
	// public roots are materialized.
	CacheRoot string

	Backend backends.Backend

	// Locks serializes cache writes per logical path. Defaults to no locking.
	Locks locking.Group

	// Tracker records per-operation latency. Defaults to a 1% accuracy
	// tracker.
	Tracker *metrics.LatencyTracker

	Logger *slog.Logger
}

// Gateway stages uploads on the cache filesystem, promotes them into the
// backend, and materializes backend content as cached copies. It holds no
// per-request state and is safe for concurrent use.
type Gateway struct {
	codec     naming.Codec
	cacheRoot string // Absolute path of the cache root
	root      *os.Root
	backend   backends.Backend
	locks     locking.Group
	tracker   *metrics.LatencyTracker
	logger    *slog.Logger
}

// NewGateway creates a Gateway, creating the cache root if needed.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.CacheRoot == "" {
		return nil, fmt.Errorf("cache root is required")
	}

	if err := os.MkdirAll(cfg.CacheRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}
	absCacheRoot, err := filepath.Abs(cfg.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	root, err := os.OpenRoot(absCacheRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache root: %w", err)
	}

	g := &Gateway{
		codec:     cfg.Codec,
		cacheRoot: absCacheRoot,
		root:      root,
		backend:   cfg.Backend,
		locks:     cfg.Locks,
		tracker:   cfg.Tracker,
		logger:    cfg.Logger,
	}
	if g.codec == (naming.Codec{}) {
		g.codec = naming.NewCodec("", "", "")
	}
	if g.locks == nil {
		g.locks = locking.NewNoOpGroup()
	}
	if g.tracker == nil {
		g.tracker = metrics.NewLatencyTracker(0.01)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g, nil
}

// Close releases the cache root handle.
func (g *Gateway) Close() error {
	return g.root.Close()
}

// Codec returns the naming codec the gateway was configured with.
func (g *Gateway) Codec() naming.Codec {
	return g.codec
}

// Stats returns latency statistics for every operation performed so far.
func (g *Gateway) Stats() []metrics.Stats {
	return g.tracker.GetAllStats()
}

// CachePath returns the absolute on-disk location of the cached copy for a
// public or staging path. It does not check that the file exists.
func (g *Gateway) CachePath(logicalPath string) (string, error) {
	rel, err := g.codec.Resolve(logicalPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(g.cacheRoot, filepath.FromSlash(rel)), nil
}

// Stage writes an upload into a fresh staging directory and returns its
// staging path. When allowedTypes is non-nil the declared content type must
// match one of them (case-insensitively), otherwise ErrRejected is returned
// before anything is written.
func (g *Gateway) Stage(ctx context.Context, upload Upload, allowedTypes []string) (string, error) {
	var stagingPath string
	err := g.tracker.RecordFunc(OpStage, func() error {
		var err error
		stagingPath, err = g.stage(ctx, upload, allowedTypes)
		return err
	})
	return stagingPath, err
}

func (g *Gateway) stage(ctx context.Context, upload Upload, allowedTypes []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if allowedTypes != nil && !typeAllowed(upload.ContentType, allowedTypes) {
		return "", fmt.Errorf("type %q is not allowed: %w", upload.ContentType, ErrRejected)
	}

	filename := baseName(upload.Filename)
	if !naming.ValidFilename(filename) {
		return "", fmt.Errorf("invalid filename %q: %w", upload.Filename, ErrRejected)
	}

	dir := g.codec.NewStagingPath()
	relDir := g.relative(dir)
	if err := g.root.MkdirAll(filepath.FromSlash(relDir), 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	body := upload.Body
	if body == nil {
		body = strings.NewReader("")
	}
	if err := g.writeFile(path.Join(relDir, filename), body); err != nil {
		g.cleanup(ctx, relDir)
		return "", err
	}

	stagingPath := dir + "/" + url.PathEscape(filename)
	g.logger.DebugContext(ctx, "staged upload",
		"path", stagingPath,
		"type", upload.ContentType)
	return stagingPath, nil
}

// Promote moves a staged file into the backend and returns its public path.
// The staged copy is removed only after the backend write succeeds, so a
// failed promotion can be retried.
func (g *Gateway) Promote(ctx context.Context, stagingPath string) (string, error) {
	var publicPath string
	err := g.tracker.RecordFunc(OpPromote, func() error {
		var err error
		publicPath, err = g.promote(ctx, stagingPath)
		return err
	})
	return publicPath, err
}

func (g *Gateway) promote(ctx context.Context, stagingPath string) (string, error) {
	if g.codec.Namespace(stagingPath) != naming.NamespaceStaging {
		return "", fmt.Errorf("%q: %w", stagingPath, ErrNotStaging)
	}
	rel, err := g.codec.Resolve(stagingPath)
	if err != nil {
		return "", err
	}
	filename, err := g.codec.Filename(stagingPath)
	if err != nil {
		return "", err
	}

	content, err := g.root.ReadFile(filepath.FromSlash(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("staged file %s: %w", stagingPath, ErrNotFound)
		}
		return "", fmt.Errorf("failed to read staged file: %w", err)
	}

	id, err := g.backend.Write(ctx, content)
	if err != nil {
		return "", fmt.Errorf("failed to store %s: %w", stagingPath, err)
	}

	g.cleanup(ctx, rel)
	g.cleanup(ctx, path.Dir(rel))

	publicPath := g.codec.PublicPath(id, filename)
	g.logger.DebugContext(ctx, "promoted staged file",
		"from", stagingPath,
		"to", publicPath,
		"size", len(content))
	return publicPath, nil
}

// Remove deletes the backend content behind a public path and then drops
// its cached copy.
func (g *Gateway) Remove(ctx context.Context, publicPath string) error {
	return g.tracker.RecordFunc(OpRemove, func() error {
		return g.remove(ctx, publicPath)
	})
}

func (g *Gateway) remove(ctx context.Context, publicPath string) error {
	id, err := g.codec.ToContentID(publicPath)
	if err != nil {
		return err
	}

	if err := g.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", publicPath, err)
	}

	if rel, err := g.codec.Resolve(publicPath); err == nil {
		g.cleanup(ctx, rel)
		g.cleanup(ctx, path.Dir(rel))
	}
	return nil
}

// Ensure reads the content behind a public path from the backend and
// overwrites the cached copy with it. The backend is always consulted: the
// cache root may have been wiped or left stale independently of it. When the
// backend has no content ErrNotFound is returned and any stale cached copy
// is left alone. A failure to write the cached copy is logged, not returned.
func (g *Gateway) Ensure(ctx context.Context, publicPath string) ([]byte, error) {
	var content []byte
	err := g.tracker.RecordFunc(OpEnsure, func() error {
		var err error
		content, err = g.ensure(ctx, publicPath)
		return err
	})
	return content, err
}

func (g *Gateway) ensure(ctx context.Context, publicPath string) ([]byte, error) {
	id, err := g.codec.ToContentID(publicPath)
	if err != nil {
		return nil, err
	}
	rel, err := g.codec.Resolve(publicPath)
	if err != nil {
		return nil, err
	}

	content, err := g.backend.Read(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read %s: %w", publicPath, err)
	}

	err = g.locks.DoWithLock(ctx, publicPath, func() error {
		if err := g.root.MkdirAll(filepath.FromSlash(path.Dir(rel)), 0755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
		return g.writeFile(rel, bytes.NewReader(content))
	})
	if err != nil {
		g.logger.WarnContext(ctx, "failed to refresh cached copy",
			"path", publicPath,
			"error", err)
	}

	return content, nil
}

// writeFile atomically writes body to rel under the cache root. The temp
// name is unique per call so concurrent writers of the same file never share
// a temp file; the last rename wins and every writer renames the same bytes.
func (g *Gateway) writeFile(rel string, body io.Reader) error {
	name := filepath.FromSlash(rel)
	tmpName := name + "." + naming.NewToken() + ".tmp"

	tmpFile, err := g.root.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer g.root.Remove(tmpName) // Clean up if something goes wrong

	_, err = io.Copy(tmpFile, body)
	closeErr := tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := g.root.Rename(tmpName, name); err != nil {
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// cleanup is advisory: it removes a file or an empty directory from the cache
// root and only logs failures. Leftovers cost disk space, never correctness,
// because cached copies are always rebuilt from the backend.
func (g *Gateway) cleanup(ctx context.Context, rel string) {
	err := g.root.Remove(filepath.FromSlash(rel))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		g.logger.DebugContext(ctx, "advisory cache cleanup failed",
			"path", rel,
			"error", err)
	}
}

// relative converts a logical directory path to a slash-separated path
// relative to the cache root.
func (g *Gateway) relative(logicalDir string) string {
	rel := strings.TrimPrefix(logicalDir, g.codec.MountPrefix)
	return strings.TrimPrefix(rel, "/")
}

// baseName keeps only the last element of a client-supplied filename, which
// some clients send with a full local path.
func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// typeAllowed compares the media type of declared, without parameters,
// against allowed.
func typeAllowed(declared string, allowed []string) bool {
	mediaType, _, _ := strings.Cut(declared, ";")
	mediaType = strings.TrimSpace(mediaType)
	for _, t := range allowed {
		if strings.EqualFold(mediaType, strings.TrimSpace(t)) {
			return true
		}
	}
	return false
}
