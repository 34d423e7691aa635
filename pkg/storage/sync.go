package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/richardartoul/filecache/pkg/naming"
)

// FileStore is the subset of Gateway used by the Synchronizer.
type FileStore interface {
	Promote(ctx context.Context, stagingPath string) (string, error)
	Remove(ctx context.Context, publicPath string) error
	Ensure(ctx context.Context, publicPath string) ([]byte, error)
}

// Record is an owning record whose file list the Synchronizer reconciles.
// The Synchronizer never persists record state itself.
type Record interface {
	// PreviousFiles returns the paths the record referenced when it was
	// loaded.
	PreviousFiles() []string
	// CurrentFiles returns the paths the record references now.
	CurrentFiles() []string
	// SetFiles replaces promoted staging paths with their public paths. A
	// failed promotion maps to "".
	SetFiles(files map[string]string)
}

// SyncResult reports what a synchronization did, per file.
type SyncResult struct {
	// Files maps each promoted staging path to its new public path, or to ""
	// when promotion failed.
	Files map[string]string
	// Removed lists public paths whose backend content was deleted.
	Removed []string
	// Refreshed lists public paths whose cached copy was regenerated.
	Refreshed []string
	// Ignored lists current paths in neither the staging nor the public
	// namespace.
	Ignored []string
	// Errors holds the failure for each path that could not be processed.
	Errors map[string]error

	order []string // Insertion order of Errors, for a stable Err
}

func newSyncResult() SyncResult {
	return SyncResult{
		Files:  make(map[string]string),
		Errors: make(map[string]error),
	}
}

func (r *SyncResult) fail(p string, err error) {
	if _, ok := r.Errors[p]; !ok {
		r.order = append(r.order, p)
	}
	r.Errors[p] = err
}

// Err joins every per-file error, or returns nil if all files succeeded.
func (r SyncResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.order))
	for _, p := range r.order {
		errs = append(errs, fmt.Errorf("%s: %w", p, r.Errors[p]))
	}
	return errors.Join(errs...)
}

// Synchronizer reconciles a record's previous and current file lists into
// promote and remove operations. Per-file failures never abort the run; they
// are collected in the SyncResult.
type Synchronizer struct {
	store  FileStore
	codec  naming.Codec
	logger *slog.Logger

	// Strict makes Sync fail with ErrMalformedPath, before doing anything,
	// when the current list holds a path in neither namespace. Otherwise such
	// paths are logged and reported in SyncResult.Ignored.
	Strict bool
}

// NewSynchronizer creates a Synchronizer over store using codec to classify
// paths.
func NewSynchronizer(store FileStore, codec naming.Codec, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:  store,
		codec:  codec,
		logger: logger,
	}
}

// Sync deletes the backend content of public paths that were referenced
// before but are not anymore, and promotes every staging path in current.
// Public paths present in current are left untouched.
func (s *Synchronizer) Sync(ctx context.Context, previous, current []string) (SyncResult, error) {
	res := newSyncResult()

	res.Ignored = s.malformed(current)
	if len(res.Ignored) > 0 {
		if s.Strict {
			return res, fmt.Errorf("%d path(s) outside the staging and public namespaces, first %q: %w",
				len(res.Ignored), res.Ignored[0], ErrMalformedPath)
		}
		for _, p := range res.Ignored {
			s.logger.WarnContext(ctx, "ignoring path outside known namespaces", "path", p)
		}
	}

	keep := make(map[string]struct{})
	for _, p := range s.codec.PublicFiles(current) {
		keep[p] = struct{}{}
	}
	for _, p := range s.codec.PublicFiles(previous) {
		if _, ok := keep[p]; ok {
			continue
		}
		s.remove(ctx, p, &res)
	}

	for _, p := range s.codec.StagingFiles(current) {
		publicPath, err := s.store.Promote(ctx, p)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to promote staged file",
				"path", p,
				"error", err)
			res.Files[p] = ""
			res.fail(p, err)
			continue
		}
		res.Files[p] = publicPath
	}

	return res, nil
}

// Purge deletes the backend content of every public path in either list. It
// is used when the owning record itself is deleted.
func (s *Synchronizer) Purge(ctx context.Context, previous, current []string) SyncResult {
	res := newSyncResult()
	for _, p := range s.publicUnion(previous, current) {
		s.remove(ctx, p, &res)
	}
	return res
}

// Refresh regenerates the cached copy of every public path in either list.
func (s *Synchronizer) Refresh(ctx context.Context, previous, current []string) SyncResult {
	res := newSyncResult()
	for _, p := range s.publicUnion(previous, current) {
		if _, err := s.store.Ensure(ctx, p); err != nil {
			s.logger.WarnContext(ctx, "failed to refresh cached copy",
				"path", p,
				"error", err)
			res.fail(p, err)
			continue
		}
		res.Refreshed = append(res.Refreshed, p)
	}
	return res
}

// StoreObject runs Sync over a record and hands the resulting mapping back
// to it with SetFiles.
func (s *Synchronizer) StoreObject(ctx context.Context, rec Record) (SyncResult, error) {
	res, err := s.Sync(ctx, rec.PreviousFiles(), rec.CurrentFiles())
	if err != nil {
		return res, err
	}
	rec.SetFiles(res.Files)
	return res, nil
}

// RemoveObject runs Purge over a record's files.
func (s *Synchronizer) RemoveObject(ctx context.Context, rec Record) SyncResult {
	return s.Purge(ctx, rec.PreviousFiles(), rec.CurrentFiles())
}

// CacheObject runs Refresh over a record's files.
func (s *Synchronizer) CacheObject(ctx context.Context, rec Record) SyncResult {
	return s.Refresh(ctx, rec.PreviousFiles(), rec.CurrentFiles())
}

func (s *Synchronizer) remove(ctx context.Context, p string, res *SyncResult) {
	if err := s.store.Remove(ctx, p); err != nil {
		s.logger.WarnContext(ctx, "failed to remove stored file",
			"path", p,
			"error", err)
		res.fail(p, err)
		return
	}
	res.Removed = append(res.Removed, p)
}

func (s *Synchronizer) publicUnion(previous, current []string) []string {
	all := make([]string, 0, len(previous)+len(current))
	all = append(all, previous...)
	all = append(all, current...)
	return s.codec.PublicFiles(all)
}

// malformed returns the deduplicated members of paths in neither namespace.
func (s *Synchronizer) malformed(paths []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range paths {
		if s.codec.Namespace(p) != naming.NamespaceUnknown {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
