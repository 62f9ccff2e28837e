// Package registry coordinates per-document indices across concurrent
// requests. For any document path, concurrent callers build the index exactly
// once; everyone else waits for that build and shares its result. Builds are
// globally capped because embedding is the bottleneck.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/pdfqa/pdfqa/pkg/domain"
	"github.com/pdfqa/pdfqa/pkg/log"
	"github.com/pdfqa/pdfqa/pkg/vectorindex"
)

// BuildState tracks where an entry is in its lifecycle.
type BuildState int

const (
	StateAbsent BuildState = iota
	StateBuilding
	StateReady
	StateFailed
)

func (s BuildState) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "absent"
	}
}

// maxParallelBuilds caps concurrent index builds process-wide so several
// large uploads cannot embed at once and blow up memory.
const maxParallelBuilds = 2

type entry struct {
	state BuildState
	index *domain.DocumentIndex
}

type Config struct {
	CacheRoot string
	Extractor domain.Extractor
	Chunker   domain.Chunker
	Embedder  domain.Embedder
	Params    domain.ChunkParams
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	group    singleflight.Group
	buildSem *semaphore.Weighted

	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		buildSem: semaphore.NewWeighted(maxParallelBuilds),
		cfg:      cfg,
		logger:   log.WithModule("registry"),
	}
}

// GetOrBuild returns the index for the document at path, loading it from the
// cache directory or building it. The index is validated against the file's
// current content fingerprint, so a changed file is re-indexed rather than
// served stale.
func (r *Registry) GetOrBuild(ctx context.Context, path string) (*domain.DocumentIndex, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve path %s: %v", domain.ErrBadInput, path, err)
	}

	fingerprint, err := vectorindex.FileFingerprint(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s: file not found", domain.ErrExtractFailed, abs)
		}
		return nil, fmt.Errorf("%w: fingerprint %s: %v", domain.ErrExtractFailed, abs, err)
	}

	r.mu.Lock()
	if e, ok := r.entries[abs]; ok && e.state == StateReady && e.index.Fingerprint == fingerprint {
		idx := e.index
		r.mu.Unlock()
		return idx, nil
	}
	r.mu.Unlock()

	// The singleflight key includes the fingerprint so a re-uploaded file
	// under the same path never piggybacks on a build of the old bytes.
	key := abs + "\x00" + fingerprint
	result, err, _ := r.group.Do(key, func() (any, error) {
		r.setState(abs, StateBuilding, nil)
		idx, err := r.loadOrBuild(ctx, abs, fingerprint)
		if err != nil {
			// Failed builds are not cached; the next call retries.
			r.setState(abs, StateFailed, nil)
			r.removeEntry(abs)
			return nil, err
		}
		r.setState(abs, StateReady, idx)
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.DocumentIndex), nil
}

func (r *Registry) loadOrBuild(ctx context.Context, abs, fingerprint string) (*domain.DocumentIndex, error) {
	dir := filepath.Join(r.cfg.CacheRoot, fingerprint)

	if idx, err := vectorindex.Load(dir, r.cfg.Embedder.ID(), r.cfg.Params, fingerprint); err == nil {
		r.logger.Info("loaded cached index", "path", abs, "fingerprint", fingerprint, "chunks", len(idx.Chunks))
		return idx, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		r.logger.Debug("cached index unusable, rebuilding", "path", abs, "error", err)
	}

	if err := r.buildSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIndexUnavailable, err)
	}
	defer r.buildSem.Release(1)

	idx, err := r.build(ctx, abs, fingerprint)
	if err != nil {
		return nil, err
	}

	if err := vectorindex.Save(dir, idx); err != nil {
		// The index is usable in memory even when persistence fails.
		r.logger.Warn("failed to persist index", "path", abs, "error", err)
	}
	return idx, nil
}

func (r *Registry) build(ctx context.Context, abs, fingerprint string) (*domain.DocumentIndex, error) {
	extraction, err := r.cfg.Extractor.Extract(ctx, abs)
	if err != nil {
		return nil, err
	}

	documentID := fingerprint
	chunks, err := r.cfg.Chunker.Split(documentID, extraction.Text, r.cfg.Params)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: document produced no chunks", domain.ErrLowYield)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := r.cfg.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: embedded %d of %d chunks", domain.ErrEmbedFailed, len(vectors), len(chunks))
	}

	idx := &domain.DocumentIndex{
		DocumentID:  documentID,
		Chunks:      chunks,
		Vectors:     vectors,
		EmbedderID:  r.cfg.Embedder.ID(),
		Params:      r.cfg.Params,
		Dim:         len(vectors[0]),
		Fingerprint: fingerprint,
	}
	if err := vectorindex.Validate(idx); err != nil {
		return nil, err
	}
	r.logger.Info("built index", "path", abs, "fingerprint", fingerprint,
		"pages", extraction.NumPages, "chunks", len(chunks), "dim", idx.Dim)
	return idx, nil
}

// Delete drops the in-memory entry for path and unlinks its cache directory.
// Deletion is refused while a build is in flight.
func (r *Registry) Delete(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: resolve path %s: %v", domain.ErrBadInput, path, err)
	}

	r.mu.Lock()
	e, ok := r.entries[abs]
	if ok && e.state == StateBuilding {
		r.mu.Unlock()
		return fmt.Errorf("%w: index build in progress for %s", domain.ErrIndexUnavailable, abs)
	}
	var fingerprint string
	if ok && e.index != nil {
		fingerprint = e.index.Fingerprint
	}
	delete(r.entries, abs)
	r.mu.Unlock()

	if fingerprint == "" {
		// Never indexed in this process; derive the cache key from the file
		// if it is still around.
		if fp, err := vectorindex.FileFingerprint(abs); err == nil {
			fingerprint = fp
		}
	}
	if fingerprint != "" {
		dir := filepath.Join(r.cfg.CacheRoot, fingerprint)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove cache dir %s: %w", dir, err)
		}
	}
	return nil
}

// State reports the build state for path. Used by tests and diagnostics.
func (r *Registry) State(path string) BuildState {
	abs, err := filepath.Abs(path)
	if err != nil {
		return StateAbsent
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[abs]; ok {
		return e.state
	}
	return StateAbsent
}

func (r *Registry) setState(abs string, state BuildState, idx *domain.DocumentIndex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[abs]
	if !ok {
		e = &entry{}
		r.entries[abs] = e
	}
	e.state = state
	if idx != nil {
		e.index = idx
	}
}

func (r *Registry) removeEntry(abs string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, abs)
}
