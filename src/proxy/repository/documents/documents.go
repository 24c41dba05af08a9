// Package documents is the registry of open files and their mapping tables.
package documents

import (
	"context"
	"fmt"
	"sync"

	"github.com/uber-go/tally"
	"go.lsp.dev/protocol"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/macrolens/preproc-proxy/src/proxy/entity"
	"github.com/macrolens/preproc-proxy/src/proxy/internal/srcmap"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// NotFoundError indicates that a document is not open in the registry.
type NotFoundError struct {
	URI protocol.DocumentURI
}

// Error is an implementation of the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document %q is not open", e.URI)
}

// Repository owns the authoritative mapping table per open file. All tables
// are created and replaced here; callers receive snapshot copies whose table
// pointer is immutable for the duration of one rewrite.
type Repository interface {
	// Open builds a mapping table from the derived file text and registers
	// the document. Opening an already-open URI replaces the entry.
	Open(ctx context.Context, uri protocol.DocumentURI, derivedPath, originalText, derivedText string, version int32) error

	// Get returns a snapshot of the entry for the given URI.
	Get(ctx context.Context, uri protocol.DocumentURI) (entity.Document, error)

	// Close drops the entry for the given URI.
	Close(ctx context.Context, uri protocol.DocumentURI) error

	// MarkStale flags the document so coordinate-bearing traffic is refused
	// until a rebuild is observed.
	MarkStale(ctx context.Context, uri protocol.DocumentURI) error

	// UpdateText records the post-edit original text and version for a
	// document whose mapping remains valid.
	UpdateText(ctx context.Context, uri protocol.DocumentURI, text string, version int32) error

	// Rebuild replaces the document's mapping table from fresh derived text,
	// bumping the generation and clearing staleness.
	Rebuild(ctx context.Context, uri protocol.DocumentURI, derivedText string) error

	// ByDerivedPath resolves the URI of the document whose derived file is
	// at the given path.
	ByDerivedPath(ctx context.Context, path string) (protocol.DocumentURI, bool)
}

type repository struct {
	mu      sync.Mutex
	entries map[protocol.DocumentURI]*entity.Document
	logger  *zap.SugaredLogger
	stats   tally.Scope
}

// Params are inbound parameters to construct the registry.
type Params struct {
	fx.In

	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

// New returns a registry of open documents.
func New(p Params) Repository {
	return &repository{
		entries: make(map[protocol.DocumentURI]*entity.Document),
		logger:  p.Logger.With("component", "documents"),
		stats:   p.Stats.SubScope("documents"),
	}
}

// Open builds a mapping table for the document and registers it.
func (r *repository) Open(ctx context.Context, uri protocol.DocumentURI, derivedPath, originalText, derivedText string, version int32) error {
	table, err := srcmap.Build(uri.Filename(), derivedText, 1)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[uri] = &entity.Document{
		URI:             uri,
		DerivedPath:     derivedPath,
		OriginalVersion: version,
		DerivedVersion:  version,
		OriginalText:    originalText,
		Table:           table,
	}
	r.stats.Gauge("open_documents").Update(float64(len(r.entries)))
	r.logger.Infow("opened document", "uri", uri, "segments", len(table.Segments()))
	return nil
}

// Get returns a snapshot of the entry for the given URI.
func (r *repository) Get(ctx context.Context, uri protocol.DocumentURI) (entity.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[uri]
	if !ok {
		return entity.Document{}, &NotFoundError{URI: uri}
	}
	return *e, nil
}

// Close drops the entry for the given URI.
func (r *repository) Close(ctx context.Context, uri protocol.DocumentURI) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[uri]; !ok {
		return &NotFoundError{URI: uri}
	}
	delete(r.entries, uri)
	r.stats.Gauge("open_documents").Update(float64(len(r.entries)))
	return nil
}

// MarkStale flags the document's mapping as invalid.
func (r *repository) MarkStale(ctx context.Context, uri protocol.DocumentURI) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[uri]
	if !ok {
		return &NotFoundError{URI: uri}
	}
	if !e.Stale {
		e.Stale = true
		r.stats.Counter("marked_stale").Inc(1)
		r.logger.Warnw("mapping marked stale", "uri", uri)
	}
	return nil
}

// UpdateText records the current original text and version.
func (r *repository) UpdateText(ctx context.Context, uri protocol.DocumentURI, text string, version int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[uri]
	if !ok {
		return &NotFoundError{URI: uri}
	}
	e.OriginalText = text
	e.OriginalVersion = version
	return nil
}

// Rebuild replaces the mapping table from fresh derived text. The generation
// is derived from the entry's current table under the same lock acquisition
// that installs the replacement, so concurrent rebuilds always produce
// strictly increasing generations.
func (r *repository) Rebuild(ctx context.Context, uri protocol.DocumentURI, derivedText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[uri]
	if !ok {
		return &NotFoundError{URI: uri}
	}
	generation := e.Table.Generation() + 1
	table, err := srcmap.Build(uri.Filename(), derivedText, generation)
	if err != nil {
		return err
	}
	e.Table = table
	e.Stale = false
	e.DerivedVersion++
	r.stats.Counter("rebuilds").Inc(1)
	r.logger.Infow("rebuilt mapping", "uri", uri, "generation", generation)
	return nil
}

// ByDerivedPath resolves which open document owns the given derived file.
func (r *repository) ByDerivedPath(ctx context.Context, path string) (protocol.DocumentURI, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uri, e := range r.entries {
		if e.DerivedPath == path {
			return uri, true
		}
	}
	return "", false
}
