// Package pending correlates in-flight requests with their responses so the
// response, which carries no method name, can be rewritten correctly.
package pending

import (
	"context"
	"fmt"
	"sync"

	"github.com/uber-go/tally"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/fx"

	"github.com/macrolens/preproc-proxy/src/proxy/entity"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// DesynchronizationError indicates that request/response correlation has been
// lost for a connection; message ordering can no longer be trusted.
type DesynchronizationError struct {
	ID        jsonrpc2.ID
	Direction entity.Direction
	Reason    string
}

// Error is an implementation of the error interface.
func (e *DesynchronizationError) Error() string {
	return fmt.Sprintf("protocol desynchronization (%s, id %v): %s", e.Direction, e.ID, e.Reason)
}

// Repository tracks pending requests per direction of travel.
type Repository interface {
	// Add records a forwarded request. At most one entry may exist per
	// request id and direction at any time.
	Add(ctx context.Context, req entity.PendingRequest) error

	// Remove consumes the entry matching a response. The direction is that
	// of the original request, i.e. the reverse of the response's travel.
	Remove(ctx context.Context, id jsonrpc2.ID, direction entity.Direction) (entity.PendingRequest, error)

	// Count returns the number of in-flight requests across both directions.
	Count(ctx context.Context) int
}

type key struct {
	id        jsonrpc2.ID
	direction entity.Direction
}

type repository struct {
	mu      sync.Mutex
	entries map[key]entity.PendingRequest
	stats   tally.Scope
}

// New returns an empty pending request table.
func New(stats tally.Scope) Repository {
	return &repository{
		entries: make(map[key]entity.PendingRequest),
		stats:   stats.SubScope("pending"),
	}
}

// Add records a forwarded request.
func (r *repository) Add(ctx context.Context, req entity.PendingRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{id: req.ID, direction: req.Direction}
	if _, ok := r.entries[k]; ok {
		return &DesynchronizationError{ID: req.ID, Direction: req.Direction, Reason: "duplicate request id"}
	}
	r.entries[k] = req
	r.stats.Gauge("in_flight").Update(float64(len(r.entries)))
	return nil
}

// Remove consumes the entry for a response.
func (r *repository) Remove(ctx context.Context, id jsonrpc2.ID, direction entity.Direction) (entity.PendingRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{id: id, direction: direction}
	req, ok := r.entries[k]
	if !ok {
		return entity.PendingRequest{}, &DesynchronizationError{ID: id, Direction: direction, Reason: "response without a matching pending request"}
	}
	delete(r.entries, k)
	r.stats.Gauge("in_flight").Update(float64(len(r.entries)))
	return req, nil
}

// Count returns the number of in-flight requests.
func (r *repository) Count(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
