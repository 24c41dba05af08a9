// Package rewrite translates the coordinate-bearing fields of LSP messages
// between the editor's original coordinate space and the language server's
// derived (preprocessed) coordinate space.
package rewrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/uber-go/tally"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/macrolens/preproc-proxy/src/proxy/entity"
	"github.com/macrolens/preproc-proxy/src/proxy/internal/derivedwatch"
	"github.com/macrolens/preproc-proxy/src/proxy/internal/fs"
	"github.com/macrolens/preproc-proxy/src/proxy/internal/srcmap"
	"github.com/macrolens/preproc-proxy/src/proxy/repository/documents"
)

const (
	_configKeyDerivedRoot    = "derived.root"
	_configKeySuppressApprox = "rewrite.suppressApproxDiagnostics"

	// Not yet present in go.lsp.dev/protocol's method constants.
	_methodTextDocumentInlayHint = "textDocument/inlayHint"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ErrDropMessage signals that a message should be silently dropped rather
// than forwarded or answered with an error.
var ErrDropMessage = errors.New("message dropped by rewrite policy")

// UnmappedPositionError indicates that a required position has no counterpart
// in the target coordinate space.
type UnmappedPositionError struct {
	URI      protocol.DocumentURI
	Position protocol.Position
}

// Error is an implementation of the error interface.
func (e *UnmappedPositionError) Error() string {
	return fmt.Sprintf("position %d:%d in %q has no counterpart in the target coordinate space", e.Position.Line, e.Position.Character, e.URI)
}

// UnsupportedEditError indicates that a structured edit spans derived-only
// territory and cannot be applied to the original file.
type UnsupportedEditError struct {
	URI protocol.DocumentURI
}

// Error is an implementation of the error interface.
func (e *UnsupportedEditError) Error() string {
	return fmt.Sprintf("edit for %q spans derived-only text and cannot be applied", e.URI)
}

// StaleMappingError indicates that the document's mapping table has been
// invalidated by an edit and no rebuild has been observed yet.
type StaleMappingError struct {
	URI protocol.DocumentURI
}

// Error is an implementation of the error interface.
func (e *StaleMappingError) Error() string {
	return fmt.Sprintf("mapping for %q is stale; coordinate-bearing requests are refused until a rebuild", e.URI)
}

// Rewriter rewrites message payloads for one direction of travel.
type Rewriter interface {
	// RewriteRequest rewrites the params of a request or notification. The
	// returned URI names the document the message addressed, or is empty for
	// messages that address no document; callers record it so the matching
	// result can be interpreted against the right mapping table.
	RewriteRequest(ctx context.Context, direction entity.Direction, method string, params json.RawMessage) (json.RawMessage, protocol.DocumentURI, error)

	// RewriteResponse rewrites a result, given the method recovered from the
	// pending request table. The direction is that of the response's travel.
	RewriteResponse(ctx context.Context, direction entity.Direction, method string, result json.RawMessage) (json.RawMessage, error)
}

// paramsShape and resultShape classify the coordinate-bearing fields of each
// protocol method; the rule table below is the closed dispatch set.
type paramsShape int

const (
	paramsOpaque paramsShape = iota
	paramsDocPosition
	paramsDocOnly
	paramsDocRange
	paramsCodeAction
	paramsDidOpen
	paramsDidChange
	paramsDidClose
	paramsDidSave
	paramsPublishDiagnostics
	paramsApplyEdit
)

type resultShape int

const (
	resultOpaque resultShape = iota
	resultLocations
	resultHover
	resultRangeItems
	resultDocumentSymbols
	resultCodeActions
	resultWorkspaceEdit
	resultInlayHints
	resultPrepareRename
)

type methodRule struct {
	params paramsShape
	result resultShape
}

// methodRules maps each understood protocol method to the shape of its
// params and result. Methods absent from the table are forwarded opaque.
var methodRules = map[string]methodRule{
	protocol.MethodTextDocumentDefinition:         {paramsDocPosition, resultLocations},
	protocol.MethodTextDocumentDeclaration:        {paramsDocPosition, resultLocations},
	protocol.MethodTextDocumentTypeDefinition:     {paramsDocPosition, resultLocations},
	protocol.MethodTextDocumentImplementation:     {paramsDocPosition, resultLocations},
	protocol.MethodTextDocumentReferences:         {paramsDocPosition, resultLocations},
	protocol.MethodTextDocumentHover:              {paramsDocPosition, resultHover},
	protocol.MethodTextDocumentDocumentHighlight:  {paramsDocPosition, resultRangeItems},
	protocol.MethodTextDocumentDocumentSymbol:     {paramsDocOnly, resultDocumentSymbols},
	protocol.MethodTextDocumentCodeAction:         {paramsCodeAction, resultCodeActions},
	protocol.MethodTextDocumentRename:             {paramsDocPosition, resultWorkspaceEdit},
	protocol.MethodTextDocumentPrepareRename:      {paramsDocPosition, resultPrepareRename},
	_methodTextDocumentInlayHint:                  {paramsDocRange, resultInlayHints},
	protocol.MethodTextDocumentDidOpen:            {params: paramsDidOpen},
	protocol.MethodTextDocumentDidChange:          {params: paramsDidChange},
	protocol.MethodTextDocumentDidClose:           {params: paramsDidClose},
	protocol.MethodTextDocumentDidSave:            {params: paramsDidSave},
	protocol.MethodTextDocumentPublishDiagnostics: {params: paramsPublishDiagnostics},
	protocol.MethodWorkspaceApplyEdit:             {params: paramsApplyEdit},
}

type controller struct {
	documents      documents.Repository
	watcher        derivedwatch.Watcher
	fs             fs.ProxyFS
	logger         *zap.SugaredLogger
	stats          tally.Scope
	derivedRoot    string
	suppressApprox bool
}

// Params are inbound parameters to construct the rewriter.
type Params struct {
	fx.In

	Documents documents.Repository
	Watcher   derivedwatch.Watcher
	FS        fs.ProxyFS
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
	Config    config.Provider
}

// New creates the message rewriter.
func New(p Params) (Rewriter, error) {
	c := &controller{
		documents: p.Documents,
		watcher:   p.Watcher,
		fs:        p.FS,
		logger:    p.Logger.With("component", "rewrite"),
		stats:     p.Stats.SubScope("rewrite"),
	}
	if err := p.Config.Get(_configKeyDerivedRoot).Populate(&c.derivedRoot); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyDerivedRoot, err)
	}
	if c.derivedRoot == "" {
		return nil, fmt.Errorf("missing field %q in config", _configKeyDerivedRoot)
	}
	if err := p.Config.Get(_configKeySuppressApprox).Populate(&c.suppressApprox); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeySuppressApprox, err)
	}
	return c, nil
}

// RewriteRequest rewrites the params of a request or notification.
func (c *controller) RewriteRequest(ctx context.Context, direction entity.Direction, method string, params json.RawMessage) (json.RawMessage, protocol.DocumentURI, error) {
	rule, ok := methodRules[method]
	if !ok || rule.params == paramsOpaque || len(params) == 0 {
		return params, "", nil
	}
	uri := documentURIOf(params)

	var (
		rewritten json.RawMessage
		err       error
	)
	switch rule.params {
	case paramsDocPosition:
		rewritten, err = c.rewriteDocPosition(ctx, direction, params)
	case paramsDocOnly:
		rewritten, err = c.rewriteDocOnly(ctx, params)
	case paramsDocRange:
		rewritten, err = c.rewriteDocRange(ctx, direction, params)
	case paramsCodeAction:
		rewritten, err = c.rewriteCodeActionParams(ctx, direction, params)
	case paramsDidOpen:
		rewritten, err = c.rewriteDidOpen(ctx, params)
	case paramsDidChange:
		rewritten, err = c.rewriteDidChange(ctx, params)
	case paramsDidClose:
		rewritten, err = c.rewriteDidClose(ctx, params)
	case paramsDidSave:
		rewritten, err = c.rewriteDidSave(ctx, params)
	case paramsPublishDiagnostics:
		rewritten, err = c.rewritePublishDiagnostics(ctx, params)
	case paramsApplyEdit:
		rewritten, err = c.rewriteApplyEdit(ctx, params)
	default:
		rewritten = params
	}
	if err != nil {
		return nil, uri, err
	}
	return rewritten, uri, nil
}

// documentURIOf extracts the addressed document from params that carry one.
func documentURIOf(raw json.RawMessage) protocol.DocumentURI {
	probe := struct {
		TextDocument struct {
			URI protocol.DocumentURI `json:"uri"`
		} `json:"textDocument"`
		URI protocol.DocumentURI `json:"uri"`
	}{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if probe.TextDocument.URI != "" {
		return probe.TextDocument.URI
	}
	return probe.URI
}

// RewriteResponse rewrites a result per the method recovered from the pending
// request table.
func (c *controller) RewriteResponse(ctx context.Context, direction entity.Direction, method string, result json.RawMessage) (json.RawMessage, error) {
	rule, ok := methodRules[method]
	if !ok || rule.result == resultOpaque || len(result) == 0 || string(result) == "null" {
		return result, nil
	}

	switch rule.result {
	case resultLocations:
		return c.rewriteLocationsResult(ctx, direction, result)
	case resultHover:
		return c.rewriteHoverResult(ctx, direction, result)
	case resultRangeItems:
		return c.rewriteRangeItemsResult(ctx, direction, result)
	case resultDocumentSymbols:
		return c.rewriteDocumentSymbolsResult(ctx, direction, result)
	case resultCodeActions:
		return c.rewriteCodeActionsResult(ctx, direction, result)
	case resultWorkspaceEdit:
		return c.rewriteWorkspaceEditResult(ctx, direction, result)
	case resultInlayHints:
		return c.rewriteInlayHintsResult(ctx, direction, result)
	case resultPrepareRename:
		return c.rewritePrepareRenameResult(ctx, direction, result)
	}
	return result, nil
}

// document fetches a registry snapshot and enforces the staleness policy.
func (c *controller) document(ctx context.Context, uri protocol.DocumentURI) (entity.Document, error) {
	doc, err := c.documents.Get(ctx, uri)
	if err != nil {
		return entity.Document{}, err
	}
	if doc.Stale {
		c.stats.Counter("stale_rejections").Inc(1)
		return entity.Document{}, &StaleMappingError{URI: uri}
	}
	return doc, nil
}

// mapPosition translates one position in the message's direction of travel.
func mapPosition(table *srcmap.Table, direction entity.Direction, p protocol.Position) (protocol.Position, error) {
	if direction == entity.EditorToServer {
		return table.ToDerived(p)
	}
	return table.ToOriginal(p)
}

// mapRange translates a range, failing if either endpoint is unmapped.
func mapRange(table *srcmap.Table, direction entity.Direction, r protocol.Range) (protocol.Range, error) {
	if direction == entity.EditorToServer {
		return table.RangeToDerived(r)
	}
	return table.RangeToOriginal(r)
}

// derivedPathFor locates the preprocessed counterpart of an original file.
// The preprocessor writes derived files under a single output root, keeping
// the original base name.
func (c *controller) derivedPathFor(uri protocol.DocumentURI) string {
	return filepath.Join(c.derivedRoot, filepath.Base(uri.Filename()))
}
