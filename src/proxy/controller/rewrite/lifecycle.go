package rewrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.lsp.dev/protocol"

	"github.com/macrolens/preproc-proxy/src/proxy/entity"
	"github.com/macrolens/preproc-proxy/src/proxy/internal/editscan"
	"github.com/macrolens/preproc-proxy/src/proxy/mapper"
	"github.com/macrolens/preproc-proxy/src/proxy/repository/documents"
)

const _approxPrefix = "[approximate] "

// rewriteDidOpen registers the document and substitutes the derived file's
// text so the server analyzes what the preprocessor actually produced. The
// URI is left untouched; both sides address the same logical file.
func (c *controller) rewriteDidOpen(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	params, err := mapper.ParamsToDidOpenTextDocumentParams(raw)
	if err != nil {
		return nil, err
	}

	uri := params.TextDocument.URI
	derivedPath := c.derivedPathFor(uri)
	exists, err := c.fs.FileExists(derivedPath)
	if err != nil || !exists {
		c.logger.Warnw("no derived file for opened document", "uri", uri, "derivedPath", derivedPath, "error", err)
		return nil, fmt.Errorf("%w: %s has no derived counterpart", ErrDropMessage, uri)
	}
	derivedBytes, err := c.fs.ReadFile(derivedPath)
	if err != nil {
		c.logger.Warnw("cannot read derived file", "uri", uri, "derivedPath", derivedPath, "error", err)
		return nil, fmt.Errorf("%w: %s has no readable derived counterpart", ErrDropMessage, uri)
	}
	derivedText := string(derivedBytes)

	if err := c.documents.Open(ctx, uri, derivedPath, params.TextDocument.Text, derivedText, params.TextDocument.Version); err != nil {
		c.logger.Warnw("mapping table build failed on open", "uri", uri, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDropMessage, err)
	}
	if err := c.watcher.Watch(derivedPath); err != nil {
		c.logger.Warnw("cannot watch derived file", "path", derivedPath, "error", err)
	}

	doc := map[string]interface{}{
		"uri":        params.TextDocument.URI,
		"languageId": params.TextDocument.LanguageID,
		"version":    params.TextDocument.Version,
		"text":       derivedText,
	}
	return mapper.PatchObjectFields(raw, map[string]interface{}{"textDocument": doc})
}

// rewriteDidChange mirrors line-preserving edits onto the derived document.
// Edits that change the line structure invalidate the mapping instead; the
// notification is swallowed and the document marked stale until the
// preprocessor regenerates the derived file.
func (c *controller) rewriteDidChange(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	params, err := mapper.ParamsToDidChangeTextDocumentParams(raw)
	if err != nil {
		return nil, err
	}
	uri := params.TextDocument.URI

	doc, err := c.documents.Get(ctx, uri)
	if err != nil {
		return nil, err
	}

	analysis, err := editscan.Apply(doc.OriginalText, params.ContentChanges)
	if err != nil {
		return nil, err
	}
	if err := c.documents.UpdateText(ctx, uri, analysis.Text, params.TextDocument.Version); err != nil {
		return nil, err
	}

	if doc.Stale {
		return nil, fmt.Errorf("%w: mapping for %s already stale", ErrDropMessage, uri)
	}
	if !analysis.LinePreserving {
		return nil, c.invalidate(ctx, uri, "edit changed line structure")
	}
	if analysis.FullReplace {
		return c.mirrorFullReplace(ctx, uri, doc, analysis.Text, raw)
	}

	changes := make([]protocol.TextDocumentContentChangeEvent, len(params.ContentChanges))
	for i, change := range params.ContentChanges {
		mapped, err := doc.Table.RangeToDerivedStrict(*change.Range)
		if err != nil {
			return nil, c.invalidate(ctx, uri, "edit outside directly mirrored text")
		}
		changes[i] = protocol.TextDocumentContentChangeEvent{Range: &mapped, Text: change.Text}
	}
	return mapper.PatchObjectFields(raw, map[string]interface{}{"contentChanges": changes})
}

// mirrorFullReplace converts a line-preserving full-document change into
// per-line edits against the derived text. Editors using full document sync
// replace the whole content on every keystroke; treating those as mapping
// invalidations would leave the document permanently stale.
func (c *controller) mirrorFullReplace(ctx context.Context, uri protocol.DocumentURI, doc entity.Document, next string, raw json.RawMessage) (json.RawMessage, error) {
	lineEdits, err := editscan.LineEdits(doc.OriginalText, next)
	if err != nil {
		return nil, c.invalidate(ctx, uri, "edit changed line structure")
	}

	changes := make([]protocol.TextDocumentContentChangeEvent, 0, len(lineEdits))
	for _, edit := range lineEdits {
		r := protocol.Range{
			Start: protocol.Position{Line: edit.Line},
			End:   protocol.Position{Line: edit.Line, Character: edit.OldLen},
		}
		mapped, err := doc.Table.RangeToDerivedStrict(r)
		if err != nil {
			return nil, c.invalidate(ctx, uri, "edit outside directly mirrored text")
		}
		changes = append(changes, protocol.TextDocumentContentChangeEvent{Range: &mapped, Text: edit.Text})
	}
	return mapper.PatchObjectFields(raw, map[string]interface{}{"contentChanges": changes})
}

// invalidate marks the mapping stale and converts the condition into a drop.
func (c *controller) invalidate(ctx context.Context, uri protocol.DocumentURI, reason string) error {
	if err := c.documents.MarkStale(ctx, uri); err != nil {
		return err
	}
	c.logger.Infow("mapping invalidated", "uri", uri, "reason", reason)
	return fmt.Errorf("%w: %s", ErrDropMessage, reason)
}

func (c *controller) rewriteDidClose(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	params, err := mapper.ParamsToDidCloseTextDocumentParams(raw)
	if err != nil {
		return nil, err
	}

	doc, err := c.documents.Get(ctx, params.TextDocument.URI)
	if err == nil {
		if err := c.watcher.Unwatch(doc.DerivedPath); err != nil {
			c.logger.Warnw("cannot unwatch derived file", "path", doc.DerivedPath, "error", err)
		}
	}
	if err := c.documents.Close(ctx, params.TextDocument.URI); err != nil {
		notFound := &documents.NotFoundError{}
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return raw, nil
}

// rewriteDidSave strips the optional full text. The editor's copy of the
// content is not what the server holds, so including it would desynchronize
// the server's document.
func (c *controller) rewriteDidSave(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	params, err := mapper.ParamsToDidSaveTextDocumentParams(raw)
	if err != nil {
		return nil, err
	}
	if params.Text == "" {
		return raw, nil
	}
	return mapper.PatchObjectFields(raw, map[string]interface{}{"text": nil})
}

// rewritePublishDiagnostics maps diagnostic ranges back to original
// coordinates. Diagnostics inside generated text attach approximately to the
// nearest preceding original line, or are suppressed when configured so.
func (c *controller) rewritePublishDiagnostics(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	params, err := mapper.ParamsToPublishDiagnosticsParams(raw)
	if err != nil {
		return nil, err
	}

	doc, err := c.documents.Get(ctx, params.URI)
	if err != nil {
		notFound := &documents.NotFoundError{}
		if errors.As(err, &notFound) {
			return raw, nil
		}
		return nil, err
	}
	if doc.Stale {
		return nil, fmt.Errorf("%w: diagnostics for stale mapping of %s", ErrDropMessage, params.URI)
	}

	kept := make([]protocol.Diagnostic, 0, len(params.Diagnostics))
	for _, diag := range params.Diagnostics {
		mapped, approximate, err := mapRangeApprox(doc, diag.Range)
		if err != nil {
			c.stats.Counter("dropped_diagnostics").Inc(1)
			continue
		}
		if approximate {
			if c.suppressApprox {
				c.stats.Counter("suppressed_approx_diagnostics").Inc(1)
				continue
			}
			if !strings.HasPrefix(diag.Message, _approxPrefix) {
				diag.Message = _approxPrefix + diag.Message
			}
		}
		diag.Range = mapped
		diag.RelatedInformation = c.mapRelatedInformation(ctx, doc, diag.RelatedInformation)
		kept = append(kept, diag)
	}
	params.Diagnostics = kept

	return mapper.PatchObjectFields(raw, map[string]interface{}{"diagnostics": params.Diagnostics})
}

// mapRelatedInformation maps related-location ranges, dropping entries that
// point into purely generated text.
func (c *controller) mapRelatedInformation(ctx context.Context, doc entity.Document, items []protocol.DiagnosticRelatedInformation) []protocol.DiagnosticRelatedInformation {
	if len(items) == 0 {
		return items
	}
	kept := make([]protocol.DiagnosticRelatedInformation, 0, len(items))
	for _, item := range items {
		table := doc.Table
		if protocol.DocumentURI(item.Location.URI) != doc.URI {
			other, err := c.documents.Get(ctx, protocol.DocumentURI(item.Location.URI))
			if err != nil {
				// Not a preprocessed document; its coordinates hold as-is.
				kept = append(kept, item)
				continue
			}
			if other.Stale {
				continue
			}
			table = other.Table
		}
		mapped, err := table.RangeToOriginal(item.Location.Range)
		if err != nil {
			continue
		}
		item.Location.Range = mapped
		kept = append(kept, item)
	}
	return kept
}

// mapRangeApprox maps a derived range to original coordinates, falling back
// to nearest-preceding-line attachment for generated text.
func mapRangeApprox(doc entity.Document, r protocol.Range) (protocol.Range, bool, error) {
	start, approxStart, err := doc.Table.ToOriginalApprox(r.Start)
	if err != nil {
		return protocol.Range{}, false, err
	}
	end, approxEnd, err := doc.Table.ToOriginalApprox(r.End)
	if err != nil {
		return protocol.Range{}, false, err
	}
	if end.Line < start.Line || (end.Line == start.Line && end.Character < start.Character) {
		end = start
	}
	return protocol.Range{Start: start, End: end}, approxStart || approxEnd, nil
}

// rewriteApplyEdit maps a server-initiated workspace edit to original
// coordinates before it reaches the editor. Edits touching generated text
// cannot be honored and fail the request.
func (c *controller) rewriteApplyEdit(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	params, err := mapper.ParamsToApplyWorkspaceEditParams(raw)
	if err != nil {
		return nil, err
	}
	if err := c.mapWorkspaceEditToOriginal(ctx, &params.Edit); err != nil {
		return nil, err
	}
	return mapper.PatchObjectFields(raw, map[string]interface{}{"edit": params.Edit})
}
