package rewrite

import (
	"bytes"
	"context"
	"encoding/json"

	"go.lsp.dev/protocol"

	"github.com/macrolens/preproc-proxy/src/proxy/entity"
	"github.com/macrolens/preproc-proxy/src/proxy/mapper"
)

// rewriteDocPosition patches the position field of a navigation-style
// request, leaving every other field intact.
func (c *controller) rewriteDocPosition(ctx context.Context, direction entity.Direction, raw json.RawMessage) (json.RawMessage, error) {
	params, err := mapper.ParamsToTextDocumentPosition(raw)
	if err != nil {
		return nil, err
	}
	doc, err := c.document(ctx, params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	mapped, err := mapPosition(doc.Table, direction, params.Position)
	if err != nil {
		c.stats.Counter("unmapped_positions").Inc(1)
		return nil, &UnmappedPositionError{URI: params.TextDocument.URI, Position: params.Position}
	}
	return mapper.PatchObjectFields(raw, map[string]interface{}{"position": mapped})
}

// rewriteDocOnly carries no coordinates but still refuses stale documents.
func (c *controller) rewriteDocOnly(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	id, err := mapper.ParamsToTextDocumentIdentifier(raw)
	if err != nil {
		return nil, err
	}
	if _, err := c.document(ctx, id.URI); err != nil {
		return nil, err
	}
	return raw, nil
}

// rewriteDocRange patches the range field of a document-range request.
func (c *controller) rewriteDocRange(ctx context.Context, direction entity.Direction, raw json.RawMessage) (json.RawMessage, error) {
	params := struct {
		TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
		Range        protocol.Range                  `json:"range"`
	}{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	doc, err := c.document(ctx, params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	mapped, err := mapRange(doc.Table, direction, params.Range)
	if err != nil {
		c.stats.Counter("unmapped_positions").Inc(1)
		return nil, &UnmappedPositionError{URI: params.TextDocument.URI, Position: params.Range.Start}
	}
	return mapper.PatchObjectFields(raw, map[string]interface{}{"range": mapped})
}

// rewriteCodeActionParams maps the request range and the diagnostics echoed
// back in the context. Context diagnostics that cannot be mapped are dropped
// rather than failing the request; they are advisory.
func (c *controller) rewriteCodeActionParams(ctx context.Context, direction entity.Direction, raw json.RawMessage) (json.RawMessage, error) {
	params, err := mapper.ParamsToCodeActionParams(raw)
	if err != nil {
		return nil, err
	}
	doc, err := c.document(ctx, params.TextDocument.URI)
	if err != nil {
		return nil, err
	}
	mappedRange, err := mapRange(doc.Table, direction, params.Range)
	if err != nil {
		c.stats.Counter("unmapped_positions").Inc(1)
		return nil, &UnmappedPositionError{URI: params.TextDocument.URI, Position: params.Range.Start}
	}

	kept := make([]protocol.Diagnostic, 0, len(params.Context.Diagnostics))
	for _, diag := range params.Context.Diagnostics {
		mapped, err := mapRange(doc.Table, direction, diag.Range)
		if err != nil {
			continue
		}
		diag.Range = mapped
		kept = append(kept, diag)
	}
	params.Context.Diagnostics = kept

	return mapper.PatchObjectFields(raw, map[string]interface{}{
		"range":   mappedRange,
		"context": params.Context,
	})
}

// mapLocation maps one location in the direction of travel. The second
// return reports whether the location should be kept: locations for
// documents this proxy does not manage pass through untouched, locations in
// generated or stale territory are dropped.
func (c *controller) mapLocation(ctx context.Context, direction entity.Direction, uri protocol.DocumentURI, r protocol.Range) (protocol.Range, bool) {
	doc, err := c.documents.Get(ctx, uri)
	if err != nil {
		return r, true
	}
	if doc.Stale {
		return r, false
	}
	mapped, err := mapRange(doc.Table, direction, r)
	if err != nil {
		c.stats.Counter("dropped_locations").Inc(1)
		return r, false
	}
	return mapped, true
}

func (c *controller) rewriteLocationsResult(ctx context.Context, direction entity.Direction, raw json.RawMessage) (json.RawMessage, error) {
	locs, err := mapper.ResultToLocations(raw)
	if err != nil {
		return nil, err
	}
	if locs.IsNull() {
		return raw, nil
	}

	switch {
	case locs.Single != nil:
		mapped, keep := c.mapLocation(ctx, direction, protocol.DocumentURI(locs.Single.URI), locs.Single.Range)
		if !keep {
			return json.RawMessage("null"), nil
		}
		locs.Single.Range = mapped
		return mapper.MarshalResult(locs.Single)

	case locs.Links != nil:
		kept := make([]protocol.LocationLink, 0, len(locs.Links))
		for _, link := range locs.Links {
			target, keep := c.mapLocation(ctx, direction, protocol.DocumentURI(link.TargetURI), link.TargetRange)
			if !keep {
				continue
			}
			selection, keep := c.mapLocation(ctx, direction, protocol.DocumentURI(link.TargetURI), link.TargetSelectionRange)
			if !keep {
				continue
			}
			link.TargetRange = target
			link.TargetSelectionRange = selection
			kept = append(kept, link)
		}
		return mapper.MarshalResult(kept)

	default:
		kept := make([]protocol.Location, 0, len(locs.Locations))
		for _, loc := range locs.Locations {
			mapped, keep := c.mapLocation(ctx, direction, protocol.DocumentURI(loc.URI), loc.Range)
			if !keep {
				continue
			}
			loc.Range = mapped
			kept = append(kept, loc)
		}
		return mapper.MarshalResult(kept)
	}
}

// rewriteHoverResult patches the optional range; a hover whose range cannot
// be mapped keeps its contents and loses the highlight.
func (c *controller) rewriteHoverResult(ctx context.Context, direction entity.Direction, raw json.RawMessage) (json.RawMessage, error) {
	probe := struct {
		Range *protocol.Range `json:"range"`
	}{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	if probe.Range == nil {
		return raw, nil
	}
	mapped, keep, err := c.mapResultRange(ctx, direction, *probe.Range)
	if err != nil {
		return nil, err
	}
	if !keep {
		return mapper.PatchObjectFields(raw, map[string]interface{}{"range": nil})
	}
	return mapper.PatchObjectFields(raw, map[string]interface{}{"range": mapped})
}

// Results carry no URI of their own. Their coordinates belong to the document
// the request addressed, which the pump recovers from the pending table and
// passes through the context.
type resultDocKey struct{}

// WithResultDocument tags the context with the URI the result's coordinates
// refer to. The pump sets this from the pending request entry.
func WithResultDocument(ctx context.Context, uri protocol.DocumentURI) context.Context {
	return context.WithValue(ctx, resultDocKey{}, uri)
}

func (c *controller) resultDocument(ctx context.Context) (entity.Document, bool, error) {
	uri, ok := ctx.Value(resultDocKey{}).(protocol.DocumentURI)
	if !ok || uri == "" {
		return entity.Document{}, false, nil
	}
	doc, err := c.document(ctx, uri)
	if err != nil {
		return entity.Document{}, false, err
	}
	return doc, true, nil
}

// mapResultRange maps a range of the result's own document. keep=false means
// the surrounding item should be dropped rather than failing the response.
func (c *controller) mapResultRange(ctx context.Context, direction entity.Direction, r protocol.Range) (protocol.Range, bool, error) {
	doc, ok, err := c.resultDocument(ctx)
	if err != nil {
		return protocol.Range{}, false, err
	}
	if !ok {
		return r, true, nil
	}
	mapped, err := mapRange(doc.Table, direction, r)
	if err != nil {
		c.stats.Counter("dropped_locations").Inc(1)
		return protocol.Range{}, false, nil
	}
	return mapped, true, nil
}

// rewriteRangeItemsResult patches the range field of each element in a list
// result, dropping elements in generated territory.
func (c *controller) rewriteRangeItemsResult(ctx context.Context, direction entity.Direction, raw json.RawMessage) (json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	kept := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		probe := struct {
			Range protocol.Range `json:"range"`
		}{}
		if err := json.Unmarshal(item, &probe); err != nil {
			return nil, err
		}
		mapped, keep, err := c.mapResultRange(ctx, direction, probe.Range)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		patched, err := mapper.PatchObjectFields(item, map[string]interface{}{"range": mapped})
		if err != nil {
			return nil, err
		}
		kept = append(kept, patched)
	}
	return mapper.MarshalResult(kept)
}

// rewriteDocumentSymbolsResult handles both result encodings: hierarchical
// DocumentSymbol trees and flat SymbolInformation lists.
func (c *controller) rewriteDocumentSymbolsResult(ctx context.Context, direction entity.Direction, raw json.RawMessage) (json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return raw, nil
	}

	if bytes.Contains(items[0], []byte(`"selectionRange"`)) {
		symbols := []protocol.DocumentSymbol{}
		if err := json.Unmarshal(raw, &symbols); err != nil {
			return nil, err
		}
		mapped, err := c.mapDocumentSymbols(ctx, direction, symbols)
		if err != nil {
			return nil, err
		}
		return mapper.MarshalResult(mapped)
	}

	kept := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		probe := struct {
			Location protocol.Location `json:"location"`
		}{}
		if err := json.Unmarshal(item, &probe); err != nil {
			return nil, err
		}
		mapped, keep := c.mapLocation(ctx, direction, protocol.DocumentURI(probe.Location.URI), probe.Location.Range)
		if !keep {
			continue
		}
		probe.Location.Range = mapped
		patched, err := mapper.PatchObjectFields(item, map[string]interface{}{"location": probe.Location})
		if err != nil {
			return nil, err
		}
		kept = append(kept, patched)
	}
	return mapper.MarshalResult(kept)
}

// mapDocumentSymbols maps a symbol tree, pruning subtrees rooted in
// generated text.
func (c *controller) mapDocumentSymbols(ctx context.Context, direction entity.Direction, symbols []protocol.DocumentSymbol) ([]protocol.DocumentSymbol, error) {
	kept := make([]protocol.DocumentSymbol, 0, len(symbols))
	for _, sym := range symbols {
		fullRange, keep, err := c.mapResultRange(ctx, direction, sym.Range)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		selection, keep, err := c.mapResultRange(ctx, direction, sym.SelectionRange)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		children, err := c.mapDocumentSymbols(ctx, direction, sym.Children)
		if err != nil {
			return nil, err
		}
		sym.Range = fullRange
		sym.SelectionRange = selection
		sym.Children = children
		kept = append(kept, sym)
	}
	return kept, nil
}

// rewriteCodeActionsResult maps each action's diagnostics and workspace
// edit. Legacy Command elements carry no coordinates and pass through.
// Actions whose edit cannot be expressed in original coordinates are dropped
// from the list rather than failing the whole response.
func (c *controller) rewriteCodeActionsResult(ctx context.Context, direction entity.Direction, raw json.RawMessage) (json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	kept := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		probe := struct {
			Edit        json.RawMessage `json:"edit"`
			Diagnostics json.RawMessage `json:"diagnostics"`
			Command     json.RawMessage `json:"command"`
		}{}
		if err := json.Unmarshal(item, &probe); err != nil {
			return nil, err
		}
		isCommand := probe.Edit == nil && probe.Diagnostics == nil &&
			len(probe.Command) > 0 && probe.Command[0] == '"'
		if isCommand {
			kept = append(kept, item)
			continue
		}

		fields := map[string]interface{}{}
		if len(probe.Diagnostics) > 0 {
			diags := []protocol.Diagnostic{}
			if err := json.Unmarshal(probe.Diagnostics, &diags); err != nil {
				return nil, err
			}
			mapped := make([]protocol.Diagnostic, 0, len(diags))
			for _, diag := range diags {
				r, keep, err := c.mapResultRange(ctx, direction, diag.Range)
				if err != nil {
					return nil, err
				}
				if !keep {
					continue
				}
				diag.Range = r
				mapped = append(mapped, diag)
			}
			fields["diagnostics"] = mapped
		}
		if len(probe.Edit) > 0 {
			edit := protocol.WorkspaceEdit{}
			if err := json.Unmarshal(probe.Edit, &edit); err != nil {
				return nil, err
			}
			if err := c.mapWorkspaceEditToOriginal(ctx, &edit); err != nil {
				c.stats.Counter("dropped_code_actions").Inc(1)
				continue
			}
			fields["edit"] = edit
		}
		patched, err := mapper.PatchObjectFields(item, fields)
		if err != nil {
			return nil, err
		}
		kept = append(kept, patched)
	}
	return mapper.MarshalResult(kept)
}

// rewriteWorkspaceEditResult maps a rename result.
func (c *controller) rewriteWorkspaceEditResult(ctx context.Context, direction entity.Direction, raw json.RawMessage) (json.RawMessage, error) {
	edit := protocol.WorkspaceEdit{}
	if err := json.Unmarshal(raw, &edit); err != nil {
		return nil, err
	}
	if err := c.mapWorkspaceEditToOriginal(ctx, &edit); err != nil {
		return nil, err
	}
	return mapper.MarshalResult(edit)
}

// mapWorkspaceEditToOriginal rewrites every text edit in place. Edits are
// load-bearing: a single range the original file cannot express fails the
// whole edit so nothing is half-applied.
func (c *controller) mapWorkspaceEditToOriginal(ctx context.Context, edit *protocol.WorkspaceEdit) error {
	mapEdits := func(uri protocol.DocumentURI, edits []protocol.TextEdit) error {
		doc, err := c.documents.Get(ctx, uri)
		if err != nil {
			// Unmanaged file; coordinates hold as-is.
			return nil
		}
		if doc.Stale {
			return &StaleMappingError{URI: uri}
		}
		for i := range edits {
			mapped, err := doc.Table.RangeToOriginalStrict(edits[i].Range)
			if err != nil {
				c.stats.Counter("unsupported_edits").Inc(1)
				return &UnsupportedEditError{URI: uri}
			}
			edits[i].Range = mapped
		}
		return nil
	}

	for uri, edits := range edit.Changes {
		if err := mapEdits(protocol.DocumentURI(uri), edits); err != nil {
			return err
		}
	}
	for i := range edit.DocumentChanges {
		dc := &edit.DocumentChanges[i]
		if err := mapEdits(protocol.DocumentURI(dc.TextDocument.URI), dc.Edits); err != nil {
			return err
		}
	}
	return nil
}

// rewriteInlayHintsResult patches each hint's position, dropping hints the
// server attached to generated lines.
func (c *controller) rewriteInlayHintsResult(ctx context.Context, direction entity.Direction, raw json.RawMessage) (json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	doc, ok, err := c.resultDocument(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return raw, nil
	}

	kept := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		probe := struct {
			Position protocol.Position `json:"position"`
		}{}
		if err := json.Unmarshal(item, &probe); err != nil {
			return nil, err
		}
		mapped, err := mapPosition(doc.Table, direction, probe.Position)
		if err != nil {
			c.stats.Counter("dropped_locations").Inc(1)
			continue
		}
		patched, err := mapper.PatchObjectFields(item, map[string]interface{}{"position": mapped})
		if err != nil {
			return nil, err
		}
		kept = append(kept, patched)
	}
	return mapper.MarshalResult(kept)
}

// rewritePrepareRenameResult handles the three live encodings: a bare range,
// an object with a range and placeholder, and the defaultBehavior form.
func (c *controller) rewritePrepareRenameResult(ctx context.Context, direction entity.Direction, raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, nil
	}

	probe := struct {
		Start *protocol.Position `json:"start"`
		Range *protocol.Range    `json:"range"`
	}{}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, err
	}

	switch {
	case probe.Start != nil:
		r := protocol.Range{}
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return nil, err
		}
		mapped, keep, err := c.mapResultRange(ctx, direction, r)
		if err != nil {
			return nil, err
		}
		if !keep {
			return json.RawMessage("null"), nil
		}
		return mapper.MarshalResult(mapped)

	case probe.Range != nil:
		mapped, keep, err := c.mapResultRange(ctx, direction, *probe.Range)
		if err != nil {
			return nil, err
		}
		if !keep {
			return json.RawMessage("null"), nil
		}
		return mapper.PatchObjectFields(raw, map[string]interface{}{"range": mapped})

	default:
		return raw, nil
	}
}
