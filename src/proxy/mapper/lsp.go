// Package mapper converts between raw JSON-RPC payloads and go.lsp.dev
// protocol structs for the methods the rewriter understands.
package mapper

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
)

func wrapErrParse(err error) error {
	return fmt.Errorf("%s: %w", jsonrpc2.ErrParse, err)
}

// ParamsToTextDocumentPosition maps the params of a navigation-style request
// into protocol.TextDocumentPositionParams.
func ParamsToTextDocumentPosition(raw json.RawMessage) (*protocol.TextDocumentPositionParams, error) {
	params := protocol.TextDocumentPositionParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// ParamsToTextDocumentIdentifier extracts the textDocument field common to
// all document-addressed params.
func ParamsToTextDocumentIdentifier(raw json.RawMessage) (*protocol.TextDocumentIdentifier, error) {
	params := struct {
		TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
	}{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params.TextDocument, nil
}

// ParamsToDidOpenTextDocumentParams maps raw params into protocol.DidOpenTextDocumentParams.
func ParamsToDidOpenTextDocumentParams(raw json.RawMessage) (*protocol.DidOpenTextDocumentParams, error) {
	params := protocol.DidOpenTextDocumentParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// ParamsToDidChangeTextDocumentParams maps raw params into protocol.DidChangeTextDocumentParams.
func ParamsToDidChangeTextDocumentParams(raw json.RawMessage) (*protocol.DidChangeTextDocumentParams, error) {
	params := protocol.DidChangeTextDocumentParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// ParamsToDidCloseTextDocumentParams maps raw params into protocol.DidCloseTextDocumentParams.
func ParamsToDidCloseTextDocumentParams(raw json.RawMessage) (*protocol.DidCloseTextDocumentParams, error) {
	params := protocol.DidCloseTextDocumentParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// ParamsToDidSaveTextDocumentParams maps raw params into protocol.DidSaveTextDocumentParams.
func ParamsToDidSaveTextDocumentParams(raw json.RawMessage) (*protocol.DidSaveTextDocumentParams, error) {
	params := protocol.DidSaveTextDocumentParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// ParamsToPublishDiagnosticsParams maps raw params into protocol.PublishDiagnosticsParams.
func ParamsToPublishDiagnosticsParams(raw json.RawMessage) (*protocol.PublishDiagnosticsParams, error) {
	params := protocol.PublishDiagnosticsParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// ParamsToCodeActionParams maps raw params into protocol.CodeActionParams.
func ParamsToCodeActionParams(raw json.RawMessage) (*protocol.CodeActionParams, error) {
	params := protocol.CodeActionParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// ParamsToApplyWorkspaceEditParams maps raw params into protocol.ApplyWorkspaceEditParams.
func ParamsToApplyWorkspaceEditParams(raw json.RawMessage) (*protocol.ApplyWorkspaceEditParams, error) {
	params := protocol.ApplyWorkspaceEditParams{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// Locations is the decoded union shape of a definition/references-style
// result: null, a single Location, a Location list, or a LocationLink list.
type Locations struct {
	Single    *protocol.Location
	Locations []protocol.Location
	Links     []protocol.LocationLink
}

// IsNull reports whether the result carried no locations at all.
func (l Locations) IsNull() bool {
	return l.Single == nil && l.Locations == nil && l.Links == nil
}

// ResultToLocations decodes a location-shaped result.
func ResultToLocations(raw json.RawMessage) (Locations, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Locations{}, nil
	}
	if trimmed[0] == '{' {
		loc := protocol.Location{}
		if err := json.Unmarshal(trimmed, &loc); err != nil {
			return Locations{}, wrapErrParse(err)
		}
		return Locations{Single: &loc}, nil
	}

	// A list: probe the first element for the LocationLink shape.
	var probe []json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return Locations{}, wrapErrParse(err)
	}
	if len(probe) == 0 {
		return Locations{Locations: []protocol.Location{}}, nil
	}
	if bytes.Contains(probe[0], []byte(`"targetUri"`)) {
		links := []protocol.LocationLink{}
		if err := json.Unmarshal(trimmed, &links); err != nil {
			return Locations{}, wrapErrParse(err)
		}
		return Locations{Links: links}, nil
	}
	locs := []protocol.Location{}
	if err := json.Unmarshal(trimmed, &locs); err != nil {
		return Locations{}, wrapErrParse(err)
	}
	return Locations{Locations: locs}, nil
}

// MarshalResult re-encodes a rewritten result value.
func MarshalResult(v interface{}) (json.RawMessage, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding rewritten result: %w", err)
	}
	return out, nil
}

// PatchObjectFields decodes raw as a JSON object and replaces the given
// fields, leaving every other field byte-for-byte intact. Fields mapped to a
// nil value are removed.
func PatchObjectFields(raw json.RawMessage, fields map[string]interface{}) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, wrapErrParse(err)
	}
	for name, value := range fields {
		if value == nil {
			delete(obj, name)
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding field %q: %w", name, err)
		}
		obj[name] = encoded
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("re-encoding params: %w", err)
	}
	return out, nil
}
