// Package entity holds the value types shared between the proxy's
// registries, rewriter and connection pump.
package entity

import (
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/macrolens/preproc-proxy/src/proxy/internal/srcmap"
)

// Direction identifies which way a message is travelling through the proxy.
type Direction int

const (
	// EditorToServer is the direction of messages originating at the editor.
	EditorToServer Direction = iota
	// ServerToEditor is the direction of messages originating at the language server.
	ServerToEditor
)

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == EditorToServer {
		return ServerToEditor
	}
	return EditorToServer
}

func (d Direction) String() string {
	if d == EditorToServer {
		return "editor->server"
	}
	return "server->editor"
}

// Document is a registry entry for one open file. The editor addresses the
// file by URI in original coordinates; the language server sees the same URI
// but derived (preprocessed) coordinates and content.
type Document struct {
	URI             protocol.DocumentURI
	DerivedPath     string
	OriginalVersion int32
	DerivedVersion  int32

	// OriginalText is the current editor-side content, updated on each
	// accepted didChange.
	OriginalText string

	// Table maps between the two coordinate spaces. Treated as immutable;
	// a rebuild swaps the pointer under the registry lock.
	Table *srcmap.Table

	// Stale is set once an edit invalidates the table. Coordinate-bearing
	// traffic for the document is refused until a rebuild is observed.
	Stale bool
}

// PendingRequest correlates an in-flight request with its method so the
// matching response, which carries no method name, can be rewritten.
type PendingRequest struct {
	ID        jsonrpc2.ID
	Method    string
	Direction Direction

	// URI is the document the request addressed, when it addressed one. The
	// matching result's coordinates are interpreted against this document.
	URI protocol.DocumentURI
}
