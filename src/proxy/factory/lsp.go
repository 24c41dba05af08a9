package factory

import (
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// FileURI returns the DocumentURI addressing a local path.
func FileURI(path string) protocol.DocumentURI {
	return uri.File(path)
}

// Position returns a protocol.Position.
func Position(line, character uint32) protocol.Position {
	return protocol.Position{Line: line, Character: character}
}

// Range returns a protocol.Range spanning the given lines and characters.
func Range(startLine, startChar, endLine, endChar uint32) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: startLine, Character: startChar},
		End:   protocol.Position{Line: endLine, Character: endChar},
	}
}
