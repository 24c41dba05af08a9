package editscan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
)

func rangePtr(startLine, startChar, endLine, endChar uint32) *protocol.Range {
	return &protocol.Range{
		Start: protocol.Position{Line: startLine, Character: startChar},
		End:   protocol.Position{Line: endLine, Character: endChar},
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name               string
		prev               string
		changes            []protocol.TextDocumentContentChangeEvent
		wantText           string
		wantLinePreserving bool
		wantFullReplace    bool
	}{
		{
			name: "within line edit",
			prev: "alpha\nbeta\ngamma\n",
			changes: []protocol.TextDocumentContentChangeEvent{
				{Range: rangePtr(1, 0, 1, 4), Text: "BETA"},
			},
			wantText:           "alpha\nBETA\ngamma\n",
			wantLinePreserving: true,
		},
		{
			name: "multi line replacement with equal line count",
			prev: "alpha\nbeta\ngamma\n",
			changes: []protocol.TextDocumentContentChangeEvent{
				{Range: rangePtr(0, 0, 1, 4), Text: "ALPHA\nBETA"},
			},
			wantText:           "ALPHA\nBETA\ngamma\n",
			wantLinePreserving: true,
		},
		{
			name: "newline insertion changes line count",
			prev: "alpha\nbeta\n",
			changes: []protocol.TextDocumentContentChangeEvent{
				{Range: rangePtr(0, 5, 0, 5), Text: "\ninserted"},
			},
			wantText:           "alpha\ninserted\nbeta\n",
			wantLinePreserving: false,
		},
		{
			name: "line deletion changes line count",
			prev: "alpha\nbeta\ngamma\n",
			changes: []protocol.TextDocumentContentChangeEvent{
				{Range: rangePtr(1, 0, 2, 0), Text: ""},
			},
			wantText:           "alpha\ngamma\n",
			wantLinePreserving: false,
		},
		{
			name: "full replacement preserving lines",
			prev: "alpha\nbeta\n",
			changes: []protocol.TextDocumentContentChangeEvent{
				{Text: "ALPHA\nBETA\n"},
			},
			wantText:           "ALPHA\nBETA\n",
			wantLinePreserving: true,
			wantFullReplace:    true,
		},
		{
			name: "full replacement changing lines",
			prev: "alpha\nbeta\n",
			changes: []protocol.TextDocumentContentChangeEvent{
				{Text: "alpha\n"},
			},
			wantText:           "alpha\n",
			wantLinePreserving: false,
			wantFullReplace:    true,
		},
		{
			name: "second change sees the first applied",
			prev: "ab\n",
			changes: []protocol.TextDocumentContentChangeEvent{
				{Range: rangePtr(0, 0, 0, 1), Text: "xy"},
				{Range: rangePtr(0, 2, 0, 3), Text: "z"},
			},
			wantText:           "xyz\n",
			wantLinePreserving: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.prev, tt.changes)
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, got.Text)
			assert.Equal(t, tt.wantLinePreserving, got.LinePreserving)
			assert.Equal(t, tt.wantFullReplace, got.FullReplace)
		})
	}

	t.Run("range beyond document", func(t *testing.T) {
		_, err := Apply("ab\n", []protocol.TextDocumentContentChangeEvent{
			{Range: rangePtr(5, 0, 5, 1), Text: "x"},
		})
		assert.Error(t, err)
	})
}

func TestLineDelta(t *testing.T) {
	assert.Equal(t, 0, LineDelta("a\nb\n", "a\nc\n"))
	assert.Equal(t, 1, LineDelta("a\nb\n", "a\nx\nb\n"))
	assert.Equal(t, -2, LineDelta("a\nb\nc\nd\n", "a\nd\n"))
}

func TestLineEdits(t *testing.T) {
	edits, err := LineEdits("alpha\nbeta\ngamma\n", "alpha\nBETA\ngamma\n")
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, LineEdit{Line: 1, OldLen: 4, Text: "BETA"}, edits[0])

	// OldLen counts UTF-16 codes, not bytes.
	edits, err = LineEdits("aé\nb\n", "xy\nb\n")
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, uint32(2), edits[0].OldLen)

	edits, err = LineEdits("same\n", "same\n")
	require.NoError(t, err)
	assert.Empty(t, edits)

	_, err = LineEdits("a\nb\n", "a\n")
	assert.Error(t, err)
}

func TestMapperPositionOffset(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pos     protocol.Position
		want    int
		wantErr bool
	}{
		{name: "start of file", content: "ab\ncd\n", pos: protocol.Position{}, want: 0},
		{name: "second line", content: "ab\ncd\n", pos: protocol.Position{Line: 1, Character: 1}, want: 4},
		{name: "end of line", content: "ab\ncd\n", pos: protocol.Position{Line: 0, Character: 2}, want: 2},
		{name: "beyond line end", content: "ab\ncd\n", pos: protocol.Position{Line: 0, Character: 3}, wantErr: true},
		{name: "beyond file", content: "ab\n", pos: protocol.Position{Line: 9}, wantErr: true},
		{name: "non-ascii counts utf16 codes", content: "éx\n", pos: protocol.Position{Line: 0, Character: 1}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewMapper([]byte(tt.content)).PositionOffset(tt.pos)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMapperOffsetPosition(t *testing.T) {
	m := NewMapper([]byte("ab\ncd\n"))
	got, err := m.OffsetPosition(4)
	require.NoError(t, err)
	assert.Equal(t, protocol.Position{Line: 1, Character: 1}, got)

	_, err = m.OffsetPosition(100)
	assert.Error(t, err)
}
