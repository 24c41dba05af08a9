// This file includes a selection of byte offset conversion methods from the gopls "protocol" package.
// Based on the following: https://github.com/golang/tools/blob/67d73b2960c82b2c8db0b9d0694c66a789a1db11/gopls/internal/lsp/protocol/mapper.go

// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// License Revision: https://github.com/golang/tools/blob/67d73b2960c82b2c8db0b9d0694c66a789a1db11/LICENSE

// Package editscan applies editor content changes to a document's original
// text and classifies whether they preserve the file's line count, which
// decides whether the file's mapping table remains valid.
package editscan

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.lsp.dev/protocol"
)

// Analysis is the outcome of applying one didChange batch.
type Analysis struct {
	// Text is the document content after all changes.
	Text string
	// LinePreserving reports whether the batch left the line count intact.
	LinePreserving bool
	// FullReplace reports whether any change replaced the whole document.
	FullReplace bool
}

// Apply applies the content changes in order and reports whether the batch
// preserves the document's line count.
func Apply(prev string, changes []protocol.TextDocumentContentChangeEvent) (Analysis, error) {
	a := Analysis{Text: prev, LinePreserving: true}
	for _, change := range changes {
		if change.Range == nil {
			a.FullReplace = true
			if LineDelta(a.Text, change.Text) != 0 {
				a.LinePreserving = false
			}
			a.Text = change.Text
			continue
		}
		if strings.Count(change.Text, "\n") != int(change.Range.End.Line-change.Range.Start.Line) {
			a.LinePreserving = false
		}
		next, err := splice(a.Text, *change.Range, change.Text)
		if err != nil {
			return Analysis{}, err
		}
		a.Text = next
	}
	return a, nil
}

// LineDelta returns the net number of lines added (positive) or removed
// (negative) when prev becomes next.
func LineDelta(prev, next string) int {
	dmp := diffmatchpatch.New()
	var delta int
	for _, d := range dmp.DiffMain(prev, next, false) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			delta += strings.Count(d.Text, "\n")
		case diffmatchpatch.DiffDelete:
			delta -= strings.Count(d.Text, "\n")
		}
	}
	return delta
}

// LineEdit is a single-line replacement derived from a full-document change
// whose line count did not move.
type LineEdit struct {
	// Line is the 0-based line the edit replaces.
	Line uint32
	// OldLen is the UTF-16 length of the line's previous content.
	OldLen uint32
	// Text is the replacement content, without the trailing newline.
	Text string
}

// LineEdits compares two texts with the same line count and returns one edit
// per line whose content differs.
func LineEdits(prev, next string) ([]LineEdit, error) {
	prevLines := strings.Split(prev, "\n")
	nextLines := strings.Split(next, "\n")
	if len(prevLines) != len(nextLines) {
		return nil, fmt.Errorf("line count moved from %d to %d", len(prevLines), len(nextLines))
	}

	var edits []LineEdit
	for i := range prevLines {
		if prevLines[i] == nextLines[i] {
			continue
		}
		edits = append(edits, LineEdit{
			Line:   uint32(i),
			OldLen: uint32(utf16Len([]byte(prevLines[i]))),
			Text:   nextLines[i],
		})
	}
	return edits, nil
}

func splice(text string, r protocol.Range, replacement string) (string, error) {
	m := NewMapper([]byte(text))
	start, err := m.PositionOffset(r.Start)
	if err != nil {
		return "", err
	}
	end, err := m.PositionOffset(r.End)
	if err != nil {
		return "", err
	}
	if end < start {
		return "", fmt.Errorf("range end %v precedes start %v", r.End, r.Start)
	}
	return text[:start] + replacement + text[end:], nil
}

// Mapper converts protocol (UTF-16) positions to byte offsets within a fixed
// piece of content.
type Mapper struct {
	content   []byte
	lineStart []int // byte offset of start of ith line (0-based)
	nonASCII  bool
}

// NewMapper creates a mapper over the given content.
func NewMapper(content []byte) *Mapper {
	m := &Mapper{content: content}
	nlines := bytes.Count(content, []byte("\n"))
	m.lineStart = make([]int, 1, nlines+1)
	for offset, b := range content {
		if b == '\n' {
			m.lineStart = append(m.lineStart, offset+1)
		}
		if b >= utf8.RuneSelf {
			m.nonASCII = true
		}
	}
	return m
}

// LineCount returns the number of lines in the content.
func (m *Mapper) LineCount() int {
	return len(m.lineStart)
}

// PositionOffset converts a protocol (UTF-16) position to a byte offset.
func (m *Mapper) PositionOffset(p protocol.Position) (int, error) {
	if p.Line > uint32(len(m.lineStart)) {
		return 0, fmt.Errorf("line number %d out of range 0-%d", p.Line, len(m.lineStart))
	} else if p.Line == uint32(len(m.lineStart)) {
		if p.Character == 0 {
			return len(m.content), nil // EOF
		}
		return 0, fmt.Errorf("column is beyond end of file")
	}

	offset := m.lineStart[p.Line]
	content := m.content[offset:]

	if !m.nonASCII {
		// Fast path: one byte per UTF-16 code.
		col := int(p.Character)
		eol := bytes.IndexByte(content, '\n')
		if eol == -1 {
			eol = len(content)
		}
		if col > eol {
			return 0, fmt.Errorf("column is beyond end of line")
		}
		return offset + col, nil
	}

	col8 := 0
	for col16 := 0; col16 < int(p.Character); col16++ {
		r, sz := utf8.DecodeRune(content)
		if sz == 0 {
			return 0, fmt.Errorf("column is beyond end of file")
		}
		if r == '\n' {
			return 0, fmt.Errorf("column is beyond end of line")
		}
		content = content[sz:]
		if r >= 0x10000 {
			col16++ // surrogate pair
			if col16 == int(p.Character) {
				break
			}
		}
		col8 += sz
	}
	return offset + col8, nil
}

// OffsetPosition converts a byte offset to a protocol (UTF-16) position.
func (m *Mapper) OffsetPosition(offset int) (protocol.Position, error) {
	if offset < 0 || offset > len(m.content) {
		return protocol.Position{}, fmt.Errorf("invalid offset %d (want 0-%d)", offset, len(m.content))
	}
	line := sort.Search(len(m.lineStart), func(i int) bool {
		return offset < m.lineStart[i]
	}) - 1
	start := m.lineStart[line]
	var col16 int
	if m.nonASCII {
		col16 = utf16Len(m.content[start:offset])
	} else {
		col16 = offset - start
	}
	return protocol.Position{Line: uint32(line), Character: uint32(col16)}, nil
}

// utf16Len returns the number of codes in the UTF-16 transcoding of s.
func utf16Len(s []byte) int {
	var n int
	for len(s) > 0 {
		n++
		if s[0] < 0x80 {
			s = s[1:]
			continue
		}
		r, size := utf8.DecodeRune(s)
		if r >= 0x10000 {
			n++ // surrogate pair
		}
		s = s[size:]
	}
	return n
}
