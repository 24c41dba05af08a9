// Package srcmap maps line/character positions between an original source
// file and the derived (preprocessed) file the language server analyzes.
package srcmap

import (
	"errors"
	"fmt"
	"sort"

	"go.lsp.dev/protocol"
)

// ErrUnmapped reports that a position has no counterpart in the other
// coordinate space.
var ErrUnmapped = errors.New("position has no counterpart in the other coordinate space")

// MalformedMappingError indicates that the derived file's origin annotations
// could not be parsed into a consistent mapping.
type MalformedMappingError struct {
	File   string
	Line   int
	Reason string
}

// Error is an implementation of the error interface.
func (e *MalformedMappingError) Error() string {
	return fmt.Sprintf("malformed mapping for %q at derived line %d: %s", e.File, e.Line, e.Reason)
}

// Segment is a contiguous correspondence between a half-open original line
// range and a half-open derived line range. Generated segments cover derived
// lines with no original counterpart; their original range is empty.
type Segment struct {
	OrigStart    uint32
	OrigEnd      uint32
	DerivedStart uint32
	DerivedEnd   uint32
	Generated    bool
}

// stride1 reports whether the segment maps lines one to one, which is the
// only case where character offsets survive translation.
func (s Segment) stride1() bool {
	return !s.Generated && s.OrigEnd-s.OrigStart == s.DerivedEnd-s.DerivedStart
}

// Table is the per-file mapping between original and derived coordinates.
// A Table is immutable after construction; rebuilds produce a new Table.
type Table struct {
	// segments is ordered by DerivedStart, non-overlapping, and covers the
	// whole derived file.
	segments []Segment
	// byOriginal indexes the non-generated segments in original line order.
	byOriginal []int
	generation uint64
}

// newTable validates the segment sequence and builds the original-ordered view.
func newTable(file string, segments []Segment, generation uint64) (*Table, error) {
	t := &Table{segments: segments, generation: generation}
	for i, s := range segments {
		if !s.Generated {
			t.byOriginal = append(t.byOriginal, i)
		}
	}
	sort.Slice(t.byOriginal, func(a, b int) bool {
		return segments[t.byOriginal[a]].OrigStart < segments[t.byOriginal[b]].OrigStart
	})
	if err := t.check(file); err != nil {
		return nil, err
	}
	return t, nil
}

// Generation identifies which rebuild of the mapping this table belongs to.
func (t *Table) Generation() uint64 { return t.generation }

// Segments returns the derived-ordered segment sequence.
func (t *Table) Segments() []Segment { return t.segments }

// DerivedLineCount returns the number of derived lines covered by the table.
func (t *Table) DerivedLineCount() uint32 {
	if len(t.segments) == 0 {
		return 0
	}
	return t.segments[len(t.segments)-1].DerivedEnd
}

// check enforces the table invariants: derived coverage with no gaps or
// overlaps, and a unique owner segment for every original line.
func (t *Table) check(file string) error {
	var derived uint32
	for _, s := range t.segments {
		if s.DerivedStart != derived {
			return &MalformedMappingError{File: file, Line: int(s.DerivedStart), Reason: "derived line coverage has a gap or overlap"}
		}
		if s.DerivedEnd <= s.DerivedStart {
			return &MalformedMappingError{File: file, Line: int(s.DerivedStart), Reason: "empty derived range"}
		}
		if !s.Generated && s.OrigEnd <= s.OrigStart {
			return &MalformedMappingError{File: file, Line: int(s.DerivedStart), Reason: "empty original range"}
		}
		derived = s.DerivedEnd
	}
	var origEnd uint32
	for _, i := range t.byOriginal {
		s := t.segments[i]
		if s.OrigStart < origEnd {
			return &MalformedMappingError{File: file, Line: int(s.DerivedStart), Reason: "original line ranges overlap"}
		}
		origEnd = s.OrigEnd
	}
	return nil
}

// derivedSegment returns the segment containing the given derived line.
func (t *Table) derivedSegment(line uint32) (Segment, bool) {
	i := sort.Search(len(t.segments), func(i int) bool {
		return t.segments[i].DerivedStart > line
	}) - 1
	if i < 0 || line >= t.segments[i].DerivedEnd {
		return Segment{}, false
	}
	return t.segments[i], true
}

// originalSegment returns the non-generated segment claiming the given
// original line, and its index into byOriginal.
func (t *Table) originalSegment(line uint32) (Segment, bool) {
	i := sort.Search(len(t.byOriginal), func(i int) bool {
		return t.segments[t.byOriginal[i]].OrigStart > line
	}) - 1
	if i < 0 {
		return Segment{}, false
	}
	s := t.segments[t.byOriginal[i]]
	if line >= s.OrigEnd {
		return Segment{}, false
	}
	return s, true
}

// ToDerived translates an original position to derived coordinates.
// Character offsets pass through only on stride-1 segments; a stride-changing
// segment cannot preserve column fidelity, so the position degrades to the
// start of its derived line.
func (t *Table) ToDerived(p protocol.Position) (protocol.Position, error) {
	s, ok := t.originalSegment(p.Line)
	if !ok {
		return protocol.Position{}, ErrUnmapped
	}
	offset := p.Line - s.OrigStart
	if s.stride1() {
		return protocol.Position{Line: s.DerivedStart + offset, Character: p.Character}, nil
	}
	if max := s.DerivedEnd - s.DerivedStart - 1; offset > max {
		offset = max
	}
	return protocol.Position{Line: s.DerivedStart + offset}, nil
}

// ToOriginal translates a derived position to original coordinates. Positions
// inside generated regions have no counterpart and return ErrUnmapped.
func (t *Table) ToOriginal(p protocol.Position) (protocol.Position, error) {
	s, ok := t.derivedSegment(p.Line)
	if !ok || s.Generated {
		return protocol.Position{}, ErrUnmapped
	}
	offset := p.Line - s.DerivedStart
	if s.stride1() {
		return protocol.Position{Line: s.OrigStart + offset, Character: p.Character}, nil
	}
	if max := s.OrigEnd - s.OrigStart - 1; offset > max {
		offset = max
	}
	return protocol.Position{Line: s.OrigStart + offset}, nil
}

// ToOriginalApprox translates a derived position to original coordinates,
// attaching positions inside generated regions to the last original line of
// the nearest preceding mapped segment. The boolean result reports whether
// the attachment is approximate.
func (t *Table) ToOriginalApprox(p protocol.Position) (protocol.Position, bool, error) {
	if mapped, err := t.ToOriginal(p); err == nil {
		return mapped, false, nil
	}
	i := sort.Search(len(t.segments), func(i int) bool {
		return t.segments[i].DerivedStart > p.Line
	}) - 1
	for ; i >= 0; i-- {
		if s := t.segments[i]; !s.Generated {
			return protocol.Position{Line: s.OrigEnd - 1}, true, nil
		}
	}
	return protocol.Position{}, false, ErrUnmapped
}

// RangeToDerived translates a range to derived coordinates, failing if either
// endpoint is unmapped.
func (t *Table) RangeToDerived(r protocol.Range) (protocol.Range, error) {
	start, err := t.ToDerived(r.Start)
	if err != nil {
		return protocol.Range{}, err
	}
	end, err := t.ToDerived(r.End)
	if err != nil {
		return protocol.Range{}, err
	}
	return protocol.Range{Start: start, End: end}, nil
}

// RangeToDerivedStrict translates a range to derived coordinates for a
// content edit. The whole range must fall inside a single stride-1 segment,
// since only there does the edit splice identically into the derived text.
func (t *Table) RangeToDerivedStrict(r protocol.Range) (protocol.Range, error) {
	s, ok := t.originalSegment(r.Start.Line)
	if !ok || !s.stride1() || r.End.Line >= s.OrigEnd {
		return protocol.Range{}, ErrUnmapped
	}
	return protocol.Range{
		Start: protocol.Position{Line: s.DerivedStart + (r.Start.Line - s.OrigStart), Character: r.Start.Character},
		End:   protocol.Position{Line: s.DerivedStart + (r.End.Line - s.OrigStart), Character: r.End.Character},
	}, nil
}

// RangeToOriginal translates a range to original coordinates, failing if
// either endpoint is unmapped.
func (t *Table) RangeToOriginal(r protocol.Range) (protocol.Range, error) {
	start, err := t.ToOriginal(r.Start)
	if err != nil {
		return protocol.Range{}, err
	}
	end, err := t.ToOriginal(r.End)
	if err != nil {
		return protocol.Range{}, err
	}
	return protocol.Range{Start: start, End: end}, nil
}

// RangeToOriginalStrict translates a range to original coordinates for a
// structured edit. The whole range must fall inside a single stride-1
// segment; anywhere else the character offsets cannot be trusted and
// applying the edit would corrupt the original file.
func (t *Table) RangeToOriginalStrict(r protocol.Range) (protocol.Range, error) {
	s, ok := t.derivedSegment(r.Start.Line)
	if !ok || s.Generated || !s.stride1() || r.End.Line >= s.DerivedEnd {
		return protocol.Range{}, ErrUnmapped
	}
	return protocol.Range{
		Start: protocol.Position{Line: s.OrigStart + (r.Start.Line - s.DerivedStart), Character: r.Start.Character},
		End:   protocol.Position{Line: s.OrigStart + (r.End.Line - s.DerivedStart), Character: r.End.Character},
	}, nil
}
