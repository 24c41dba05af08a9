package srcmap

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Origin annotations follow the C preprocessor convention: a marker line
// `#line N "file"` states that the lines after it originated at line N
// (1-indexed) of the named file. Marker lines themselves are generated
// output, as is anything before the first marker.
var lineMarkerRE = regexp.MustCompile(`^#line (\d+) "(.+)"\s*$`)

type marker struct {
	derivedLine int
	origLine    uint32
}

// Build scans the derived file text for origin annotations and constructs a
// mapping table for the named original file. Runs of derived lines between
// markers are coalesced into single segments; a run extends over original
// lines up to the next marker's target, so expansions (more derived lines
// than original lines) become stride-changing segments.
func Build(fileName, derivedText string, generation uint64) (*Table, error) {
	lines := splitLines(derivedText)
	if len(lines) == 0 {
		return nil, &MalformedMappingError{File: fileName, Line: 0, Reason: "derived file is empty"}
	}

	base := filepath.Base(fileName)
	var markers []marker
	for i, line := range lines {
		m := lineMarkerRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if filepath.Base(m[2]) != base {
			return nil, &MalformedMappingError{File: fileName, Line: i, Reason: "annotation references a different file: " + m[2]}
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil || n == 0 {
			return nil, &MalformedMappingError{File: fileName, Line: i, Reason: "invalid original line number: " + m[1]}
		}
		markers = append(markers, marker{derivedLine: i, origLine: uint32(n) - 1})
	}
	if len(markers) == 0 {
		return nil, &MalformedMappingError{File: fileName, Line: 0, Reason: "no origin annotations found"}
	}

	var segments []Segment
	generated := func(start, end uint32) {
		if end <= start {
			return
		}
		// Coalesce with a preceding generated segment.
		if n := len(segments); n > 0 && segments[n-1].Generated && segments[n-1].DerivedEnd == start {
			segments[n-1].DerivedEnd = end
			return
		}
		segments = append(segments, Segment{DerivedStart: start, DerivedEnd: end, Generated: true})
	}

	generated(0, uint32(markers[0].derivedLine))
	var prevOrigEnd uint32
	for k, m := range markers {
		// The marker line itself has no original counterpart.
		generated(uint32(m.derivedLine), uint32(m.derivedLine)+1)

		runStart := uint32(m.derivedLine) + 1
		runEnd := uint32(len(lines))
		var nextOrig *uint32
		if k+1 < len(markers) {
			runEnd = uint32(markers[k+1].derivedLine)
			nextOrig = &markers[k+1].origLine
		}
		if runEnd <= runStart {
			continue
		}

		origStart := m.origLine
		if origStart < prevOrigEnd {
			return nil, &MalformedMappingError{File: fileName, Line: m.derivedLine, Reason: "non-monotonic annotation"}
		}
		origEnd := origStart + (runEnd - runStart)
		if nextOrig != nil {
			if *nextOrig <= origStart {
				return nil, &MalformedMappingError{File: fileName, Line: markers[k+1].derivedLine, Reason: "non-monotonic annotation"}
			}
			origEnd = *nextOrig
		}
		segments = append(segments, Segment{
			OrigStart:    origStart,
			OrigEnd:      origEnd,
			DerivedStart: runStart,
			DerivedEnd:   runEnd,
		})
		prevOrigEnd = origEnd
	}

	return newTable(fileName, segments, generation)
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
