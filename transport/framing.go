// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package transport

import (
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/textrealm/commrouter/event"
)

// wireEncoding is the "configured extended 8-bit encoding" spec.md §4.4.2
// calls for: ISO-8859-1 is exactly an 8-bit superset of ASCII, so ASCII
// and Latin-1 codepoints map losslessly through it; encodeLine sends a
// line containing any other codepoint as raw UTF-8 instead.
var wireEncoding = charmap.ISO8859_1

// encodeLine converts one outbound line to wire bytes: ANSI SGR escapes
// are emitted per-segment when ansiEnabled, segment text is encoded
// through wireEncoding, and the line is newline-terminated (spec.md
// §4.4.2).
func encodeLine(line event.TextLine, ansiEnabled bool) []byte {
	var sb strings.Builder
	for _, seg := range line.Segments {
		if ansiEnabled && seg.ANSI != "" {
			sb.WriteString(seg.ANSI)
		}
		sb.WriteString(seg.Text)
	}
	if ansiEnabled {
		hasStyle := false
		for _, seg := range line.Segments {
			if seg.ANSI != "" {
				hasStyle = true
				break
			}
		}
		if hasStyle {
			sb.WriteString("\x1b[0m")
		}
	}
	sb.WriteByte('\n')

	encoded, err := wireEncoding.NewEncoder().String(sb.String())
	if err != nil {
		// Encoding only fails for codepoints outside the charmap; fall
		// back to the raw (already mostly-ASCII) bytes rather than drop
		// the line.
		return []byte(sb.String())
	}
	return []byte(encoded)
}

// lineSplitter accumulates incoming bytes and yields complete lines,
// stripping carriage returns at the end of each line (a carriage return
// inside a line is kept) and retaining a partial trailing segment
// (spec.md §4.4.2).
type lineSplitter struct {
	buf       []byte
	maxLength int
}

func newLineSplitter(maxLength int) *lineSplitter {
	return &lineSplitter{maxLength: maxLength}
}

// errOversizeLine signals the DoS guard in spec.md §4.4.2 tripped: a
// single line, complete or still unterminated, exceeded maxLength.
var errOversizeLine = oversizeLineError{}

type oversizeLineError struct{}

func (oversizeLineError) Error() string { return "transport: incoming line exceeds maximum length" }

// Feed appends data and returns every complete line found so far. It
// returns errOversizeLine, with the complete lines before the offending
// one, if a complete line or the unterminated buffer is longer than
// maxLength.
func (l *lineSplitter) Feed(data []byte) ([]string, error) {
	l.buf = append(l.buf, data...)

	var lines []string
	for {
		idx := indexByte(l.buf, '\n')
		if idx < 0 {
			break
		}
		raw := l.buf[:idx]
		l.buf = l.buf[idx+1:]
		raw = trimTrailingCR(raw)
		if l.maxLength > 0 && len(raw) > l.maxLength {
			return lines, errOversizeLine
		}

		decoded, err := wireEncoding.NewDecoder().Bytes(raw)
		if err != nil {
			decoded = raw
		}
		lines = append(lines, string(decoded))
	}

	if l.maxLength > 0 && len(l.buf) > l.maxLength {
		return lines, errOversizeLine
	}
	return lines, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func trimTrailingCR(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == '\r' {
		b = b[:len(b)-1]
	}
	return b
}
