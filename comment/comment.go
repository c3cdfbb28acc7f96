// Package comment locates C/C++ comment spans in source text and splices
// translated replacements back in. The scanner is literal-aware: comment
// openers inside string or character literals are never treated as spans,
// so rewriting is a pure byte-range substitution with no re-parsing.
package comment

import (
	"bytes"
	"errors"
	"fmt"
)

// Kind distinguishes line (`//`) from block (`/* */`) comments.
type Kind string

const (
	KindLine  Kind = "line"
	KindBlock Kind = "block"
)

// Span is one comment occurrence. Offsets are byte positions into the
// scanned buffer; the span includes its delimiters. Spans returned by
// Extract are sorted by Start and never overlap.
type Span struct {
	Index      int
	Start      int
	End        int // exclusive
	Kind       Kind
	Text       string
	Translated string
}

// ErrUnterminated reports a scan that ended inside an open construct.
// Files with this error are skipped and never rewritten.
var ErrUnterminated = errors.New("unterminated literal or comment")

// ---------------------------------------------------------------------------
// Extraction
// ---------------------------------------------------------------------------

// scanner states
type state int

const (
	stNormal state = iota
	stString
	stChar
	stLineComment
	stBlockComment
)

// Extract scans src left to right and returns all comment spans in order.
// Escape sequences inside string and character literals do not end the
// literal; a `/*` inside an open block comment does not nest (the first
// `*/` terminates). Ending the scan inside a string, character literal, or
// block comment returns ErrUnterminated.
func Extract(src []byte) ([]Span, error) {
	var spans []Span
	st := stNormal
	start := 0

	i := 0
	for i < len(src) {
		c := src[i]
		switch st {
		case stNormal:
			switch {
			case c == '/' && i+1 < len(src) && src[i+1] == '/':
				st = stLineComment
				start = i
				i += 2
			case c == '/' && i+1 < len(src) && src[i+1] == '*':
				st = stBlockComment
				start = i
				i += 2
			case c == '"':
				st = stString
				start = i
				i++
			case c == '\'':
				st = stChar
				start = i
				i++
			default:
				i++
			}

		case stString:
			switch c {
			case '\\':
				i += 2 // skip the escaped byte
			case '"':
				st = stNormal
				i++
			case '\n':
				// A bare newline ends the literal as far as comment
				// scanning is concerned; real compilers reject it anyway.
				st = stNormal
				i++
			default:
				i++
			}

		case stChar:
			switch c {
			case '\\':
				i += 2
			case '\'':
				st = stNormal
				i++
			case '\n':
				st = stNormal
				i++
			default:
				i++
			}

		case stLineComment:
			if c == '\n' {
				spans = appendSpan(spans, src, start, i, KindLine)
				st = stNormal
			}
			i++

		case stBlockComment:
			if c == '*' && i+1 < len(src) && src[i+1] == '/' {
				i += 2
				spans = appendSpan(spans, src, start, i, KindBlock)
				st = stNormal
			} else {
				i++
			}
		}
	}

	switch st {
	case stLineComment:
		// EOF terminates a line comment.
		spans = appendSpan(spans, src, start, len(src), KindLine)
	case stBlockComment:
		return nil, fmt.Errorf("%w: block comment open at offset %d", ErrUnterminated, start)
	case stString, stChar:
		return nil, fmt.Errorf("%w: literal open at offset %d", ErrUnterminated, start)
	}

	return spans, nil
}

func appendSpan(spans []Span, src []byte, start, end int, kind Kind) []Span {
	return append(spans, Span{
		Index: len(spans),
		Start: start,
		End:   end,
		Kind:  kind,
		Text:  string(src[start:end]),
	})
}

// hasLetterRun reports whether s contains a run of at least n consecutive
// ASCII letters. Used as the "translatable" heuristic: delimiters-only
// comments like "//----" carry nothing to translate.
func hasLetterRun(s string, n int) bool {
	run := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// Translatable reports whether the span's text contains an English word,
// meaning a run of 3 or more ASCII letters.
func (s Span) Translatable() bool {
	return hasLetterRun(s.Text, 3)
}

// ---------------------------------------------------------------------------
// Splicing
// ---------------------------------------------------------------------------

// Splice builds a new buffer from src with each span's byte range replaced
// by its Translated text, copying everything between spans verbatim. Spans
// must be the ones Extract produced for src (sorted, non-overlapping);
// spans with empty Translated text are copied through unchanged.
func Splice(src []byte, spans []Span) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(src))

	pos := 0
	for _, sp := range spans {
		if sp.Start < pos || sp.End > len(src) || sp.End < sp.Start {
			return nil, fmt.Errorf("span %d out of order: [%d,%d) at pos %d", sp.Index, sp.Start, sp.End, pos)
		}
		out.Write(src[pos:sp.Start])
		if sp.Translated != "" {
			out.WriteString(sp.Translated)
		} else {
			out.Write(src[sp.Start:sp.End])
		}
		pos = sp.End
	}
	out.Write(src[pos:])

	return out.Bytes(), nil
}
