package translate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/comtrans/comtrans/comment"
)

// Validation is deliberately lenient. Translations routinely change length,
// punctuation, and wording, so the only grounds for rejection are the ones
// that make the rewritten file wrong: a translation that would break the
// comment's delimiters, or a response that translated nothing at all.

// ErrNoTranslation means every translatable comment came back byte
// identical to its original.
var ErrNoTranslation = errors.New("no comment was translated")

// Validate checks the filled-in Translated fields of a file's spans.
// Spans without a translation are left as-is by the rewriter and are not
// an error here.
func Validate(spans []comment.Span) error {
	translatable := 0
	changed := 0

	for i := range spans {
		s := &spans[i]
		if !s.Translatable() {
			continue
		}
		translatable++
		if s.Translated == "" {
			continue
		}
		if s.Translated != s.Text {
			changed++
		}
		if err := checkDelimiters(s); err != nil {
			return err
		}
	}

	if translatable > 0 && changed == 0 {
		return ErrNoTranslation
	}
	return nil
}

// checkDelimiters rejects translations that no longer form a valid comment
// of the original kind.
func checkDelimiters(s *comment.Span) error {
	switch s.Kind {
	case comment.KindLine:
		if !strings.HasPrefix(s.Translated, "//") {
			return fmt.Errorf("comment %d: line comment lost its // prefix", s.Index)
		}
		if strings.ContainsRune(s.Translated, '\n') {
			return fmt.Errorf("comment %d: line comment gained a line break", s.Index)
		}
	case comment.KindBlock:
		if !strings.HasPrefix(s.Translated, "/*") {
			return fmt.Errorf("comment %d: block comment lost its /* opener", s.Index)
		}
		if len(s.Translated) < 4 || !strings.HasSuffix(s.Translated, "*/") {
			return fmt.Errorf("comment %d: block comment lost its */ terminator", s.Index)
		}
		inner := s.Translated[2 : len(s.Translated)-2]
		if strings.Contains(inner, "*/") {
			return fmt.Errorf("comment %d: block comment gained an inner */ terminator", s.Index)
		}
	}
	return nil
}
