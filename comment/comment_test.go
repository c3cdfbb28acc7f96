package comment

import (
	"bytes"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Extract
// ---------------------------------------------------------------------------

func TestExtract_LineAndBlock(t *testing.T) {
	src := []byte("// hello world\nint x;\n/* block */\n")

	spans, err := Extract(src)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Kind != KindLine || spans[0].Text != "// hello world" {
		t.Errorf("span 0 = %q (%s)", spans[0].Text, spans[0].Kind)
	}
	if spans[1].Kind != KindBlock || spans[1].Text != "/* block */" {
		t.Errorf("span 1 = %q (%s)", spans[1].Text, spans[1].Kind)
	}
	if spans[0].Index != 0 || spans[1].Index != 1 {
		t.Error("span indexes not sequential")
	}
}

func TestExtract_Offsets(t *testing.T) {
	src := []byte("int a; // tail\n")

	spans, err := Extract(src)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	sp := spans[0]
	if string(src[sp.Start:sp.End]) != sp.Text {
		t.Errorf("offsets [%d,%d) do not match text %q", sp.Start, sp.End, sp.Text)
	}
	// The newline stays outside the span.
	if src[sp.End] != '\n' {
		t.Errorf("span end %d should sit before the newline", sp.End)
	}
}

func TestExtract_CommentOpenerInString(t *testing.T) {
	src := []byte(`const char *u = "http://example.com"; // real comment` + "\n")

	spans, err := Extract(src)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1 (the // inside the string must not count)", len(spans))
	}
	if spans[0].Text != "// real comment" {
		t.Errorf("span = %q", spans[0].Text)
	}
}

func TestExtract_EscapedQuoteInString(t *testing.T) {
	src := []byte(`printf("quote \" then // not a comment"); /* yes */` + "\n")

	spans, err := Extract(src)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(spans) != 1 || spans[0].Text != "/* yes */" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestExtract_CharLiteral(t *testing.T) {
	src := []byte("char c = '\\''; // after escape\n")

	spans, err := Extract(src)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(spans) != 1 || spans[0].Text != "// after escape" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestExtract_BlockCommentsDoNotNest(t *testing.T) {
	src := []byte("/* outer /* inner */ int x; // tail\n")

	spans, err := Extract(src)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Text != "/* outer /* inner */" {
		t.Errorf("first */ must terminate: %q", spans[0].Text)
	}
}

func TestExtract_UnterminatedBlock(t *testing.T) {
	_, err := Extract([]byte("int x;\n/* oops"))
	if !errors.Is(err, ErrUnterminated) {
		t.Fatalf("want ErrUnterminated, got %v", err)
	}
}

func TestExtract_LineCommentAtEOF(t *testing.T) {
	spans, err := Extract([]byte("int x; // no trailing newline"))
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(spans) != 1 || spans[0].Text != "// no trailing newline" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestExtract_NoComments(t *testing.T) {
	spans, err := Extract([]byte("int x = 1;\nreturn x;\n"))
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(spans) != 0 {
		t.Errorf("got %d spans, want 0", len(spans))
	}
}

func TestTranslatable(t *testing.T) {
	if (Span{Text: "//----"}).Translatable() {
		t.Error("delimiter-only comment should not be translatable")
	}
	if !(Span{Text: "// fix the loop"}).Translatable() {
		t.Error("english comment should be translatable")
	}
	if (Span{Text: "/* ab */"}).Translatable() {
		t.Error("runs shorter than 3 letters do not count")
	}
}

// ---------------------------------------------------------------------------
// Splice
// ---------------------------------------------------------------------------

func TestSplice_RoundTripOutsideSpans(t *testing.T) {
	src := []byte("int a; // one\nint b; /* two */ int c;\n")
	spans, err := Extract(src)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	spans[0].Translated = "// 一"
	spans[1].Translated = "/* 二 */"

	out, err := Splice(src, spans)
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	want := "int a; // 一\nint b; /* 二 */ int c;\n"
	if string(out) != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestSplice_EmptyTranslationKeepsOriginal(t *testing.T) {
	src := []byte("x; // keep\n")
	spans, _ := Extract(src)

	out, err := Splice(src, spans)
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	if !bytes.Equal(out, src) {
		t.Errorf("got %q, want original", out)
	}
}

func TestSplice_NoSpans(t *testing.T) {
	src := []byte("int pure = 0;\n")
	out, err := Splice(src, nil)
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	if !bytes.Equal(out, src) {
		t.Error("splicing with no spans must be the identity")
	}
}

func TestSplice_RejectsOverlap(t *testing.T) {
	src := []byte("abcdef")
	spans := []Span{
		{Index: 0, Start: 0, End: 4, Translated: "x"},
		{Index: 1, Start: 2, End: 6, Translated: "y"},
	}
	if _, err := Splice(src, spans); err == nil {
		t.Fatal("want error for overlapping spans")
	}
}
