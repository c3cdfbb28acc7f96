// Package scan finds candidate C/C++ source files under a directory tree
// and decides eligibility: extension allow-list, exclusion directories,
// binary-content detection, encoding detection, and a fast "contains an
// English comment" pre-scan that spares ineligible files the cost of full
// extraction and translation.
package scan

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// Reason explains why a path was rejected.
type Reason string

const (
	ReasonAccepted        Reason = ""
	ReasonWrongExtension  Reason = "wrong-extension"
	ReasonExcludedDir     Reason = "excluded-directory"
	ReasonBinaryContent   Reason = "binary-content"
	ReasonNoEnglish       Reason = "no-english-comment"
	ReasonUnreadable      Reason = "unreadable"
	ReasonUnknownEncoding Reason = "unknown-encoding"
)

// sniffLen is how much of the file is inspected for binary/encoding
// detection, matching the 4 KiB window the tool has always used.
const sniffLen = 4096

// targetExtensions is the C/C++ allow-list, matched case-insensitively.
var targetExtensions = map[string]bool{
	".h":   true,
	".hpp": true,
	".c":   true,
	".cpp": true,
	".cc":  true,
	".cxx": true,
}

// SourceFile is one eligible file, read once at scan time. Text holds the
// content decoded to UTF-8; for UTF-8 input it aliases the raw bytes, so
// extraction and rewriting stay purely byte-level.
type SourceFile struct {
	Path     string
	Raw      []byte
	Text     []byte
	Encoding string
}

// Classifier decides whether paths are eligible. It is a pure decision
// component: Classify never touches the filesystem, Load only reads.
type Classifier struct {
	excluded map[string]bool
}

// NewClassifier builds a classifier with the given excluded directory names.
func NewClassifier(excludedDirs []string) *Classifier {
	ex := make(map[string]bool, len(excludedDirs))
	for _, d := range excludedDirs {
		ex[d] = true
	}
	return &Classifier{excluded: ex}
}

// HasTargetExtension reports whether path carries a C/C++ extension.
func HasTargetExtension(path string) bool {
	return targetExtensions[strings.ToLower(filepath.Ext(path))]
}

// Classify checks path-level eligibility: extension and exclusion set.
func (c *Classifier) Classify(path string) Reason {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if c.excluded[part] {
			return ReasonExcludedDir
		}
	}
	if !HasTargetExtension(path) {
		return ReasonWrongExtension
	}
	return ReasonAccepted
}

// Load reads path and applies the content-level checks: binary detection,
// encoding detection, and the English-comment pre-scan. On acceptance it
// returns the decoded SourceFile.
func (c *Classifier) Load(path string) (*SourceFile, Reason, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ReasonUnreadable, fmt.Errorf("reading %s: %w", path, err)
	}

	if IsBinary(raw) {
		return nil, ReasonBinaryContent, nil
	}

	enc, name := DetectEncoding(raw)
	text := raw
	if enc != nil {
		decoded, err := enc.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, ReasonUnknownEncoding, nil
		}
		text = decoded
	}

	if !HasEnglishComment(text) {
		return nil, ReasonNoEnglish, nil
	}

	return &SourceFile{Path: path, Raw: raw, Text: text, Encoding: name}, ReasonAccepted, nil
}

// ---------------------------------------------------------------------------
// Binary detection
// ---------------------------------------------------------------------------

// IsBinary reports whether content looks like a non-text file. A MIME sniff
// decides first; the NUL-byte and control-character ratio checks catch text
// types the sniffer cannot name.
func IsBinary(content []byte) bool {
	chunk := content
	if len(chunk) > sniffLen {
		chunk = chunk[:sniffLen]
	}
	if len(chunk) == 0 {
		return false
	}

	mtype := mimetype.Detect(chunk)
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return bytes.IndexByte(chunk, 0) >= 0
		}
	}

	if bytes.IndexByte(chunk, 0) >= 0 {
		return true
	}
	control := 0
	for _, b := range chunk {
		if b < 32 && b != '\t' && b != '\n' && b != '\r' {
			control++
		}
	}
	return float64(control)/float64(len(chunk)) > 0.1
}

// ---------------------------------------------------------------------------
// Encoding detection
// ---------------------------------------------------------------------------

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// DetectEncoding guesses the file encoding: BOM first, then UTF-8 validity,
// then the legacy codecs the tool has always tried (GBK, Big5, Shift-JIS),
// with Latin-1 as the final fallback that accepts any byte sequence.
// A nil Encoding means the content is already UTF-8.
func DetectEncoding(content []byte) (encoding.Encoding, string) {
	switch {
	case bytes.HasPrefix(content, bomUTF8):
		return unicode.UTF8BOM, "utf-8-sig"
	case bytes.HasPrefix(content, bomUTF16LE):
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), "utf-16-le"
	case bytes.HasPrefix(content, bomUTF16BE):
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), "utf-16-be"
	}

	if utf8.Valid(content) {
		return nil, "utf-8"
	}

	chunk := content
	if len(chunk) > sniffLen {
		chunk = chunk[:sniffLen]
	}
	candidates := []struct {
		enc  encoding.Encoding
		name string
	}{
		{simplifiedchinese.GBK, "gbk"},
		{traditionalchinese.Big5, "big5"},
		{japanese.ShiftJIS, "shift-jis"},
	}
	for _, cand := range candidates {
		decoded, err := cand.enc.NewDecoder().Bytes(chunk)
		if err == nil && !bytes.ContainsRune(decoded, utf8.RuneError) {
			return cand.enc, cand.name
		}
	}

	return charmap.ISO8859_1, "latin-1"
}

// Encode converts UTF-8 text back to the SourceFile's original encoding.
func (sf *SourceFile) Encode(text []byte) ([]byte, error) {
	if sf.Encoding == "utf-8" {
		return text, nil
	}
	enc, _ := DetectEncoding(sf.Raw)
	if enc == nil {
		return text, nil
	}
	out, err := enc.NewEncoder().Bytes(text)
	if err != nil {
		return nil, fmt.Errorf("re-encoding to %s: %w", sf.Encoding, err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// English-comment pre-scan
// ---------------------------------------------------------------------------

// HasEnglishComment reports whether text contains a comment opener followed
// by a run of 3+ ASCII letters before the comment closes. It is a cheap
// heuristic, not a full parse: an opener inside a string literal can yield
// a false positive, which only costs a real extraction later.
func HasEnglishComment(text []byte) bool {
	i := 0
	for i < len(text)-1 {
		if text[i] != '/' {
			i++
			continue
		}
		switch text[i+1] {
		case '/':
			end := bytes.IndexByte(text[i:], '\n')
			if end < 0 {
				end = len(text) - i
			}
			if hasLetterRun(text[i:i+end], 3) {
				return true
			}
			i += end
		case '*':
			end := bytes.Index(text[i+2:], []byte("*/"))
			if end < 0 {
				end = len(text) - i - 2
			}
			if hasLetterRun(text[i:i+2+end], 3) {
				return true
			}
			i += 2 + end
		default:
			i++
		}
	}
	return false
}

func hasLetterRun(s []byte, n int) bool {
	run := 0
	for _, c := range s {
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

// ---------------------------------------------------------------------------
// Traversal
// ---------------------------------------------------------------------------

// Walk visits every regular file under root whose extension is in the
// allow-list, pruning excluded directories, and calls fn with each path.
// Candidates are yielded lazily so memory stays bounded regardless of tree
// size; fn returning an error stops the walk.
func (c *Classifier) Walk(root string, fn func(path string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// An unreadable subtree is skipped, not fatal for the run.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if c.excluded[d.Name()] || strings.HasPrefix(d.Name(), ".comtrans") {
				return fs.SkipDir
			}
			return nil
		}
		if !HasTargetExtension(path) {
			return nil
		}
		return fn(path)
	})
}
