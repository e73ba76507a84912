// Package control decodes the paragraph-based control-file format used by
// APT repository metadata (Release, InRelease bodies and Packages indexes).
package control

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

const maxLineSize = 1 << 20

// MalformedError reports a structural fault in a control document.
type MalformedError struct {
	Line   int
	Text   string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed control document at line %d: %s", e.Line, e.Reason)
}

// IsMalformed reports whether err is, or wraps, a *MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// Reader reads paragraphs from a control document one at a time, so large
// indexes never have to be held in memory at once.
type Reader struct {
	sc       *bufio.Scanner
	line     int
	skipping bool
	err      error
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{sc: sc}
}

// Next returns the next paragraph, or io.EOF when the document is exhausted.
//
// A *MalformedError is returned for a continuation line that has no field to
// continue and for a line without a "Name:" delimiter. The rest of the
// offending paragraph is discarded, so calling Next again resumes at the
// following paragraph. Read errors from the underlying reader are sticky.
func (r *Reader) Next() (Paragraph, error) {
	if r.err != nil {
		return Paragraph{}, r.err
	}

	var b *builder
	for r.sc.Scan() {
		r.line++
		text := strings.TrimSuffix(r.sc.Text(), "\r")

		if strings.TrimSpace(text) == "" {
			r.skipping = false
			if b != nil {
				return b.paragraph(), nil
			}
			continue
		}
		if r.skipping || text[0] == '#' {
			continue
		}

		if text[0] == ' ' || text[0] == '\t' {
			if b == nil {
				return Paragraph{}, r.malformed(text, "continuation line before any field")
			}
			b.continueField(continuation(text))
			continue
		}

		idx := strings.IndexByte(text, ':')
		if idx < 0 {
			return Paragraph{}, r.malformed(text, "missing field name delimiter")
		}
		name := text[:idx]
		if name == "" || strings.ContainsAny(name, " \t") {
			return Paragraph{}, r.malformed(text, fmt.Sprintf("invalid field name %q", name))
		}

		if b == nil {
			b = newBuilder(r.line)
		}
		b.startField(name, strings.TrimSpace(text[idx+1:]))
	}

	if err := r.sc.Err(); err != nil {
		r.err = fmt.Errorf("reading control document: %w", err)
		return Paragraph{}, r.err
	}
	if b != nil {
		return b.paragraph(), nil
	}
	r.err = io.EOF
	return Paragraph{}, io.EOF
}

// Line returns the number of lines consumed so far.
func (r *Reader) Line() int {
	return r.line
}

func (r *Reader) malformed(text, reason string) error {
	r.skipping = true
	return &MalformedError{Line: r.line, Text: text, Reason: reason}
}

// Paragraphs yields the paragraphs of r lazily. Malformed paragraphs are
// yielded as errors and iteration continues with the next paragraph unless
// the consumer stops; a read error ends the sequence.
func Paragraphs(r io.Reader) iter.Seq2[Paragraph, error] {
	return func(yield func(Paragraph, error) bool) {
		cr := NewReader(r)
		for {
			p, err := cr.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(p, err) {
				return
			}
			if err != nil && !IsMalformed(err) {
				return
			}
		}
	}
}

// Parse decodes a whole document and stops at the first fault.
func Parse(text string) ([]Paragraph, error) {
	var out []Paragraph
	for p, err := range Paragraphs(strings.NewReader(text)) {
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// SplitList splits a list-valued field on whitespace. Order is preserved,
// empty tokens are discarded and repeated tokens are kept once.
func SplitList(value string) []string {
	tokens := strings.Fields(value)
	if len(tokens) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// continuation decodes one continuation line. A lone "." stands for an
// empty line inside a multi-line value.
func continuation(text string) string {
	v := strings.TrimLeft(text, " \t")
	if v == "." {
		return ""
	}
	return v
}
