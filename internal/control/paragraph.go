package control

import "strings"

// Field is one "Name: value" entry of a paragraph.
type Field struct {
	Name  string
	Value string
}

// Paragraph is an ordered set of fields. Field names are matched
// case-insensitively. When a name repeats, the last value wins and the
// field keeps the position of its first occurrence.
type Paragraph struct {
	Line   int
	fields []Field
	index  map[string]int
}

// Get returns the value of the named field.
func (p Paragraph) Get(name string) (string, bool) {
	i, ok := p.index[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return p.fields[i].Value, true
}

// Value returns the value of the named field, or "" when absent.
func (p Paragraph) Value(name string) string {
	v, _ := p.Get(name)
	return v
}

// List returns the named field split by SplitList.
func (p Paragraph) List(name string) []string {
	return SplitList(p.Value(name))
}

// Has reports whether the paragraph carries the named field.
func (p Paragraph) Has(name string) bool {
	_, ok := p.index[strings.ToLower(name)]
	return ok
}

// Fields returns a copy of the fields in document order.
func (p Paragraph) Fields() []Field {
	out := make([]Field, len(p.fields))
	copy(out, p.fields)
	return out
}

// Len returns the number of distinct fields.
func (p Paragraph) Len() int {
	return len(p.fields)
}

// Map returns the fields keyed by their name as written in the document.
func (p Paragraph) Map() map[string]string {
	out := make(map[string]string, len(p.fields))
	for _, f := range p.fields {
		out[f.Name] = f.Value
	}
	return out
}

type builder struct {
	line    int
	fields  []Field
	index   map[string]int
	current int
}

func newBuilder(line int) *builder {
	return &builder{line: line, index: make(map[string]int), current: -1}
}

func (b *builder) startField(name, value string) {
	key := strings.ToLower(name)
	if i, ok := b.index[key]; ok {
		b.fields[i] = Field{Name: name, Value: value}
		b.current = i
		return
	}
	b.index[key] = len(b.fields)
	b.current = len(b.fields)
	b.fields = append(b.fields, Field{Name: name, Value: value})
}

func (b *builder) continueField(line string) {
	f := &b.fields[b.current]
	f.Value += "\n" + line
}

func (b *builder) paragraph() Paragraph {
	return Paragraph{Line: b.line, fields: b.fields, index: b.index}
}
