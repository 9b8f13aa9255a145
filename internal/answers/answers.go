// Package answers builds the answer tree that mirrors a form's field tree.
//
// Every field id maps to an ordered list of entries. An entry of a
// fieldgroup maps each child id to that child's own list of entries; an
// entry of any other field holds the raw values the user typed or picked.
package answers

import (
	"tipline/internal/domain"
)

// Entry is one instance of a field's answer.
type Entry map[string]any

// Scalar fields keep their value under this key; checkbox fields key each
// ticked option by its id.
const valueKey = "value"

func (e Entry) SetValue(v any) { e[valueKey] = v }

func (e Entry) Value() any { return e[valueKey] }

// Entries is the ordered, append-only list of entries of a field.
type Entries []Entry

// Tree maps top-level field ids to their entries.
type Tree map[string]*Entries

// Builder owns the answer tree for one submission.
type Builder struct {
	tree     Tree
	defaults map[string]Entry
}

func NewBuilder() *Builder {
	return &Builder{tree: Tree{}, defaults: map[string]Entry{}}
}

// BuildDefault returns the default structure for field, allocating it on
// the first call only.
func (b *Builder) BuildDefault(field domain.Field) Entry {
	if e, ok := b.defaults[field.ID]; ok {
		return e
	}
	e := fresh(field)
	b.defaults[field.ID] = e
	return e
}

func fresh(field domain.Field) Entry {
	e := Entry{}
	if field.Type == domain.FieldGroup {
		for _, child := range field.Children {
			e[child.ID] = &Entries{fresh(child)}
		}
	}
	return e
}

// Entries returns the entry list for field. With a nil parent it is the
// top-level list, created with one default entry on first use; otherwise it
// is the parent's sub-list for field, which exists by construction.
func (b *Builder) Entries(field domain.Field, parent Entry) *Entries {
	if parent == nil {
		if es, ok := b.tree[field.ID]; ok {
			return es
		}
		es := &Entries{b.BuildDefault(field)}
		b.tree[field.ID] = es
		return es
	}
	es, _ := parent[field.ID].(*Entries)
	return es
}

// AddEntry appends a freshly built default entry for field.
func (b *Builder) AddEntry(field domain.Field, entries *Entries) Entry {
	e := fresh(field)
	*entries = append(*entries, e)
	return e
}

// Register builds the top-level entries of every field of a step.
func (b *Builder) Register(step domain.Step) {
	for _, f := range step.Children {
		b.Entries(f, nil)
	}
}

// Export returns the tree as plain maps and slices suitable for encoding.
func (b *Builder) Export() map[string]any {
	out := make(map[string]any, len(b.tree))
	for id, es := range b.tree {
		out[id] = exportEntries(*es)
	}
	return out
}

func exportEntries(es Entries) []any {
	out := make([]any, 0, len(es))
	for _, e := range es {
		m := make(map[string]any, len(e))
		for k, v := range e {
			if sub, ok := v.(*Entries); ok {
				m[k] = exportEntries(*sub)
				continue
			}
			m[k] = v
		}
		out = append(out, m)
	}
	return out
}
