package answers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"tipline/internal/domain"
)

func personGroup() domain.Field {
	return domain.Field{
		ID:   "person",
		Type: domain.FieldGroup,
		Children: []domain.Field{
			{ID: "name", Type: "inputbox", Required: true},
			{ID: "address", Type: domain.FieldGroup, Children: []domain.Field{
				{ID: "city", Type: "inputbox"},
			}},
		},
	}
}

func TestBuildDefaultIsIdempotent(t *testing.T) {
	b := NewBuilder()
	f := personGroup()
	first := b.BuildDefault(f)
	second := b.BuildDefault(f)
	first["marker"] = true
	require.Equal(t, true, second["marker"], "second call must return the same structure")
}

func TestBuildDefaultShapeMirrorsFieldTree(t *testing.T) {
	e := NewBuilder().BuildDefault(personGroup())
	name, ok := e["name"].(*Entries)
	require.True(t, ok)
	require.Len(t, *name, 1)
	require.Empty(t, (*name)[0])

	addr, ok := e["address"].(*Entries)
	require.True(t, ok)
	require.Len(t, *addr, 1)
	city, ok := (*addr)[0]["city"].(*Entries)
	require.True(t, ok)
	require.Len(t, *city, 1)
}

func TestNonGroupDefaultIsEmpty(t *testing.T) {
	e := NewBuilder().BuildDefault(domain.Field{ID: "summary", Type: "textarea"})
	require.Empty(t, e)
}

func TestEntriesLazyTopLevel(t *testing.T) {
	b := NewBuilder()
	f := personGroup()
	es := b.Entries(f, nil)
	require.Len(t, *es, 1)
	require.Same(t, es, b.Entries(f, nil))
}

func TestEntriesWithParent(t *testing.T) {
	b := NewBuilder()
	group := personGroup()
	parent := (*b.Entries(group, nil))[0]
	sub := b.Entries(group.Children[0], parent)
	require.NotNil(t, sub)
	require.Same(t, parent["name"].(*Entries), sub)
}

func TestAddEntryGrowsByOne(t *testing.T) {
	b := NewBuilder()
	f := personGroup()
	es := b.Entries(f, nil)
	before := len(*es)
	added := b.AddEntry(f, es)
	require.Len(t, *es, before+1)

	fresh := NewBuilder().BuildDefault(f)
	require.Equal(t, shape(fresh), shape(added))
	// appended entries are independent of the first one
	(*es)[0]["extra"] = 1
	_, leaked := added["extra"]
	require.False(t, leaked)
}

func TestExportEncodesNestedEntries(t *testing.T) {
	b := NewBuilder()
	f := personGroup()
	es := b.Entries(f, nil)
	name := b.Entries(f.Children[0], (*es)[0])
	(*name)[0].SetValue("Alice")
	b.AddEntry(f, es)

	data, err := json.Marshal(b.Export())
	require.NoError(t, err)
	var decoded map[string][]map[string][]map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded["person"], 2)
	require.Equal(t, "Alice", decoded["person"][0]["name"][0]["value"])
}

func TestMissingRequired(t *testing.T) {
	b := NewBuilder()
	consent := domain.Field{ID: "consent", Type: domain.FieldCheckbox, Required: true, Options: []domain.FieldOption{{ID: "agree"}}}
	group := personGroup()
	fields := []domain.Field{group, consent}
	require.ElementsMatch(t, []string{"name", "consent"}, b.Missing(fields))

	(*b.Entries(consent, nil))[0]["agree"] = true
	groupEntry := (*b.Entries(group, nil))[0]
	(*b.Entries(group.Children[0], groupEntry))[0].SetValue("Bob")
	require.Empty(t, b.Missing(fields))
}

func shape(e Entry) map[string]any {
	out := map[string]any{}
	for k, v := range e {
		if sub, ok := v.(*Entries); ok {
			var inner []map[string]any
			for _, se := range *sub {
				inner = append(inner, shape(se))
			}
			out[k] = inner
		}
	}
	return out
}
