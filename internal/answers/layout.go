package answers

import (
	"fmt"
	"sort"

	"tipline/internal/domain"
)

// Rows groups fields by their y coordinate, ordered top to bottom. Fields
// keep their declaration order within a row.
func Rows(fields []domain.Field) [][]domain.Field {
	byY := map[int][]domain.Field{}
	var ys []int
	for _, f := range fields {
		if _, ok := byY[f.Y]; !ok {
			ys = append(ys, f.Y)
		}
		byY[f.Y] = append(byY[f.Y], f)
	}
	sort.Ints(ys)
	rows := make([][]domain.Field, 0, len(ys))
	for _, y := range ys {
		rows = append(rows, byY[y])
	}
	return rows
}

// ColumnClass returns the grid class for a field in a row of rowLen fields.
func ColumnClass(field domain.Field, rowLen int) string {
	if field.Width != 0 {
		return fmt.Sprintf("col-md-%d", field.Width)
	}
	if rowLen <= 0 {
		rowLen = 1
	}
	if rowLen > 12 {
		return "col-md-1"
	}
	return fmt.Sprintf("col-md-%d", 12/rowLen)
}

// ValidateRequiredCheckbox reports whether a required checkbox field has at
// least one option ticked in entry. Optional fields always pass.
func ValidateRequiredCheckbox(field domain.Field, entry Entry) bool {
	if !field.Required {
		return true
	}
	for _, opt := range field.Options {
		if v, ok := entry[opt.ID].(bool); ok && v {
			return true
		}
	}
	return false
}

// Missing walks the fields against the tree and returns the ids of
// required fields left empty.
func (b *Builder) Missing(fields []domain.Field) []string {
	var missing []string
	for _, f := range fields {
		missing = append(missing, missingIn(f, *b.Entries(f, nil))...)
	}
	return missing
}

func missingIn(f domain.Field, es Entries) []string {
	var missing []string
	for _, e := range es {
		switch {
		case f.Type == domain.FieldGroup:
			for _, child := range f.Children {
				if sub, ok := e[child.ID].(*Entries); ok {
					missing = append(missing, missingIn(child, *sub)...)
				}
			}
		case f.Type == domain.FieldCheckbox:
			if !ValidateRequiredCheckbox(f, e) {
				missing = append(missing, f.ID)
			}
		case f.Required:
			if v, ok := e[valueKey]; !ok || v == nil || v == "" {
				missing = append(missing, f.ID)
			}
		}
	}
	return missing
}
