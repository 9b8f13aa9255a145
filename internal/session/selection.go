package session

import (
	"sort"

	"tipline/internal/domain"
)

// Eligible reports whether a receiver may be picked at all.
func Eligible(r domain.Receiver, allowUnencrypted bool) bool {
	if r.Configuration != domain.ConfigurationDefault {
		return false
	}
	return allowUnencrypted || r.PGPKeyStatus == domain.PGPKeyEnabled
}

// Selection tracks the receivers picked for a submission against the
// context's limit.
type Selection struct {
	Maximum          int
	AllowUnencrypted bool
	selected         map[string]bool
}

func NewSelection(maximum int, allowUnencrypted bool) *Selection {
	return &Selection{Maximum: maximum, AllowUnencrypted: allowUnencrypted, selected: map[string]bool{}}
}

func (s *Selection) Count() int {
	n := 0
	for _, v := range s.selected {
		if v {
			n++
		}
	}
	return n
}

// Selectable reports whether one more receiver may be added.
func (s *Selection) Selectable() bool {
	if s.Maximum == 0 {
		return true
	}
	return s.Count() < s.Maximum
}

func (s *Selection) IsSelected(id string) bool {
	return s.selected[id]
}

// Toggle flips the receiver's selection. Ineligible receivers are ignored,
// deselecting always succeeds, and selecting requires room under the limit.
// It reports whether the set changed.
func (s *Selection) Toggle(r domain.Receiver) bool {
	if !Eligible(r, s.AllowUnencrypted) {
		return false
	}
	if s.selected[r.ID] {
		delete(s.selected, r.ID)
		return true
	}
	if !s.Selectable() {
		return false
	}
	s.selected[r.ID] = true
	return true
}

// IDs returns the selected receiver ids in sorted order.
func (s *Selection) IDs() []string {
	ids := make([]string, 0, len(s.selected))
	for id, v := range s.selected {
		if v {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Map returns a copy of the receiver-id to selected mapping.
func (s *Selection) Map() map[string]bool {
	out := make(map[string]bool, len(s.selected))
	for id, v := range s.selected {
		out[id] = v
	}
	return out
}
