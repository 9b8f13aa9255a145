package session

import "tipline/internal/domain"

// Steps is the wizard cursor. Index 0 is the receiver-selection step and
// indices 1..len(steps) are the form steps; index len(steps) is the final
// review position.
type Steps struct {
	Context *domain.Context
	Index   int
}

func (s *Steps) HasNext() bool {
	if s.Context == nil {
		return false
	}
	return s.Index < len(s.Context.Steps)
}

// HasPrevious treats the receiver step as navigable only when the context
// shows it.
func (s *Steps) HasPrevious() bool {
	if s.Context == nil {
		return false
	}
	return (s.Index > 0 && s.Context.ShowReceivers) || s.Index > 1
}

func (s *Steps) Increment() {
	if s.HasNext() {
		s.Index++
	}
}

func (s *Steps) Decrement() {
	if s.HasPrevious() {
		s.Index--
	}
}

// GoTo jumps to index, clamped to the navigable range.
func (s *Steps) GoTo(index, first int) {
	if s.Context == nil {
		return
	}
	if index < first {
		index = first
	}
	if index > len(s.Context.Steps) {
		index = len(s.Context.Steps)
	}
	s.Index = index
}
