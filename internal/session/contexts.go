package session

import (
	"sort"

	"tipline/internal/domain"
)

// PublicContexts returns the contexts shown to whistleblowers, by name or
// by presentation order.
func PublicContexts(all []domain.Context, alphabetical bool) []domain.Context {
	var out []domain.Context
	for _, c := range all {
		if c.ShowContext {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if alphabetical {
			return out[i].Name < out[j].Name
		}
		return out[i].PresentationOrder < out[j].PresentationOrder
	})
	return out
}

// OrderReceivers returns the context's receivers in display order.
func OrderReceivers(c domain.Context, byID map[string]domain.Receiver) []domain.Receiver {
	out := make([]domain.Receiver, 0, len(c.Receivers))
	for _, id := range c.Receivers {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c.ShowReceiversInAlphabeticalOrder {
			return out[i].Name < out[j].Name
		}
		return out[i].PresentationOrder < out[j].PresentationOrder
	})
	return out
}

// initialContext picks the context to preselect: the requested one, or the
// only public one.
func initialContext(p Params, all []domain.Context, alphabetical bool) (domain.Context, bool) {
	if p.ContextID != "" {
		for _, c := range all {
			if c.ID == p.ContextID {
				return c, true
			}
		}
		return domain.Context{}, false
	}
	public := PublicContexts(all, alphabetical)
	if len(public) == 1 {
		return public[0], true
	}
	return domain.Context{}, false
}
