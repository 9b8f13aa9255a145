package session

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Params are the session inputs taken from the page query string.
type Params struct {
	ContextID           string
	ReceiverIDs         []string
	ContextsSelectable  bool
	ReceiversSelectable bool
}

// ParseQuery reads context, receivers, contexts_selectable and
// receivers_selectable. A malformed receivers list becomes empty.
func ParseQuery(q url.Values) Params {
	p := Params{
		ContextID:   strings.TrimSpace(q.Get("context")),
		ReceiverIDs: parseReceiverIDs(q.Get("receivers")),
	}
	p.ContextsSelectable = !(q.Get("contexts_selectable") == "false" && p.ContextID != "")
	p.ReceiversSelectable = !(q.Get("receivers_selectable") == "false" && len(p.ReceiverIDs) > 0)
	return p
}

// receiver ids may be JSON strings or numbers.
func parseReceiverIDs(raw string) []string {
	ids := []string{}
	if strings.TrimSpace(raw) == "" {
		return ids
	}
	var items []any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return ids
	}
	for _, it := range items {
		switch v := it.(type) {
		case string:
			ids = append(ids, v)
		case float64:
			ids = append(ids, fmt.Sprintf("%v", v))
		default:
			return []string{}
		}
	}
	return ids
}
