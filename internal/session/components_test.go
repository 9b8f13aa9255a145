package session

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"tipline/internal/domain"
)

func TestCountdown(t *testing.T) {
	c := NewCountdown(3)
	require.True(t, c.Waiting)
	require.True(t, c.Tick())
	require.True(t, c.Tick())
	require.False(t, c.Tick())
	require.False(t, c.Waiting)
	require.Zero(t, c.Remaining)
	require.False(t, c.Tick())

	for _, secs := range []int{0, -5} {
		c := NewCountdown(secs)
		require.False(t, c.Waiting)
		require.False(t, c.Tick())
	}
}

func TestGateOpen(t *testing.T) {
	cases := []struct {
		name string
		gate Gate
		open bool
	}{
		{"all clear", Gate{Captcha: CaptchaNotRequired, Pow: PowSolved}, true},
		{"captcha satisfied", Gate{Captcha: CaptchaSatisfied, Pow: PowSolved}, true},
		{"captcha required", Gate{Captcha: CaptchaRequired, Pow: PowSolved}, false},
		{"captcha unknown", Gate{Pow: PowSolved}, false},
		{"pow pending", Gate{Captcha: CaptchaNotRequired, Pow: PowPending}, false},
		{"pow failed", Gate{Captcha: CaptchaNotRequired, Pow: PowFailed}, false},
		{"waiting", Gate{Captcha: CaptchaNotRequired, Pow: PowSolved, Wait: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.open, tc.gate.Open())
		})
	}
	require.Equal(t, "not_required", CaptchaNotRequired.String())
	require.Equal(t, "failed", PowFailed.String())
}

func TestSelectionLimit(t *testing.T) {
	a := domain.Receiver{ID: "a", Configuration: "default", PGPKeyStatus: "enabled"}
	b := domain.Receiver{ID: "b", Configuration: "default", PGPKeyStatus: "enabled"}
	c := domain.Receiver{ID: "c", Configuration: "default", PGPKeyStatus: "enabled"}

	s := NewSelection(2, false)
	require.True(t, s.Toggle(a))
	require.True(t, s.Toggle(b))
	require.False(t, s.Selectable())
	require.False(t, s.Toggle(c))
	require.Equal(t, 2, s.Count())
	require.True(t, s.Toggle(a), "deselect is always allowed")
	require.True(t, s.Toggle(c))
	require.Equal(t, []string{"b", "c"}, s.IDs())
	require.Equal(t, map[string]bool{"b": true, "c": true}, s.Map())

	unlimited := NewSelection(0, false)
	for _, r := range []domain.Receiver{a, b, c} {
		require.True(t, unlimited.Toggle(r))
	}
	require.True(t, unlimited.Selectable())
}

func TestEligible(t *testing.T) {
	noKey := domain.Receiver{ID: "n", Configuration: "default", PGPKeyStatus: "disabled"}
	require.False(t, Eligible(noKey, false))
	require.True(t, Eligible(noKey, true))

	forced := domain.Receiver{ID: "f", Configuration: "forcefully_selected", PGPKeyStatus: "enabled"}
	require.False(t, Eligible(forced, true))

	s := NewSelection(0, false)
	require.False(t, s.Toggle(noKey))
	require.Zero(t, s.Count())
}

func TestParseQuery(t *testing.T) {
	p := ParseQuery(url.Values{"context": {"5"}, "receivers": {"[1,2]"}})
	require.Equal(t, "5", p.ContextID)
	require.Equal(t, []string{"1", "2"}, p.ReceiverIDs)
	require.True(t, p.ContextsSelectable)
	require.True(t, p.ReceiversSelectable)

	p = ParseQuery(url.Values{"receivers": {"[1,"}})
	require.Equal(t, []string{}, p.ReceiverIDs)

	p = ParseQuery(url.Values{"receivers": {`["x", {"y":1}]`}})
	require.Equal(t, []string{}, p.ReceiverIDs)

	p = ParseQuery(url.Values{"receivers": {`["r-a","r-b"]`}, "receivers_selectable": {"false"}})
	require.Equal(t, []string{"r-a", "r-b"}, p.ReceiverIDs)
	require.False(t, p.ReceiversSelectable)

	p = ParseQuery(url.Values{"receivers_selectable": {"false"}, "contexts_selectable": {"false"}})
	require.True(t, p.ReceiversSelectable, "nothing preselected, so selection stays open")
	require.True(t, p.ContextsSelectable, "no context named, so it stays selectable")

	p = ParseQuery(url.Values{"context": {"c"}, "contexts_selectable": {"false"}})
	require.False(t, p.ContextsSelectable)
}

func TestStepsBounds(t *testing.T) {
	c := &domain.Context{ShowReceivers: false, Steps: []domain.Step{{ID: "1"}, {ID: "2"}}}
	s := Steps{Context: c, Index: 1}
	require.False(t, s.HasPrevious())
	s.Decrement()
	require.Equal(t, 1, s.Index)
	s.Increment()
	s.Increment()
	require.Equal(t, 2, s.Index)
	require.False(t, s.HasNext())
	s.Increment()
	require.Equal(t, 2, s.Index)

	s.GoTo(99, 1)
	require.Equal(t, 2, s.Index)
	s.GoTo(-1, 1)
	require.Equal(t, 1, s.Index)

	c.ShowReceivers = true
	require.True(t, s.HasPrevious())

	var empty Steps
	require.False(t, empty.HasNext())
	require.False(t, empty.HasPrevious())
}

func TestPublicContextsOrder(t *testing.T) {
	all := []domain.Context{
		{ID: "z", Name: "Zulu", PresentationOrder: 1, ShowContext: true},
		{ID: "h", Name: "Hidden", PresentationOrder: 0, ShowContext: false},
		{ID: "a", Name: "Alpha", PresentationOrder: 2, ShowContext: true},
	}
	ids := func(cs []domain.Context) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.ID)
		}
		return out
	}
	require.Equal(t, []string{"z", "a"}, ids(PublicContexts(all, false)))
	require.Equal(t, []string{"a", "z"}, ids(PublicContexts(all, true)))

	c, ok := initialContext(Params{}, all[:2], false)
	require.True(t, ok, "single public context is preselected")
	require.Equal(t, "z", c.ID)

	c, ok = initialContext(Params{ContextID: "h"}, all, false)
	require.True(t, ok, "a context named in the query need not be public")
	require.Equal(t, "h", c.ID)
}
