package session

type CaptchaState int

const (
	CaptchaUnknown CaptchaState = iota
	CaptchaRequired
	CaptchaSatisfied
	CaptchaNotRequired
)

func (s CaptchaState) String() string {
	switch s {
	case CaptchaRequired:
		return "required"
	case CaptchaSatisfied:
		return "satisfied"
	case CaptchaNotRequired:
		return "not_required"
	default:
		return "unknown"
	}
}

type PowState int

const (
	PowDisabled PowState = iota
	PowPending
	PowSolved
	PowFailed
)

func (s PowState) String() string {
	switch s {
	case PowPending:
		return "pending"
	case PowSolved:
		return "solved"
	case PowFailed:
		return "failed"
	default:
		return "disabled"
	}
}

// Gate combines the anti-abuse checks that must all clear before a
// submission may be sent.
type Gate struct {
	Captcha CaptchaState
	Pow     PowState
	Wait    bool
}

func (g Gate) CaptchaClear() bool {
	return g.Captcha == CaptchaSatisfied || g.Captcha == CaptchaNotRequired
}

// Open reports whether submission is unblocked.
func (g Gate) Open() bool {
	return g.CaptchaClear() && g.Pow == PowSolved && !g.Wait
}
