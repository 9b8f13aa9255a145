package session

// Countdown delays a submission until the token's validity window has
// opened. It is advanced by the session loop once per tick and carries no
// timer of its own.
type Countdown struct {
	Remaining int
	Waiting   bool
}

func NewCountdown(startValiditySecs int) Countdown {
	if startValiditySecs <= 0 {
		return Countdown{}
	}
	return Countdown{Remaining: startValiditySecs, Waiting: true}
}

// Tick decrements the countdown and reports whether another tick should be
// scheduled.
func (c *Countdown) Tick() bool {
	if !c.Waiting {
		return false
	}
	c.Remaining--
	if c.Remaining <= 0 {
		c.Remaining = 0
		c.Waiting = false
		return false
	}
	return true
}
