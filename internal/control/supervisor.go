package control

import (
	"time"

	"mocapctl/internal/gate"
)

// Safe zeroes the command and resets every loop so nothing accumulated before
// tracking was lost leaks into the first cycle after it returns.
func (c *Context) Safe(at time.Time) {
	c.cmd = Command{}
	for _, l := range c.loops {
		l.ResetDt(at)
		l.Purge()
	}
	c.haveZ = false
	c.prevZ = 0
	c.prevZAt = time.Time{}
}

// Kill forces the controller into SAFE and forgets the gate's timing
// reference. It returns the zero command that should be sent last.
func (c *Context) Kill(at time.Time) Command {
	if at.IsZero() {
		at = time.Now()
	}
	c.gate.Reset()
	c.decision = gate.Decision{Reason: gate.ReasonReset}
	c.transition(StateSafe)
	c.Safe(at)
	c.publishStatus(at)
	Logf("control: killed")
	return c.cmd
}
