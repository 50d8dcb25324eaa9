package gate

import "time"

const (
	DefaultMinStep      = 5 * time.Millisecond
	DefaultMaxStep      = 11 * time.Millisecond
	DefaultWarmupFrames = 5
)

type Reason string

const (
	ReasonOK         Reason = "ok"
	ReasonUntracked  Reason = "untracked"
	ReasonFirstFrame Reason = "first_frame"
	ReasonTooFast    Reason = "too_fast"
	ReasonTooSlow    Reason = "too_slow"
	ReasonWarmup     Reason = "warmup"
	ReasonMalformed  Reason = "malformed"
	ReasonReset      Reason = "reset"
)

type Config struct {
	// Frames are accepted only when MinStep < step < MaxStep.
	MinStep time.Duration
	MaxStep time.Duration
	// WarmupFrames is how many consecutive accepted frames are needed before
	// Ready is reported.
	WarmupFrames int
}

// Decision is the outcome for one frame. Control may run only when both
// Accepted and Ready are set.
type Decision struct {
	Accepted bool
	Ready    bool
	Step     time.Duration
	Reason   Reason
}

func (d Decision) Usable() bool { return d.Accepted && d.Ready }

// Gate classifies tracking frames by validity and inter-frame timing.
//
// Not safe for concurrent use.
type Gate struct {
	cfg Config

	lastTracked time.Time
	warmup      int
}

func New(cfg Config) *Gate {
	if cfg.MinStep <= 0 {
		cfg.MinStep = DefaultMinStep
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = DefaultMaxStep
	}
	if cfg.WarmupFrames < 0 {
		cfg.WarmupFrames = 0
	}
	return &Gate{cfg: cfg}
}

func (g *Gate) Config() Config { return g.cfg }

// Admit classifies a frame received at at. Every tracked frame becomes the
// timing reference for the next one, whether or not it was accepted.
func (g *Gate) Admit(tracked bool, at time.Time) Decision {
	if !tracked {
		g.warmup = 0
		return Decision{Reason: ReasonUntracked}
	}

	prev := g.lastTracked
	g.lastTracked = at
	if prev.IsZero() {
		g.warmup = 0
		return Decision{Reason: ReasonFirstFrame}
	}

	step := at.Sub(prev)
	switch {
	case step <= g.cfg.MinStep:
		g.warmup = 0
		return Decision{Step: step, Reason: ReasonTooFast}
	case step >= g.cfg.MaxStep:
		g.warmup = 0
		return Decision{Step: step, Reason: ReasonTooSlow}
	}

	if g.warmup < g.cfg.WarmupFrames {
		g.warmup++
	}
	if g.warmup < g.cfg.WarmupFrames {
		return Decision{Accepted: true, Step: step, Reason: ReasonWarmup}
	}
	return Decision{Accepted: true, Ready: true, Step: step, Reason: ReasonOK}
}

// Reject records a frame that could not be decoded. The timing reference is
// left alone.
func (g *Gate) Reject() Decision {
	g.warmup = 0
	return Decision{Reason: ReasonMalformed}
}

// Reset forgets the timing reference and warm-up progress.
func (g *Gate) Reset() {
	g.lastTracked = time.Time{}
	g.warmup = 0
}

func (g *Gate) Warmup() int { return g.warmup }
