package pid

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultMinDt is the smallest interval a Loop will integrate or differentiate
// over. With the floor in place, |D| <= |Kd|*|Δerror|/MinDt for any update
// that follows ResetDt, and the integrator grows by at most |error|*dt before
// it is clamped.
const DefaultMinDt = time.Millisecond

var ErrInvalidGains = errors.New("pid: invalid gains")

// Gains groups every tunable of a Loop so they can be validated and swapped
// together.
type Gains struct {
	Kp            float64 `json:"kp"`
	Ki            float64 `json:"ki"`
	Kd            float64 `json:"kd"`
	IntegratorMin float64 `json:"integrator_min"`
	IntegratorMax float64 `json:"integrator_max"`
}

func (g Gains) Validate() error {
	for name, v := range map[string]float64{
		"kp": g.Kp, "ki": g.Ki, "kd": g.Kd,
		"integrator_min": g.IntegratorMin, "integrator_max": g.IntegratorMax,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidGains, name)
		}
	}
	if g.Kp < 0 || g.Ki < 0 || g.Kd < 0 {
		return fmt.Errorf("%w: gains must be >= 0", ErrInvalidGains)
	}
	if g.IntegratorMin > g.IntegratorMax {
		return fmt.Errorf("%w: integrator_min %v > integrator_max %v", ErrInvalidGains, g.IntegratorMin, g.IntegratorMax)
	}
	// Purge resets the integrator to 0, so 0 must be inside the bounds.
	if g.IntegratorMin > 0 || g.IntegratorMax < 0 {
		return fmt.Errorf("%w: integrator bounds [%v, %v] must contain 0", ErrInvalidGains, g.IntegratorMin, g.IntegratorMax)
	}
	return nil
}

// Sample is the per-update term breakdown published as telemetry.
type Sample struct {
	Name     string  `json:"name"`
	P        float64 `json:"p"`
	I        float64 `json:"i"`
	D        float64 `json:"d"`
	Error    float64 `json:"error"`
	SetPoint float64 `json:"set_point"`
	Output   float64 `json:"output"`
}

// Publisher receives one Sample per update. Implementations must not block.
type Publisher interface {
	Publish(s Sample)
}

type Config struct {
	Name  string
	Gains Gains

	SetPoint float64
	// SetPointMin/SetPointMax clamp SetPoint when they differ.
	SetPointMin float64
	SetPointMax float64

	MinDt     time.Duration
	Publisher Publisher
	// Now is used by Update and ResetDt. Defaults to time.Now.
	Now func() time.Time
}

// Loop is a discrete-time PID controller whose integral and derivative terms
// are scaled by the wall-clock interval between updates.
//
// Not safe for concurrent use.
type Loop struct {
	name  string
	gains Gains

	setPoint float64
	spMin    float64
	spMax    float64

	minDt time.Duration
	pub   Publisher
	now   func() time.Time

	integrator float64
	lastError  float64
	havePrev   bool
	prevAt     time.Time

	last Sample
}

func New(cfg Config) (*Loop, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("pid: name is required")
	}
	if err := cfg.Gains.Validate(); err != nil {
		return nil, fmt.Errorf("pid %s: %w", cfg.Name, err)
	}
	if cfg.SetPointMin > cfg.SetPointMax {
		return nil, fmt.Errorf("pid %s: set_point_min > set_point_max", cfg.Name)
	}
	if cfg.MinDt <= 0 {
		cfg.MinDt = DefaultMinDt
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := &Loop{
		name:  cfg.Name,
		gains: cfg.Gains,
		spMin: cfg.SetPointMin,
		spMax: cfg.SetPointMax,
		minDt: cfg.MinDt,
		pub:   cfg.Publisher,
		now:   cfg.Now,
	}
	l.SetPoint(cfg.SetPoint)
	return l, nil
}

func (l *Loop) Name() string { return l.name }

func (l *Loop) Gains() Gains { return l.gains }

// SetGains replaces all gains at once. The integrator is re-clamped into the
// new bounds. On error the loop is left untouched.
func (l *Loop) SetGains(g Gains) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("pid %s: %w", l.name, err)
	}
	l.gains = g
	l.integrator = clamp(l.integrator, g.IntegratorMin, g.IntegratorMax)
	return nil
}

// SetPoint changes the target. Integrator and derivator are kept; call Purge
// to clear them.
func (l *Loop) SetPoint(v float64) {
	if l.spMin != l.spMax {
		v = clamp(v, l.spMin, l.spMax)
	}
	l.setPoint = v
}

func (l *Loop) CurrentSetPoint() float64 { return l.setPoint }

func (l *Loop) Integrator() float64 { return l.integrator }

// ResetDt stamps now as the baseline for the next update's dt.
func (l *Loop) ResetDt(now time.Time) {
	if now.IsZero() {
		now = l.now()
	}
	l.prevAt = now
}

// Purge zeroes the integrator and forgets the previous error so the next
// update has no derivative kick.
func (l *Loop) Purge() {
	l.integrator = 0
	l.lastError = 0
	l.havePrev = false
}

func (l *Loop) Update(measured float64) float64 {
	return l.UpdateAt(measured, l.now())
}

// UpdateAt runs one step using now as the sample time.
//
// A loop with no dt baseline (never updated nor ResetDt'd) stamps the baseline
// and returns the proportional term plus the current integral term.
func (l *Loop) UpdateAt(measured float64, now time.Time) float64 {
	e := l.setPoint - measured

	var dt float64
	if !l.prevAt.IsZero() {
		d := now.Sub(l.prevAt)
		if d < l.minDt {
			d = l.minDt
		}
		dt = d.Seconds()
	}
	l.prevAt = now

	p := l.gains.Kp * e

	if dt > 0 {
		l.integrator = clamp(l.integrator+e*dt, l.gains.IntegratorMin, l.gains.IntegratorMax)
	}
	i := l.gains.Ki * l.integrator

	d := 0.0
	if dt > 0 && l.havePrev {
		d = l.gains.Kd * (e - l.lastError) / dt
	}
	l.lastError = e
	l.havePrev = true

	out := p + i + d
	l.last = Sample{Name: l.name, P: p, I: i, D: d, Error: e, SetPoint: l.setPoint, Output: out}
	if l.pub != nil {
		l.pub.Publish(l.last)
	}
	return out
}

type Snapshot struct {
	Name       string  `json:"name"`
	Gains      Gains   `json:"gains"`
	SetPoint   float64 `json:"set_point"`
	Integrator float64 `json:"integrator"`
	Last       Sample  `json:"last"`
}

func (l *Loop) Snapshot() Snapshot {
	return Snapshot{
		Name:       l.name,
		Gains:      l.gains,
		SetPoint:   l.setPoint,
		Integrator: l.integrator,
		Last:       l.last,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
