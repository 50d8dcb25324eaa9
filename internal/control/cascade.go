package control

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"mocapctl/internal/gate"
	"mocapctl/internal/pid"
	"mocapctl/internal/pose"
)

// Logf is used for state transitions and periodic debug lines. Tests may mute it.
var Logf = log.Printf

type LoopSet struct {
	Roll     pid.Config
	Pitch    pid.Config
	Yaw      pid.Config
	Thrust   pid.Config
	Position pid.Config
	Velocity pid.Config
}

type Config struct {
	Loops LoopSet
	Gate  gate.Config

	QuatTolerance float64

	// VelocityLimit bounds the vertical velocity set-point (m/s).
	VelocityLimit float64
	// ThrustBias is added to the velocity loop output before clamping to
	// [ThrustMin, ThrustMax]; all three are fractions of full scale.
	ThrustBias float64
	ThrustMin  float64
	ThrustMax  float64

	YawCap         float64
	RollPitchScale float64
	RollPitchCap   float64

	// UseVelocitySetpoint feeds the external velocity setpoint to the velocity
	// loop instead of the position loop output.
	UseVelocitySetpoint bool

	MinDt time.Duration

	Publisher pid.Publisher

	Setpoints   <-chan SetpointUpdate
	GainUpdates <-chan GainUpdate

	// OnStateChange is called from the control goroutine after a transition.
	OnStateChange func(State)

	// DebugEvery logs the pose and command every N active cycles; 0 disables.
	DebugEvery int
}

type Counters struct {
	Frames       uint64 `json:"frames"`
	Accepted     uint64 `json:"accepted"`
	Rejected     uint64 `json:"rejected"`
	Malformed    uint64 `json:"malformed"`
	ActiveCycles uint64 `json:"active_cycles"`
	Transitions  uint64 `json:"transitions"`
}

// Context owns every loop and the current command. It is driven by a single
// goroutine through Step and Kill.
type Context struct {
	cfg     Config
	decoder pose.Decoder
	gate    *gate.Gate

	roll     *pid.Loop
	pitch    *pid.Loop
	yaw      *pid.Loop
	thrust   *pid.Loop
	position *pid.Loop
	velocity *pid.Loop
	loops    []*pid.Loop

	setpoints Setpoints

	state    State
	cmd      Command
	decision gate.Decision
	pose     pose.Pose

	haveZ   bool
	prevZ   float64
	prevZAt time.Time

	counters Counters
	status   atomic.Value // Status
}

func New(cfg Config) (*Context, error) {
	if cfg.VelocityLimit <= 0 {
		return nil, fmt.Errorf("control: velocity limit must be > 0")
	}
	if cfg.ThrustMin > cfg.ThrustMax {
		return nil, fmt.Errorf("control: thrust min %v > max %v", cfg.ThrustMin, cfg.ThrustMax)
	}
	if cfg.YawCap <= 0 {
		return nil, fmt.Errorf("control: yaw cap must be > 0")
	}
	if cfg.RollPitchScale <= 0 {
		return nil, fmt.Errorf("control: roll/pitch scale must be > 0")
	}
	if cfg.RollPitchCap <= 0 {
		return nil, fmt.Errorf("control: roll/pitch cap must be > 0")
	}
	if cfg.MinDt <= 0 {
		cfg.MinDt = pid.DefaultMinDt
	}
	g := gate.New(cfg.Gate)
	if gc := g.Config(); gc.MinStep >= gc.MaxStep {
		return nil, fmt.Errorf("control: gate min step %s must be < max step %s", gc.MinStep, gc.MaxStep)
	}

	c := &Context{
		cfg:     cfg,
		decoder: pose.NewDecoder(cfg.QuatTolerance),
		gate:    g,
	}

	build := func(name string, lc pid.Config) (*pid.Loop, error) {
		lc.Name = name
		if lc.MinDt <= 0 {
			lc.MinDt = cfg.MinDt
		}
		if lc.Publisher == nil {
			lc.Publisher = cfg.Publisher
		}
		return pid.New(lc)
	}
	vel := cfg.Loops.Velocity
	vel.SetPointMin, vel.SetPointMax = -cfg.VelocityLimit, cfg.VelocityLimit

	var err error
	for _, b := range []struct {
		dst  **pid.Loop
		name string
		cfg  pid.Config
	}{
		{&c.roll, LoopRoll, cfg.Loops.Roll},
		{&c.pitch, LoopPitch, cfg.Loops.Pitch},
		{&c.yaw, LoopYaw, cfg.Loops.Yaw},
		{&c.thrust, LoopThrust, cfg.Loops.Thrust},
		{&c.position, LoopPosition, cfg.Loops.Position},
		{&c.velocity, LoopVelocity, vel},
	} {
		if *b.dst, err = build(b.name, b.cfg); err != nil {
			return nil, fmt.Errorf("control: %w", err)
		}
		c.loops = append(c.loops, *b.dst)
	}

	c.setpoints = Setpoints{Roll: c.roll.CurrentSetPoint(), Pitch: c.pitch.CurrentSetPoint()}
	c.publishStatus(time.Time{})
	return c, nil
}

func (c *Context) State() State { return c.state }

func (c *Context) Command() Command { return c.cmd }

func (c *Context) Setpoints() Setpoints { return c.setpoints }

func (c *Context) Counters() Counters { return c.counters }

// Loop returns the named loop, or nil.
func (c *Context) Loop(name string) *pid.Loop {
	for _, l := range c.loops {
		if l.Name() == name {
			return l
		}
	}
	return nil
}

// Step runs one control cycle for a received frame and returns the command to
// emit. frameErr reports a frame that could not be parsed; it is handled like
// a gate rejection.
func (c *Context) Step(f pose.Frame, frameErr error) Command {
	at := f.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	c.counters.Frames++

	c.drainSetpoints()
	c.drainGainUpdates()

	var p pose.Pose
	err := frameErr
	// Rigs often zero the orientation of a body they lost, so an untracked
	// frame is never decoded.
	if err == nil && f.Tracked {
		p, err = c.decoder.Decode(f.Orient, f.Position)
	}
	switch {
	case err != nil:
		c.counters.Malformed++
		c.decision = c.gate.Reject()
		Logf("control: frame rejected: %v", err)
	case !f.Tracked:
		c.decision = c.gate.Admit(false, at)
	default:
		c.decision = c.gate.Admit(true, at)
		c.pose = p
	}

	if !c.decision.Usable() {
		c.counters.Rejected++
		c.transition(StateSafe)
		c.Safe(at)
		c.publishStatus(at)
		return c.cmd
	}

	c.counters.Accepted++
	c.counters.ActiveCycles++
	c.transition(StateActive)
	c.cmd = c.active(p, at)
	if n := c.cfg.DebugEvery; n > 0 && c.counters.ActiveCycles%uint64(n) == 0 {
		Logf("IN  : x=%4.2f y=%4.2f z=%4.2f yaw=%4.2f", p.X, p.Y, p.Z, p.Yaw)
		Logf("OUT : roll=%2.2f pitch=%2.2f yaw=%2.2f thrust=%5.2f step=%s", c.cmd.Roll, c.cmd.Pitch, c.cmd.Yaw, c.cmd.Thrust, c.decision.Step)
	}
	c.publishStatus(at)
	return c.cmd
}

func (c *Context) active(p pose.Pose, at time.Time) Command {
	rollOut := c.roll.UpdateAt(p.X, at)
	pitchOut := c.pitch.UpdateAt(p.Y, at)
	// The thrust loop only feeds telemetry; thrust comes from the vertical cascade.
	c.thrust.UpdateAt(p.Z, at)
	yawOut := c.yaw.UpdateAt(pose.WrapYaw(p.Yaw, c.setpoints.Yaw), at)

	vl := c.cfg.VelocityLimit
	vsp := clamp(c.position.UpdateAt(p.Z, at), -vl, vl)
	if c.cfg.UseVelocitySetpoint {
		vsp = clamp(c.setpoints.Velocity, -vl, vl)
	}
	c.velocity.SetPoint(vsp)
	thrust := c.velocity.UpdateAt(c.climbRate(p.Z, at), at) + c.cfg.ThrustBias
	thrust = 100 * clamp(thrust, c.cfg.ThrustMin, c.cfg.ThrustMax)

	rollBody, pitchBody := RotateYaw(rollOut, pitchOut, p.Yaw)
	rpCap := c.cfg.RollPitchCap
	return Command{
		Roll:   clamp(rollBody/c.cfg.RollPitchScale, -rpCap, rpCap),
		Pitch:  clamp(pitchBody/c.cfg.RollPitchScale, -rpCap, rpCap),
		Yaw:    clamp(yawOut, -c.cfg.YawCap, c.cfg.YawCap),
		Thrust: thrust,
	}
}

// climbRate differentiates altitude between active cycles. The first cycle
// after a reset reports 0.
func (c *Context) climbRate(z float64, at time.Time) float64 {
	if !c.haveZ {
		c.haveZ, c.prevZ, c.prevZAt = true, z, at
		return 0
	}
	dt := at.Sub(c.prevZAt)
	if dt < c.cfg.MinDt {
		dt = c.cfg.MinDt
	}
	v := (z - c.prevZ) / dt.Seconds()
	c.prevZ, c.prevZAt = z, at
	return v
}

// drainSetpoints applies every queued update in order, so the newest value
// of each field wins.
func (c *Context) drainSetpoints() {
	var roll, pitch bool
	for {
		u, ok := c.nextSetpoint()
		if !ok {
			break
		}
		if u.Yaw != nil {
			c.setpoints.Yaw = *u.Yaw
		}
		if u.Roll != nil {
			c.setpoints.Roll, roll = *u.Roll, true
		}
		if u.Pitch != nil {
			c.setpoints.Pitch, pitch = *u.Pitch, true
		}
		if u.Velocity != nil {
			c.setpoints.Velocity = *u.Velocity
		}
	}
	if roll {
		c.roll.SetPoint(c.setpoints.Roll)
		c.setpoints.Roll = c.roll.CurrentSetPoint()
	}
	if pitch {
		c.pitch.SetPoint(c.setpoints.Pitch)
		c.setpoints.Pitch = c.pitch.CurrentSetPoint()
	}
}

func (c *Context) nextSetpoint() (SetpointUpdate, bool) {
	select {
	case u, ok := <-c.cfg.Setpoints:
		if !ok {
			c.cfg.Setpoints = nil
		}
		return u, ok
	default:
		return SetpointUpdate{}, false
	}
}

func (c *Context) drainGainUpdates() {
	for {
		select {
		case u, ok := <-c.cfg.GainUpdates:
			if !ok {
				c.cfg.GainUpdates = nil
				return
			}
			l := c.Loop(u.Loop)
			if l == nil {
				Logf("control: gain update for unknown loop %q ignored", u.Loop)
				continue
			}
			if err := l.SetGains(u.Gains); err != nil {
				Logf("control: gain update rejected: %v", err)
				continue
			}
			Logf("control: %s gains now kp=%g ki=%g kd=%g", u.Loop, u.Gains.Kp, u.Gains.Ki, u.Gains.Kd)
		default:
			return
		}
	}
}

func (c *Context) transition(to State) {
	if c.state == to {
		return
	}
	c.state = to
	c.counters.Transitions++
	if to == StateActive {
		Logf("control: tracking acquired")
	} else {
		Logf("control: tracking lost (%s)", c.decision.Reason)
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(to)
	}
}

// Status is a copy of the controller state for readers on other goroutines.
type Status struct {
	State     State          `json:"state"`
	Reason    gate.Reason    `json:"reason"`
	Warmup    int            `json:"warmup"`
	Command   Command        `json:"command"`
	Setpoints Setpoints      `json:"setpoints"`
	Counters  Counters       `json:"counters"`
	Pose      PoseView       `json:"pose"`
	Loops     []pid.Snapshot `json:"loops"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type PoseView struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

func (c *Context) publishStatus(at time.Time) {
	loops := make([]pid.Snapshot, 0, len(c.loops))
	for _, l := range c.loops {
		loops = append(loops, l.Snapshot())
	}
	c.status.Store(Status{
		State:     c.state,
		Reason:    c.decision.Reason,
		Warmup:    c.gate.Warmup(),
		Command:   c.cmd,
		Setpoints: c.setpoints,
		Counters:  c.counters,
		Pose: PoseView{
			X: c.pose.X, Y: c.pose.Y, Z: c.pose.Z,
			Yaw: c.pose.Yaw, Pitch: c.pose.Pitch, Roll: c.pose.Roll,
		},
		Loops:     loops,
		UpdatedAt: at,
	})
}

// Status is safe to call from any goroutine.
func (c *Context) Status() Status {
	return c.status.Load().(Status)
}
