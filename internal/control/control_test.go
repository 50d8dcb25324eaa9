package control

import (
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mocapctl/internal/gate"
	"mocapctl/internal/pid"
	"mocapctl/internal/pose"
)

func TestMain(m *testing.M) {
	Logf = func(string, ...any) {}
	os.Exit(m.Run())
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const period = 8 * time.Millisecond

// firstActive is the index of the first frame that clears a default gate:
// one reference frame plus five warm-up frames.
const firstActive = 5

type samples struct{ got []pid.Sample }

func (s *samples) Publish(v pid.Sample) { s.got = append(s.got, v) }

func newContext(t *testing.T, mutate func(*Config)) *Context {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

// rawFrame builds a frame in tracking-rig coordinates (y up).
func rawFrame(i int, x, y, z float64, tracked bool) pose.Frame {
	return pose.Frame{
		Position:   pose.Vec3{X: x, Y: y, Z: z},
		Orient:     pose.Quaternion{W: 1},
		Delta:      period.Seconds(),
		Tracked:    tracked,
		ReceivedAt: t0.Add(time.Duration(i) * period),
	}
}

func hover(i int) pose.Frame { return rawFrame(i, 0, DefaultHoverHeight, 0, true) }

func TestUntrackedFramesProduceZeroCommands(t *testing.T) {
	c := newContext(t, nil)
	for i := 0; i < 10; i++ {
		cmd := c.Step(rawFrame(i, 0.3, 1, -0.2, false), nil)
		if cmd != (Command{}) {
			t.Fatalf("frame %d: cmd=%+v want zero", i, cmd)
		}
	}
	assert.Equal(t, StateSafe, c.State())
	for _, name := range LoopNames {
		assert.Zero(t, c.Loop(name).Integrator(), name)
	}
	assert.Equal(t, uint64(10), c.Counters().Rejected)
}

func TestHoverAtSetpointHoldsBiasThrust(t *testing.T) {
	pub := &samples{}
	c := newContext(t, func(cfg *Config) { cfg.Publisher = pub })

	for i := 0; i < firstActive; i++ {
		require.Equal(t, Command{}, c.Step(hover(i), nil), "warm-up frame %d", i)
	}
	require.Empty(t, pub.got)

	want := Command{Thrust: 100 * DefaultThrustBias}
	for i := firstActive; i < firstActive+20; i++ {
		got := c.Step(hover(i), nil)
		if got != want {
			t.Fatalf("frame %d: cmd=%+v want %+v", i, got, want)
		}
	}
	assert.Equal(t, StateActive, c.State())
	assert.Len(t, pub.got, 20*len(LoopNames))
}

func TestMalformedFrameMatchesRejectedFrame(t *testing.T) {
	a := newContext(t, nil)
	b := newContext(t, nil)

	for i := 0; i < 30; i++ {
		f := rawFrame(i, 0.05, 0.2, -0.03, true)
		var ca, cb Command
		if i == 12 {
			ca = a.Step(pose.Frame{ReceivedAt: f.ReceivedAt}, pose.ErrMalformedFrame)
			f.Tracked = false
			cb = b.Step(f, nil)
		} else {
			ca = a.Step(f, nil)
			cb = b.Step(f, nil)
		}
		if diff := cmp.Diff(cb, ca); diff != "" {
			t.Fatalf("frame %d command mismatch (-untracked +malformed):\n%s", i, diff)
		}
	}
	assert.Equal(t, uint64(1), a.Counters().Malformed)
	for _, name := range LoopNames {
		if diff := cmp.Diff(b.Loop(name).Snapshot(), a.Loop(name).Snapshot()); diff != "" {
			t.Fatalf("%s loop mismatch (-untracked +malformed):\n%s", name, diff)
		}
	}
}

func TestBadQuaternionIsRejected(t *testing.T) {
	c := newContext(t, nil)
	for i := 0; i < firstActive+1; i++ {
		c.Step(hover(i), nil)
	}
	require.Equal(t, StateActive, c.State())

	f := hover(firstActive + 1)
	f.Orient = pose.Quaternion{}
	assert.Equal(t, Command{}, c.Step(f, nil))
	assert.Equal(t, StateSafe, c.State())
}

func TestUntrackedFrameWithZeroQuaternionIsNotMalformed(t *testing.T) {
	c := newContext(t, nil)
	for i := 0; i < firstActive+1; i++ {
		c.Step(hover(i), nil)
	}
	require.Equal(t, StateActive, c.State())

	f := hover(firstActive + 1)
	f.Tracked = false
	f.Orient = pose.Quaternion{}
	assert.Equal(t, Command{}, c.Step(f, nil))
	assert.Equal(t, StateSafe, c.State())
	assert.Zero(t, c.Counters().Malformed)
	assert.Equal(t, gate.ReasonUntracked, c.Status().Reason)
}

func TestTrackingLossPurgesLoops(t *testing.T) {
	c := newContext(t, nil)
	i := 0
	for ; i < firstActive+40; i++ {
		c.Step(rawFrame(i, 0.4, 0.5, 0.2, true), nil)
	}
	require.NotZero(t, c.Loop(LoopRoll).Integrator())
	require.NotZero(t, c.Loop(LoopPosition).Integrator())

	assert.Equal(t, Command{}, c.Step(rawFrame(i, 0.4, 0.5, 0.2, false), nil))
	for _, name := range LoopNames {
		assert.Zero(t, c.Loop(name).Integrator(), name)
	}
}

func TestResumeAfterLossHasNoDerivativeKick(t *testing.T) {
	c := newContext(t, nil)
	i := 0
	for ; i < firstActive+10; i++ {
		c.Step(hover(i), nil)
	}
	// Lose tracking long enough that the stale reference would give a huge dt.
	for ; i < firstActive+60; i++ {
		c.Step(rawFrame(i, 0, 0, 0, false), nil)
	}
	// Reacquire with a large offset; the first active cycle must be P + I only.
	for j := 0; j <= firstActive; j++ {
		c.Step(rawFrame(i+j, 0.1, DefaultHoverHeight, 0, true), nil)
	}
	last := c.Loop(LoopRoll).Snapshot().Last
	assert.Zero(t, last.D)
	assert.InDelta(t, -0.1*25, last.P, 1e-12)
}

func TestRotateYawRoundTrip(t *testing.T) {
	for _, yaw := range []float64{-179, -90, -33.3, 0, 12, 90, 180} {
		r, p := RotateYaw(0.7, -1.3, yaw)
		r2, p2 := RotateYaw(r, p, -yaw)
		if math.Abs(r2-0.7) > 1e-9 || math.Abs(p2+1.3) > 1e-9 {
			t.Fatalf("yaw=%v: got (%v,%v) want (0.7,-1.3)", yaw, r2, p2)
		}
	}
	r, p := RotateYaw(1, 0, 90)
	assert.InDelta(t, 0, r, 1e-12)
	assert.InDelta(t, 1, p, 1e-12)
}

func TestYawCommandIsCapped(t *testing.T) {
	sp := make(chan SetpointUpdate, 1)
	c := newContext(t, func(cfg *Config) { cfg.Setpoints = sp })
	for i := 0; i < firstActive+1; i++ {
		c.Step(hover(i), nil)
	}
	yaw := 90.0
	sp <- SetpointUpdate{Yaw: &yaw}
	cmd := c.Step(hover(firstActive+1), nil)
	assert.Equal(t, DefaultYawCap, cmd.Yaw)
}

func TestThrustStaysInBand(t *testing.T) {
	for _, tc := range []struct {
		name   string
		height float64
		want   float64
	}{
		{"far below", -5, 100 * DefaultThrustMax},
		{"far above", 50, 100 * DefaultThrustMin},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newContext(t, nil)
			var cmd Command
			for i := 0; i < firstActive+5; i++ {
				cmd = c.Step(rawFrame(i, 0, tc.height, 0, true), nil)
			}
			assert.InDelta(t, tc.want, cmd.Thrust, 1e-9)
		})
	}
}

func TestRollPitchAreScaledAndCapped(t *testing.T) {
	c := newContext(t, nil)
	var cmd Command
	for i := 0; i < firstActive+1; i++ {
		cmd = c.Step(rawFrame(i, 100, DefaultHoverHeight, -100, true), nil)
	}
	assert.Equal(t, -DefaultRollPitchCap, cmd.Roll)
	assert.Equal(t, -DefaultRollPitchCap, cmd.Pitch)

	c = newContext(t, nil)
	for i := 0; i < firstActive+1; i++ {
		cmd = c.Step(rawFrame(i, 0.01, DefaultHoverHeight, 0, true), nil)
	}
	// First active cycle: one 8ms integration step and no derivative.
	want := (-0.01*25 + 0.28*(-0.01*period.Seconds())) / DefaultRollPitchScale
	assert.InDelta(t, want, cmd.Roll, 1e-9)
}

func TestSetpointsDrainLatestWins(t *testing.T) {
	sp := make(chan SetpointUpdate, 4)
	c := newContext(t, func(cfg *Config) { cfg.Setpoints = sp })

	y1, y2, roll, vel := 10.0, 20.0, 0.5, 1.25
	sp <- SetpointUpdate{Yaw: &y1, Velocity: &vel}
	sp <- SetpointUpdate{Yaw: &y2, Roll: &roll}
	c.Step(hover(0), nil)

	assert.Equal(t, Setpoints{Yaw: 20, Roll: 0.5, Velocity: 1.25}, c.Setpoints())
	assert.Equal(t, 0.5, c.Loop(LoopRoll).CurrentSetPoint())
	assert.Zero(t, c.Loop(LoopPitch).CurrentSetPoint())

	close(sp)
	c.Step(hover(1), nil)
	assert.Equal(t, 20.0, c.Setpoints().Yaw)
}

func TestVelocitySetpointMode(t *testing.T) {
	sp := make(chan SetpointUpdate, 1)
	c := newContext(t, func(cfg *Config) {
		cfg.Setpoints = sp
		cfg.UseVelocitySetpoint = true
	})
	v := 25.0
	sp <- SetpointUpdate{Velocity: &v}
	for i := 0; i < firstActive+1; i++ {
		c.Step(hover(i), nil)
	}
	assert.Equal(t, DefaultVelocityLimit, c.Loop(LoopVelocity).CurrentSetPoint())
}

func TestGainUpdatesApplyNextCycle(t *testing.T) {
	gains := make(chan GainUpdate, 4)
	c := newContext(t, func(cfg *Config) { cfg.GainUpdates = gains })

	good := pid.Gains{Kp: 1, Ki: 2, Kd: 3, IntegratorMin: -1, IntegratorMax: 1}
	gains <- GainUpdate{Loop: LoopYaw, Gains: good}
	gains <- GainUpdate{Loop: LoopRoll, Gains: pid.Gains{Kp: -1}}
	gains <- GainUpdate{Loop: "nope", Gains: good}
	assert.NotEqual(t, good, c.Loop(LoopYaw).Gains())

	c.Step(hover(0), nil)
	assert.Equal(t, good, c.Loop(LoopYaw).Gains())
	assert.Equal(t, DefaultLoops().Roll.Gains, c.Loop(LoopRoll).Gains())
}

func TestStateChangesAreReported(t *testing.T) {
	var seen []State
	c := newContext(t, func(cfg *Config) { cfg.OnStateChange = func(s State) { seen = append(seen, s) } })

	i := 0
	for ; i < firstActive+3; i++ {
		c.Step(hover(i), nil)
	}
	c.Step(rawFrame(i, 0, 0, 0, false), nil)
	c.Step(rawFrame(i+1, 0, 0, 0, false), nil)

	assert.Equal(t, []State{StateActive, StateSafe}, seen)
	st := c.Status()
	assert.Equal(t, StateSafe, st.State)
	assert.Equal(t, uint64(2), st.Counters.Transitions)
	assert.Len(t, st.Loops, len(LoopNames))
}

func TestKillResetsGateAndZeroesCommand(t *testing.T) {
	c := newContext(t, nil)
	i := 0
	for ; i < firstActive+3; i++ {
		c.Step(rawFrame(i, 0.2, 0.3, 0, true), nil)
	}
	require.Equal(t, StateActive, c.State())

	assert.Equal(t, Command{}, c.Kill(t0.Add(time.Duration(i)*period)))
	assert.Equal(t, StateSafe, c.State())
	assert.Equal(t, Command{}, c.Command())

	// The gate starts over: the next frame is a new reference, not a timing sample.
	assert.Equal(t, Command{}, c.Step(hover(i+1), nil))
	assert.Equal(t, "first_frame", string(c.Status().Reason))
}

func TestNewRejectsBadConfig(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"velocity limit": func(c *Config) { c.VelocityLimit = 0 },
		"thrust band":    func(c *Config) { c.ThrustMin = 0.95 },
		"yaw cap":        func(c *Config) { c.YawCap = -1 },
		"scale":          func(c *Config) { c.RollPitchScale = 0 },
		"gate window":    func(c *Config) { c.Gate.MinStep, c.Gate.MaxStep = 11 * time.Millisecond, 5 * time.Millisecond },
		"gate default":   func(c *Config) { c.Gate.MinStep, c.Gate.MaxStep = 20 * time.Millisecond, 0 },
		"gains":          func(c *Config) { c.Loops.Yaw.Gains.Kd = math.NaN() },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		_, err := New(cfg)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if name == "gains" && !errors.Is(err, pid.ErrInvalidGains) {
			t.Fatalf("gains: err=%v want ErrInvalidGains", err)
		}
	}
}
