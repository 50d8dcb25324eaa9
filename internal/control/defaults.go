package control

import (
	"mocapctl/internal/gate"
	"mocapctl/internal/pid"
	"mocapctl/internal/pose"
)

// Tuned for a small indoor quadrotor flying at 100-200 Hz tracking.
const (
	DefaultVelocityLimit  = 10.0
	DefaultThrustBias     = 0.50
	DefaultThrustMin      = 0.40
	DefaultThrustMax      = 0.90
	DefaultYawCap         = 200.0
	DefaultRollPitchScale = 30.0
	DefaultRollPitchCap   = 30.0
	DefaultHoverHeight    = 0.150
)

func rollPitchGains() pid.Gains {
	return pid.Gains{Kp: 25, Ki: 0.28, Kd: 7, IntegratorMin: -5, IntegratorMax: 5}
}

func DefaultLoops() LoopSet {
	return LoopSet{
		Roll:  pid.Config{Gains: rollPitchGains()},
		Pitch: pid.Config{Gains: rollPitchGains()},
		Yaw:   pid.Config{Gains: pid.Gains{Kp: 5, Ki: 0, Kd: 0.35, IntegratorMin: -5, IntegratorMax: 5}},
		Thrust: pid.Config{
			Gains:    pid.Gains{Kp: 10, Ki: 0.175, Kd: 0.28, IntegratorMin: -0.2857, IntegratorMax: 0.01},
			SetPoint: DefaultHoverHeight,
		},
		Position: pid.Config{
			Gains:    pid.Gains{Kp: 0.5, Ki: 0.28, Kd: 0, IntegratorMin: -2857.14, IntegratorMax: 2857.14},
			SetPoint: DefaultHoverHeight,
		},
		Velocity: pid.Config{
			Gains: pid.Gains{Kp: 0.35, Ki: 0.28, Kd: 0.00315, IntegratorMin: -142.857, IntegratorMax: 142.857},
		},
	}
}

func DefaultConfig() Config {
	return Config{
		Loops: DefaultLoops(),
		Gate: gate.Config{
			MinStep:      gate.DefaultMinStep,
			MaxStep:      gate.DefaultMaxStep,
			WarmupFrames: gate.DefaultWarmupFrames,
		},
		QuatTolerance:  pose.DefaultQuatTolerance,
		VelocityLimit:  DefaultVelocityLimit,
		ThrustBias:     DefaultThrustBias,
		ThrustMin:      DefaultThrustMin,
		ThrustMax:      DefaultThrustMax,
		YawCap:         DefaultYawCap,
		RollPitchScale: DefaultRollPitchScale,
		RollPitchCap:   DefaultRollPitchCap,
		MinDt:          pid.DefaultMinDt,
	}
}
