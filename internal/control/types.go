package control

import (
	"fmt"
	"math"

	"mocapctl/internal/pid"
)

type State int

const (
	StateSafe State = iota
	StateActive
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateSafe:
		return "SAFE"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ACTIVE":
		*s = StateActive
	case "SAFE":
		*s = StateSafe
	default:
		return fmt.Errorf("control: unknown state %q", b)
	}
	return nil
}

// Command is the actuator output for one cycle. Thrust is percent of full
// scale; roll, pitch and yaw are in the client's native units.
type Command struct {
	Roll   float64 `json:"roll"`
	Pitch  float64 `json:"pitch"`
	Yaw    float64 `json:"yaw"`
	Thrust float64 `json:"thrust"`
}

// Setpoints are the externally adjustable targets. Values persist until
// overwritten.
type Setpoints struct {
	Yaw      float64 `json:"yaw"`
	Roll     float64 `json:"roll"`
	Pitch    float64 `json:"pitch"`
	Velocity float64 `json:"velocity"`
}

// SetpointUpdate carries any subset of the setpoints; nil fields are left
// unchanged.
type SetpointUpdate struct {
	Yaw      *float64 `json:"yaw,omitempty"`
	Roll     *float64 `json:"roll,omitempty"`
	Pitch    *float64 `json:"pitch,omitempty"`
	Velocity *float64 `json:"velocity,omitempty"`
}

// GainUpdate replaces the gains of the named loop at the start of the next
// control cycle.
type GainUpdate struct {
	Loop  string
	Gains pid.Gains
}

// Loop names, also used as telemetry names.
const (
	LoopRoll     = "roll"
	LoopPitch    = "pitch"
	LoopYaw      = "yaw"
	LoopThrust   = "thrust"
	LoopPosition = "position"
	LoopVelocity = "velocity"
)

var LoopNames = []string{LoopRoll, LoopPitch, LoopYaw, LoopThrust, LoopPosition, LoopVelocity}

// RotateYaw rotates a heading-relative (roll, pitch) pair into the body frame
// of a vehicle at yawDeg.
func RotateYaw(roll, pitch, yawDeg float64) (rollBody, pitchBody float64) {
	a := -yawDeg * math.Pi / 180
	sin, cos := math.Sincos(a)
	pitchBody = pitch*cos - roll*sin
	rollBody = pitch*sin + roll*cos
	return rollBody, pitchBody
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
