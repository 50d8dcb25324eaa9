package pose

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// DefaultQuatTolerance is how far |q| may stray from 1 before the quaternion
// is rejected instead of normalized.
const DefaultQuatTolerance = 0.1

var ErrBadQuaternion = errors.New("pose: bad quaternion")

// Quaternion is an orientation in the tracking rig's (x, y, z, w) order.
type Quaternion struct {
	X, Y, Z, W float64
}

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// Vec3 is a position in meters.
type Vec3 struct {
	X, Y, Z float64
}

// Pose is a decoded tracking sample in the control frame.
//
// Position axes: +X is roll-negative, +Y is pitch-positive, +Z is thrust-positive.
// Angles are degrees; Yaw is in (-180, 180].
type Pose struct {
	X, Y, Z          float64
	Yaw, Pitch, Roll float64

	// QuatNorm is |q| of the input before normalization.
	QuatNorm float64
}

type Decoder struct {
	QuatTolerance float64
}

func NewDecoder(tolerance float64) Decoder {
	if tolerance <= 0 {
		tolerance = DefaultQuatTolerance
	}
	return Decoder{QuatTolerance: tolerance}
}

// Decode converts a raw tracking-frame position and orientation into a Pose.
func (d Decoder) Decode(q Quaternion, raw Vec3) (Pose, error) {
	tol := d.QuatTolerance
	if tol <= 0 {
		tol = DefaultQuatTolerance
	}
	n := q.number()
	norm := quat.Abs(n)
	if math.IsNaN(norm) || math.IsInf(norm, 0) || norm < 1e-6 {
		return Pose{}, fmt.Errorf("%w: norm %v", ErrBadQuaternion, norm)
	}
	if math.Abs(norm-1) > tol {
		return Pose{}, fmt.Errorf("%w: norm %.4f outside 1±%.3f", ErrBadQuaternion, norm, tol)
	}
	u := quat.Scale(1/norm, n)

	yaw, roll, pitch := eulerSYXZ(u.Imag, u.Jmag, u.Kmag, u.Real)

	// The rig reports y as up; swap into the control frame.
	return Pose{
		X:        raw.X,
		Y:        -raw.Z,
		Z:        raw.Y,
		Yaw:      WrapYaw(rad2deg(yaw), 0),
		Pitch:    rad2deg(pitch),
		Roll:     rad2deg(roll),
		QuatNorm: norm,
	}, nil
}

// eulerSYXZ returns the static-frame y, x, z rotation angles (radians) of a
// unit quaternion. With y up these are yaw, roll and pitch.
func eulerSYXZ(x, y, z, w float64) (aboutY, aboutX, aboutZ float64) {
	m00 := 1 - 2*(y*y+z*z)
	m01 := 2 * (x*y - z*w)
	m02 := 2 * (x*z + y*w)
	m11 := 1 - 2*(x*x+z*z)
	m20 := 2 * (x*z - y*w)
	m21 := 2 * (y*z + x*w)
	m22 := 1 - 2*(x*x+y*y)

	cy := math.Hypot(m11, m01)
	aboutX = math.Atan2(m21, cy)
	if cy > 1e-12 {
		aboutY = -math.Atan2(m20, m22)
		aboutZ = -math.Atan2(m01, m11)
		return
	}
	// Gimbal lock: fold the z rotation into y.
	aboutY = -math.Atan2(-m02, m00)
	return
}

// WrapYaw returns yaw-target folded into (-180, 180] degrees.
func WrapYaw(yaw, target float64) float64 {
	r := math.Mod(yaw-target+360+180, 360)
	if r < 0 {
		r += 360
	}
	r -= 180
	if r <= -180 {
		r += 360
	}
	return r
}

func rad2deg(r float64) float64 { return r * 180 / math.Pi }
