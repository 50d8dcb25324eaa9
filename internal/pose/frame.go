package pose

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// MinFields is x, y, z, qx, qy, qz, qw, delta, tracked.
const MinFields = 9

var ErrMalformedFrame = errors.New("pose: malformed frame")

// Frame is one raw sample from the tracking rig.
type Frame struct {
	Position   Vec3
	Orient     Quaternion
	Delta      float64
	Tracked    bool
	ReceivedAt time.Time
	// Raw is the packet the frame was decoded from, kept for recording.
	Raw []byte
}

// Unmarshal decodes a msgpack array packet:
//
//	[x, y, z, qx, qy, qz, qw, ..., delta, tracked]
func Unmarshal(packet []byte, receivedAt time.Time) (Frame, error) {
	var fields []any
	if err := msgpack.Unmarshal(packet, &fields); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	f, err := ParseFields(fields, receivedAt)
	if err != nil {
		return Frame{}, err
	}
	f.Raw = packet
	return f, nil
}

func ParseFields(fields []any, receivedAt time.Time) (Frame, error) {
	if len(fields) < MinFields {
		return Frame{}, fmt.Errorf("%w: %d fields, need at least %d", ErrMalformedFrame, len(fields), MinFields)
	}

	var v [7]float64
	for i := range v {
		f, err := number(fields[i])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, i, err)
		}
		v[i] = f
	}
	delta, err := number(fields[len(fields)-2])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: delta: %v", ErrMalformedFrame, err)
	}
	tracked, err := flag(fields[len(fields)-1])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: tracked flag: %v", ErrMalformedFrame, err)
	}

	return Frame{
		Position:   Vec3{X: v[0], Y: v[1], Z: v[2]},
		Orient:     Quaternion{X: v[3], Y: v[4], Z: v[5], W: v[6]},
		Delta:      delta,
		Tracked:    tracked,
		ReceivedAt: receivedAt,
	}, nil
}

// Marshal is the inverse of Unmarshal. Used by replay tooling and tests.
func Marshal(f Frame) ([]byte, error) {
	return msgpack.Marshal([]any{
		f.Position.X, f.Position.Y, f.Position.Z,
		f.Orient.X, f.Orient.Y, f.Orient.Z, f.Orient.W,
		f.Delta, f.Tracked,
	})
}

func number(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return 0, fmt.Errorf("not a number (%T)", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite")
	}
	return f, nil
}

func flag(v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	f, err := number(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}
