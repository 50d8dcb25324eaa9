package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/go-zeromq/zmq4"

	"mocapctl/internal/control"
)

var ErrNoSetpoints = errors.New("setpoints: message has no set-points object")

type setpointMessage struct {
	SetPoints *control.SetpointUpdate `json:"set-points"`
}

// DecodeSetpoints parses {"set-points":{...}}. Absent fields stay nil.
func DecodeSetpoints(b []byte) (control.SetpointUpdate, error) {
	var m setpointMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return control.SetpointUpdate{}, fmt.Errorf("setpoints: %w", err)
	}
	if m.SetPoints == nil {
		return control.SetpointUpdate{}, ErrNoSetpoints
	}
	return *m.SetPoints, nil
}

func EncodeSetpoints(u control.SetpointUpdate) ([]byte, error) {
	return json.Marshal(setpointMessage{SetPoints: &u})
}

// SetpointPuller receives setpoint messages and forwards them to the control
// loop without ever blocking on it.
type SetpointPuller struct {
	sock socket
	out  chan control.SetpointUpdate

	dropped uint64
}

func DialSetpoints(ctx context.Context, endpoint string, depth int) (*SetpointPuller, error) {
	s, err := dial(ctx, "setpoints", zmq4.NewPull, endpoint)
	if err != nil {
		return nil, err
	}
	log.Printf("setpoints: pulling from %s", endpoint)
	return newSetpointPuller(s, depth), nil
}

func newSetpointPuller(s socket, depth int) *SetpointPuller {
	if depth <= 0 {
		depth = 16
	}
	return &SetpointPuller{sock: s, out: make(chan control.SetpointUpdate, depth)}
}

func (p *SetpointPuller) Updates() <-chan control.SetpointUpdate { return p.out }

// Run receives until ctx ends. Malformed messages are logged and skipped.
func (p *SetpointPuller) Run(ctx context.Context) error {
	stop := closeOnDone(ctx, p.sock)
	defer stop()
	for {
		msg, err := p.sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("setpoints: recv: %w", err)
		}
		if len(msg.Frames) == 0 {
			continue
		}
		u, err := DecodeSetpoints(msg.Frames[0])
		if err != nil {
			log.Printf("setpoints: ignoring message: %v", err)
			continue
		}
		p.forward(u)
	}
}

// forward queues u, discarding the oldest queued update when the control
// loop has fallen behind.
func (p *SetpointPuller) forward(u control.SetpointUpdate) {
	for {
		select {
		case p.out <- u:
			return
		default:
		}
		select {
		case <-p.out:
			p.dropped++
			if p.dropped == 1 || p.dropped%100 == 0 {
				log.Printf("setpoints: control loop not draining, dropped %d", p.dropped)
			}
		default:
		}
	}
}

func (p *SetpointPuller) Close() error { return p.sock.Close() }

// TelemetrySink pushes encoded telemetry messages over ZeroMQ.
type TelemetrySink struct {
	sock socket
}

func DialTelemetry(ctx context.Context, endpoint string) (*TelemetrySink, error) {
	s, err := dial(ctx, "telemetry", zmq4.NewPush, endpoint)
	if err != nil {
		return nil, err
	}
	log.Printf("telemetry: pushing to %s", endpoint)
	return &TelemetrySink{sock: s}, nil
}

func (t *TelemetrySink) Send(payload []byte) error {
	return t.sock.Send(zmq4.NewMsg(payload))
}

func (t *TelemetrySink) Close() error { return t.sock.Close() }
