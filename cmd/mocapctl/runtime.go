package main

import (
	"context"
	"log"
	"time"

	"mocapctl/internal/control"
	"mocapctl/internal/transport"
	"mocapctl/internal/web"
)

type commandSink interface {
	Push(cmd control.Command) error
}

type packetRecorder interface {
	WritePacket(at time.Time, packet []byte) error
}

// runtime wires the controller to its transports. loop runs on the single
// control goroutine.
type runtime struct {
	ctl    *control.Context
	cmds   commandSink
	rec    packetRecorder
	stream *web.CycleBroadcaster

	pushErrs uint64
	recErrs  uint64
}

// loop runs one control cycle per received frame until ctx ends or the
// frame source closes.
func (r *runtime) loop(ctx context.Context, frames <-chan transport.Received) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rx, ok := <-frames:
			if !ok {
				return nil
			}
			r.cycle(rx)
		}
	}
}

func (r *runtime) cycle(rx transport.Received) control.Command {
	if r.rec != nil && len(rx.Frame.Raw) > 0 {
		if err := r.rec.WritePacket(rx.Frame.ReceivedAt, rx.Frame.Raw); err != nil {
			r.recErrs++
			if r.recErrs == 1 || r.recErrs%1000 == 0 {
				log.Printf("pose record: write failed (%d total): %v", r.recErrs, err)
			}
		}
	}

	cmd := r.ctl.Step(rx.Frame, rx.Err)
	r.push(cmd)

	if r.stream != nil {
		st := r.ctl.Status()
		r.stream.Publish(web.CycleSample{
			At:      rx.Frame.ReceivedAt,
			State:   st.State,
			Pose:    st.Pose,
			Command: cmd,
		})
	}
	return cmd
}

// shutdown forces SAFE and queues the zero command.
func (r *runtime) shutdown(at time.Time) control.Command {
	cmd := r.ctl.Kill(at)
	r.push(cmd)
	return cmd
}

func (r *runtime) push(cmd control.Command) {
	if err := r.cmds.Push(cmd); err != nil {
		r.pushErrs++
		if r.pushErrs == 1 || r.pushErrs%1000 == 0 {
			log.Printf("command: queue failed (%d total): %v", r.pushErrs, err)
		}
	}
}
