package transport

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-zeromq/zmq4"

	"mocapctl/internal/pose"
)

var ackMsg = []byte("Ack")

// Received is one pose request. Err is set when the packet could not be
// parsed; Frame.ReceivedAt and Frame.Raw are filled in either way.
type Received struct {
	Frame pose.Frame
	Err   error
}

// PoseServer answers the tracking rig's REQ socket. Every request is
// acknowledged before the next one is read, then handed to the control loop.
type PoseServer struct {
	sock   socket
	frames chan Received
	now    func() time.Time
}

func ListenPose(ctx context.Context, endpoint string) (*PoseServer, error) {
	s, err := listen(ctx, "pose server", zmq4.NewRep, endpoint)
	if err != nil {
		return nil, err
	}
	log.Printf("pose server: listening on %s", endpoint)
	return newPoseServer(s), nil
}

func newPoseServer(s socket) *PoseServer {
	return &PoseServer{sock: s, frames: make(chan Received), now: time.Now}
}

func (s *PoseServer) Frames() <-chan Received { return s.frames }

// Run reads requests until ctx ends or the socket fails. The frames channel
// is closed on return.
func (s *PoseServer) Run(ctx context.Context) error {
	defer close(s.frames)
	stop := closeOnDone(ctx, s.sock)
	defer stop()

	for {
		msg, err := s.sock.Recv()
		at := s.now()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pose server: recv: %w", err)
		}
		if err := s.sock.Send(zmq4.NewMsg(ackMsg)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pose server: ack: %w", err)
		}

		var packet []byte
		if len(msg.Frames) > 0 {
			packet = msg.Frames[0]
		}
		r := Received{}
		r.Frame, r.Err = pose.Unmarshal(packet, at)
		if r.Err != nil {
			r.Frame = pose.Frame{ReceivedAt: at, Raw: packet}
		}

		select {
		case s.frames <- r:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *PoseServer) Close() error { return s.sock.Close() }
