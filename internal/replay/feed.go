package replay

import (
	"context"
	"time"

	"mocapctl/internal/pose"
	"mocapctl/internal/transport"
)

// Feed plays records into a channel in the same shape the live pose server
// produces. Frames are stamped base+elapsed, so gate timing follows the
// capture and not the replay scheduler. out is closed when Feed returns.
func Feed(ctx context.Context, records []Record, speed float64, loop bool, base time.Time, out chan<- transport.Received) error {
	defer close(out)
	return Play(ctx, records, speed, loop, nil, func(elapsed time.Duration, packet []byte) error {
		at := base.Add(elapsed)
		r := transport.Received{}
		r.Frame, r.Err = pose.Unmarshal(packet, at)
		if r.Err != nil {
			r.Frame = pose.Frame{ReceivedAt: at, Raw: packet}
		}
		select {
		case out <- r:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
