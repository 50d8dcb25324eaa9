package transport

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// socket is the subset of zmq4.Socket the transports use.
type socket interface {
	Send(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

func listen(ctx context.Context, kind string, newSock func(context.Context, ...zmq4.Option) zmq4.Socket, endpoint string) (zmq4.Socket, error) {
	s := newSock(ctx)
	if err := s.Listen(endpoint); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%s: listen %s: %w", kind, endpoint, err)
	}
	return s, nil
}

func dial(ctx context.Context, kind string, newSock func(context.Context, ...zmq4.Option) zmq4.Socket, endpoint string) (zmq4.Socket, error) {
	s := newSock(ctx)
	if err := s.Dial(endpoint); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%s: dial %s: %w", kind, endpoint, err)
	}
	return s, nil
}

// closeOnDone closes s when ctx ends so a blocked Recv or Send returns.
func closeOnDone(ctx context.Context, s socket) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
