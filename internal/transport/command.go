package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"

	"mocapctl/internal/control"
)

const commandVersion = 1

// Envelope is the command wire format expected by the flight client.
type Envelope struct {
	Version    int             `json:"version"`
	ClientName string          `json:"client_name"`
	Ctrl       control.Command `json:"ctrl"`
}

func EncodeCommand(client string, cmd control.Command) ([]byte, error) {
	return json.Marshal(Envelope{Version: commandVersion, ClientName: client, Ctrl: cmd})
}

type CommandStats struct {
	Sent     uint64 `json:"sent"`
	Replaced uint64 `json:"replaced"`
	SendErrs uint64 `json:"send_errors"`
}

// CommandPusher sends commands from a background goroutine. Push never
// blocks: when the outbox is full the oldest queued command is replaced.
type CommandPusher struct {
	sock   socket
	client string
	outbox chan []byte

	pending  atomic.Int64
	sent     atomic.Uint64
	replaced atomic.Uint64
	sendErrs atomic.Uint64
}

func DialCommand(ctx context.Context, endpoint, client string, depth int) (*CommandPusher, error) {
	s, err := dial(ctx, "command", zmq4.NewPush, endpoint)
	if err != nil {
		return nil, err
	}
	log.Printf("command: pushing to %s as %q", endpoint, client)
	return newCommandPusher(s, client, depth), nil
}

func newCommandPusher(s socket, client string, depth int) *CommandPusher {
	if depth <= 0 {
		depth = 1
	}
	return &CommandPusher{sock: s, client: client, outbox: make(chan []byte, depth)}
}

func (p *CommandPusher) Push(cmd control.Command) error {
	b, err := EncodeCommand(p.client, cmd)
	if err != nil {
		return fmt.Errorf("command: encode: %w", err)
	}
	p.pending.Add(1)
	for {
		select {
		case p.outbox <- b:
			return nil
		default:
		}
		select {
		case <-p.outbox:
			p.pending.Add(-1)
			p.replaced.Add(1)
		default:
		}
	}
}

// PushWait queues cmd, waiting for room instead of replacing older commands.
func (p *CommandPusher) PushWait(ctx context.Context, cmd control.Command) error {
	b, err := EncodeCommand(p.client, cmd)
	if err != nil {
		return fmt.Errorf("command: encode: %w", err)
	}
	p.pending.Add(1)
	select {
	case p.outbox <- b:
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	}
}

// Run sends queued commands until ctx ends.
func (p *CommandPusher) Run(ctx context.Context) error {
	stop := closeOnDone(ctx, p.sock)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-p.outbox:
			if err := p.sock.Send(zmq4.NewMsg(b)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if n := p.sendErrs.Add(1); n == 1 || n%1000 == 0 {
					log.Printf("command: send failed (%d total): %v", n, err)
				}
			} else {
				p.sent.Add(1)
			}
			p.pending.Add(-1)
		}
	}
}

// Flush waits until every queued command has been handed to the socket or
// timeout elapses.
func (p *CommandPusher) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for p.pending.Load() > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("command: flush timed out with %d queued", p.pending.Load())
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (p *CommandPusher) Stats() CommandStats {
	return CommandStats{
		Sent:     p.sent.Load(),
		Replaced: p.replaced.Load(),
		SendErrs: p.sendErrs.Load(),
	}
}

func (p *CommandPusher) Close() error { return p.sock.Close() }
