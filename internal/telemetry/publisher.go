package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"mocapctl/internal/pid"
)

// Data mirrors the wire keys consumed by the PID visualizer.
type Data struct {
	P   float64 `json:"P"`
	I   float64 `json:"I"`
	D   float64 `json:"D"`
	E   float64 `json:"E"`
	SP  float64 `json:"SP"`
	OUT float64 `json:"OUT"`
}

type Message struct {
	Name string `json:"name"`
	Data Data   `json:"data"`
}

func FromSample(s pid.Sample) Message {
	return Message{
		Name: s.Name,
		Data: Data{P: s.P, I: s.I, D: s.D, E: s.Error, SP: s.SetPoint, OUT: s.Output},
	}
}

// Sink is a best-effort destination for encoded telemetry messages.
type Sink interface {
	Send(payload []byte) error
	Close() error
}

type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	SendErrs  uint64 `json:"send_errors"`
}

// Publisher fans PID samples out to sinks from a background goroutine.
// Publish never blocks; a full queue drops the sample.
type Publisher struct {
	queue chan pid.Sample
	sinks []Sink

	published atomic.Uint64
	dropped   atomic.Uint64
	sendErrs  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	started   atomic.Bool
}

func NewPublisher(queueLen int, sinks ...Sink) *Publisher {
	if queueLen <= 0 {
		queueLen = 256
	}
	return &Publisher{
		queue: make(chan pid.Sample, queueLen),
		sinks: sinks,
		done:  make(chan struct{}),
	}
}

func (p *Publisher) Publish(s pid.Sample) {
	if p == nil {
		return
	}
	select {
	case p.queue <- s:
		p.published.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		SendErrs:  p.sendErrs.Load(),
	}
}

// Run forwards queued samples until ctx is canceled, then drains what is
// already queued and closes the sinks.
func (p *Publisher) Run(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("telemetry: publisher is nil")
	}
	if p.started.Swap(true) {
		return fmt.Errorf("telemetry: publisher already running")
	}
	defer close(p.done)
	defer p.closeSinks()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case s := <-p.queue:
					p.forward(s)
				default:
					return nil
				}
			}
		case s := <-p.queue:
			p.forward(s)
		}
	}
}

// Wait blocks until Run has returned.
func (p *Publisher) Wait() {
	if p == nil || !p.started.Load() {
		return
	}
	<-p.done
}

func (p *Publisher) forward(s pid.Sample) {
	b, err := json.Marshal(FromSample(s))
	if err != nil {
		p.sendErrs.Add(1)
		return
	}
	for _, sink := range p.sinks {
		if err := sink.Send(b); err != nil {
			// Log the first failure and then every 1000th so a missing
			// listener does not flood the log.
			if n := p.sendErrs.Add(1); n == 1 || n%1000 == 0 {
				log.Printf("telemetry: send failed (%d total): %v", n, err)
			}
		}
	}
}

func (p *Publisher) closeSinks() {
	p.closeOnce.Do(func() {
		for _, sink := range p.sinks {
			_ = sink.Close()
		}
	})
}
