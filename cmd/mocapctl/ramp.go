package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"mocapctl/internal/config"
	"mocapctl/internal/control"
)

type pushWaitFunc func(ctx context.Context, cmd control.Command) error

type sleepFunc func(ctx context.Context, d time.Duration) error

// runRamp spins the motors up from Start to End thrust (End excluded) so the
// controller does not start from a standstill. It returns the last command
// that was queued.
func runRamp(ctx context.Context, cfg config.RampConfig, push pushWaitFunc, sleep sleepFunc) (control.Command, error) {
	var last control.Command
	if cfg.Step <= 0 {
		return last, fmt.Errorf("ramp: step must be > 0")
	}
	steps := int(math.Round((cfg.End - cfg.Start) / cfg.Step))
	for i := 0; i < steps; i++ {
		cmd := control.Command{Thrust: cfg.Start + float64(i)*cfg.Step}
		if err := push(ctx, cmd); err != nil {
			return last, fmt.Errorf("ramp: thrust %.2f: %w", cmd.Thrust, err)
		}
		last = cmd
		if cfg.Delay > 0 {
			if err := sleep(ctx, cfg.Delay); err != nil {
				return last, fmt.Errorf("ramp: %w", err)
			}
		}
	}
	return last, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
