package indicator

import (
	"fmt"
	"log"
	"sync"
)

type Config struct {
	Enable bool
	// Chip is a gpiochip name or path, e.g. "gpiochip0".
	Chip      string
	Line      int
	ActiveLow bool
}

// output is one digital line.
type output interface {
	Set(on bool) error
	Close() error
}

var openLineFn = openLine

// Armed drives a GPIO line high while the controller is ACTIVE. A nil or
// disabled Armed accepts every call and does nothing.
type Armed struct {
	mu     sync.Mutex
	out    output
	on     bool
	failed bool
}

func Open(cfg Config) (*Armed, error) {
	if !cfg.Enable {
		return &Armed{}, nil
	}
	out, err := openLineFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("indicator: %w", err)
	}
	if err := out.Set(false); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("indicator: initial off: %w", err)
	}
	log.Printf("indicator: armed led on %s line %d", cfg.Chip, cfg.Line)
	return &Armed{out: out}, nil
}

// Set updates the line only when the value changes. Write errors are
// logged once and otherwise ignored; the indicator never stops control.
func (a *Armed) Set(on bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil || on == a.on {
		return
	}
	if err := a.out.Set(on); err != nil {
		if !a.failed {
			log.Printf("indicator: set %v: %v", on, err)
			a.failed = true
		}
		return
	}
	a.on = on
}

func (a *Armed) On() bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.on
}

// Close turns the line off and releases it.
func (a *Armed) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil {
		return nil
	}
	_ = a.out.Set(false)
	err := a.out.Close()
	a.out = nil
	a.on = false
	return err
}
