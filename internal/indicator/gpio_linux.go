//go:build linux && (arm || arm64)

package indicator

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

func openLine(cfg Config) (output, error) {
	if cfg.Line < 0 {
		return nil, fmt.Errorf("invalid gpio line %d", cfg.Line)
	}
	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Chip, err)
	}
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0), gpiocdev.WithConsumer("mocapctl-armed")}
	if cfg.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	line, err := chip.RequestLine(cfg.Line, opts...)
	if err != nil {
		_ = chip.Close()
		return nil, fmt.Errorf("request %s line %d: %w", cfg.Chip, cfg.Line, err)
	}
	return &gpiodLine{chip: chip, line: line}, nil
}

type gpiodLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpiodLine) Set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *gpiodLine) Close() error {
	err := g.line.Close()
	_ = g.chip.Close()
	return err
}
