// Package rt applies optional process tuning that keeps control-cycle
// latency predictable: locked memory and a raised scheduling priority.
package rt

import (
	"errors"
	"log"
)

type Config struct {
	Enable     bool
	LockMemory bool
	// Nice is the target nice level, -20 (highest priority) to 19.
	Nice int
}

var (
	lockMemoryFn  = lockMemory
	setNiceFn     = setNice
	errNotSupport = errors.New("rt: not supported on this platform")
)

// Apply performs every requested step and returns the joined errors. The
// caller decides whether a failure matters; tuning is best effort.
func Apply(cfg Config) error {
	if !cfg.Enable {
		return nil
	}
	var errs []error
	if cfg.LockMemory {
		if err := lockMemoryFn(); err != nil {
			errs = append(errs, err)
		} else {
			log.Printf("rt: memory locked")
		}
	}
	if cfg.Nice != 0 {
		if err := setNiceFn(cfg.Nice); err != nil {
			errs = append(errs, err)
		} else {
			log.Printf("rt: nice set to %d", cfg.Nice)
		}
	}
	return errors.Join(errs...)
}
