//go:build linux

package rt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func lockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("rt: mlockall: %w", err)
	}
	return nil
}

func setNice(n int) error {
	// who=0 is the calling process.
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, n); err != nil {
		return fmt.Errorf("rt: setpriority %d: %w", n, err)
	}
	return nil
}
