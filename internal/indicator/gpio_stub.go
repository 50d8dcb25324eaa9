//go:build !linux || (!arm && !arm64)

package indicator

import "fmt"

func openLine(cfg Config) (output, error) {
	return nil, fmt.Errorf("gpio unsupported on this platform")
}
