// Command pidplot renders a telemetry recording written by mocapctl into one
// PNG per PID loop.
package main

import (
	"flag"
	"log"
	"strings"
)

func main() {
	var (
		in    string
		out   string
		loops string
	)
	flag.StringVar(&in, "in", "", "Telemetry recording (NDJSON)")
	flag.StringVar(&out, "out", ".", "Output directory")
	flag.StringVar(&loops, "loops", "", "Comma separated loop names to plot (all when empty)")
	flag.Parse()

	if strings.TrimSpace(in) == "" {
		log.Fatalf("-in is required")
	}
	only := map[string]bool{}
	for _, name := range strings.Split(loops, ",") {
		if name = strings.TrimSpace(name); name != "" {
			only[name] = true
		}
	}

	paths, err := plotRecording(in, out, only)
	if err != nil {
		log.Fatalf("pidplot: %v", err)
	}
	for _, p := range paths {
		log.Printf("wrote %s", p)
	}
}
