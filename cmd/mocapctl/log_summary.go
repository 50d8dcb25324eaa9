package main

import (
	"fmt"
	"strings"
	"time"

	"mocapctl/internal/gate"
	"mocapctl/internal/pose"
	"mocapctl/internal/replay"
)

type poseLogSummary struct {
	Segments    int
	Frames      int
	Invalid     int
	Tracked     int
	MaxDuration time.Duration

	// Steps are measured between consecutive frames of a segment.
	Steps    int
	InWindow int
	MinStep  time.Duration
	MaxStep  time.Duration
	MeanStep time.Duration
}

func summarizePoseLog(records []replay.Record, window gate.Config) poseLogSummary {
	var s poseLogSummary
	if len(records) == 0 {
		return s
	}

	var origin, lastAt, total time.Duration
	haveLast := false
	segments := 0

	for _, r := range records {
		if r.Packet == nil {
			segments++
			origin = r.At
			haveLast = false
			continue
		}

		s.Frames++
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		if haveLast {
			step := at - lastAt
			s.Steps++
			total += step
			if s.Steps == 1 || step < s.MinStep {
				s.MinStep = step
			}
			if step > s.MaxStep {
				s.MaxStep = step
			}
			if step > window.MinStep && step < window.MaxStep {
				s.InWindow++
			}
		}
		lastAt, haveLast = at, true

		f, err := pose.Unmarshal(r.Packet, time.Time{})
		if err != nil {
			s.Invalid++
			continue
		}
		if f.Tracked {
			s.Tracked++
		}
	}
	if segments == 0 && s.Frames > 0 {
		segments = 1
	}
	s.Segments = segments
	if s.Steps > 0 {
		s.MeanStep = total / time.Duration(s.Steps)
	}
	return s
}

func printLogSummary(path string, window gate.Config) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}
	s := summarizePoseLog(recs, window)

	fmt.Printf("path: %s\n", path)
	fmt.Printf("segments: %d\n", s.Segments)
	fmt.Printf("frames: %d\n", s.Frames)
	fmt.Printf("invalid_frames: %d\n", s.Invalid)
	fmt.Printf("tracked_frames: %d\n", s.Tracked)
	fmt.Printf("max_duration: %s\n", s.MaxDuration)
	fmt.Printf("steps: %d (min %s, mean %s, max %s)\n", s.Steps, s.MinStep, s.MeanStep, s.MaxStep)
	fmt.Printf("steps_in_window: %d (%s < step < %s)\n", s.InWindow, window.MinStep, window.MaxStep)
	return nil
}
