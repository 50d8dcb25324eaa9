package main

import (
	"path/filepath"
	"testing"
	"time"

	"mocapctl/internal/gate"
	"mocapctl/internal/pose"
	"mocapctl/internal/replay"
)

func packet(t *testing.T, tracked bool) []byte {
	t.Helper()
	b, err := pose.Marshal(pose.Frame{Orient: pose.Quaternion{W: 1}, Tracked: tracked})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

func TestSummarizePoseLog(t *testing.T) {
	window := gate.Config{MinStep: 5 * time.Millisecond, MaxStep: 11 * time.Millisecond}
	recs := []replay.Record{
		{At: 0},
		{At: 0, Packet: packet(t, true)},
		{At: 8 * time.Millisecond, Packet: packet(t, true)},
		{At: 16 * time.Millisecond, Packet: packet(t, false)},
		{At: 40 * time.Millisecond, Packet: []byte{0xc1}},
		{At: 0},
		{At: 1 * time.Second, Packet: packet(t, true)},
		{At: 1*time.Second + 4*time.Millisecond, Packet: packet(t, true)},
	}

	s := summarizePoseLog(recs, window)
	if s.Segments != 2 {
		t.Fatalf("segments=%d want 2", s.Segments)
	}
	if s.Frames != 6 {
		t.Fatalf("frames=%d want 6", s.Frames)
	}
	if s.Invalid != 1 {
		t.Fatalf("invalid=%d want 1", s.Invalid)
	}
	if s.Tracked != 4 {
		t.Fatalf("tracked=%d want 4", s.Tracked)
	}
	if s.MaxDuration != 1*time.Second+4*time.Millisecond {
		t.Fatalf("maxDuration=%s", s.MaxDuration)
	}
	// 8ms, 8ms, 24ms in the first segment and 4ms in the second.
	if s.Steps != 4 {
		t.Fatalf("steps=%d want 4", s.Steps)
	}
	if s.InWindow != 2 {
		t.Fatalf("inWindow=%d want 2", s.InWindow)
	}
	if s.MinStep != 4*time.Millisecond || s.MaxStep != 24*time.Millisecond {
		t.Fatalf("min/max step=%s/%s", s.MinStep, s.MaxStep)
	}
	if s.MeanStep != 11*time.Millisecond {
		t.Fatalf("meanStep=%s want 11ms", s.MeanStep)
	}
}

func TestSummarizePoseLog_NoStartMarker(t *testing.T) {
	recs := []replay.Record{
		{At: 0, Packet: packet(t, true)},
		{At: 10 * time.Millisecond, Packet: packet(t, true)},
	}
	s := summarizePoseLog(recs, gate.Config{MinStep: 5 * time.Millisecond, MaxStep: 11 * time.Millisecond})
	if s.Segments != 1 || s.Frames != 2 || s.InWindow != 1 {
		t.Fatalf("summary=%+v", s)
	}
	if got := summarizePoseLog(nil, gate.Config{}); got.Frames != 0 || got.Segments != 0 {
		t.Fatalf("empty summary=%+v", got)
	}
}

func TestPrintLogSummary(t *testing.T) {
	if err := printLogSummary("  ", gate.Config{}); err == nil {
		t.Fatalf("expected error for empty path")
	}

	path := filepath.Join(t.TempDir(), "pose.log")
	w, err := replay.CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	if err := w.WritePacket(time.Now(), packet(t, true)); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := printLogSummary(path, gate.Config{MinStep: 5 * time.Millisecond, MaxStep: 11 * time.Millisecond}); err != nil {
		t.Fatalf("printLogSummary: %v", err)
	}
}
