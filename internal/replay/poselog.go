package replay

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Pose log format, one record per line:
//
//   - blank lines and lines starting with '#' are ignored;
//   - "START" begins a new capture segment (times restart at 0);
//   - data lines are <t_ns>,<hex> where t_ns is nanoseconds since START and
//     hex is the raw msgpack pose packet.

type Record struct {
	At time.Duration
	// Packet is nil for a START marker.
	Packet []byte
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 4096)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}

		tsStr, hexStr, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("pose log line %d: missing comma", lineNo)
		}
		tsNs, err := strconv.ParseInt(strings.TrimSpace(tsStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("pose log line %d: timestamp: %w", lineNo, err)
		}
		if tsNs < 0 {
			return nil, fmt.Errorf("pose log line %d: negative timestamp %d", lineNo, tsNs)
		}
		b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(hexStr), " ", ""))
		if err != nil {
			return nil, fmt.Errorf("pose log line %d: payload: %w", lineNo, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("pose log line %d: empty payload", lineNo)
		}
		recs = append(recs, Record{At: time.Duration(tsNs), Packet: b})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer captures pose packets as they arrive. Not safe for concurrent use.
type Writer struct {
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: time.Now()}, nil
}

func (ww *Writer) WritePacket(at time.Time, packet []byte) error {
	if ww.closed {
		return errors.New("pose log writer is closed")
	}
	if len(packet) == 0 {
		return errors.New("pose log: empty packet")
	}
	d := at.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintf(ww.w, "%d,%s\n", d.Nanoseconds(), hex.EncodeToString(packet))
	return err
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SegmentGap is added to elapsed at a START marker and when a looped log
// restarts. It is longer than any tracking gate window, so the first frame of
// a new segment reads as a gap rather than a burst.
const SegmentGap = time.Second

// Play calls cb for every packet, waiting between packets as they were
// recorded (scaled by speed; 2 is twice as fast).
//
// elapsed is the unscaled capture time of the packet, monotonic across START
// markers and loops, so a consumer that stamps frames with it sees the
// recorded inter-frame steps regardless of speed. Segment boundaries advance
// elapsed by SegmentGap without waiting.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper, cb func(elapsed time.Duration, packet []byte) error) error {
	if speed <= 0 {
		return fmt.Errorf("replay speed must be > 0")
	}
	if cb == nil {
		return errors.New("replay callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}

	var elapsed time.Duration
	played := false
	for {
		var origin, lastAt time.Duration
		haveLast := false

		for _, r := range records {
			if r.Packet == nil {
				origin = r.At
				haveLast = false
				continue
			}

			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				step := at - lastAt
				if step < 0 {
					step = 0
				}
				elapsed += step
				if wait := time.Duration(float64(step) / speed); wait > 0 {
					if err := sleeper.Sleep(ctx, wait); err != nil {
						return err
					}
				}
			} else if played {
				elapsed += SegmentGap
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := cb(elapsed, r.Packet); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
			played = true
		}

		if !loop {
			return nil
		}
	}
}
