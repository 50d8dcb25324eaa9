package telemetry

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Recording format: newline-delimited JSON.
//
//   - The first line is a header: {"session":"<uuid>","started_utc":"..."}.
//   - Every following line is {"t_ns":<ns since start>,"name":...,"data":{...}}.
//
// Lines that are blank are ignored by the reader.

type Header struct {
	Session    string `json:"session"`
	StartedUTC string `json:"started_utc"`
}

type Record struct {
	AtNs int64 `json:"t_ns"`
	Message
}

// Recorder is a Sink that appends every message to a file.
type Recorder struct {
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	now    func() time.Time
	closed bool
}

func CreateRecorder(path string, session uuid.UUID) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r := &Recorder{f: f, w: bufio.NewWriterSize(f, 64*1024), now: time.Now}
	r.start = r.now()
	hdr, err := json.Marshal(Header{Session: session.String(), StartedUTC: r.start.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := r.w.Write(append(hdr, '\n')); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Send takes an encoded Message and writes it with a relative timestamp.
func (r *Recorder) Send(payload []byte) error {
	if r.closed {
		return errors.New("telemetry recorder is closed")
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("telemetry recorder: %w", err)
	}
	d := r.now().Sub(r.start)
	if d < 0 {
		d = 0
	}
	b, err := json.Marshal(Record{AtNs: d.Nanoseconds(), Message: m})
	if err != nil {
		return err
	}
	_, err = r.w.Write(append(b, '\n'))
	return err
}

func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		return err
	}
	return r.f.Close()
}

// ReadRecording parses a file produced by Recorder.
func ReadRecording(r io.Reader) (Header, []Record, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var hdr Header
	haveHeader := false
	recs := make([]Record, 0, 1024)
	line := 0
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" {
			continue
		}
		if !haveHeader {
			if err := json.Unmarshal([]byte(text), &hdr); err != nil {
				return Header{}, nil, fmt.Errorf("invalid recording header: %w", err)
			}
			if hdr.Session == "" {
				return Header{}, nil, fmt.Errorf("invalid recording header: missing session")
			}
			haveHeader = true
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return Header{}, nil, fmt.Errorf("invalid recording line %d: %w", line, err)
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return Header{}, nil, err
	}
	if !haveHeader {
		return Header{}, nil, fmt.Errorf("empty recording")
	}
	return hdr, recs, nil
}
