package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogBuffer keeps the most recent log lines for /api/logs. It is meant to be
// one of the writers behind log.SetOutput.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.appendLocked(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	b.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (b *LogBuffer) appendLocked(line string) {
	if line == "" {
		return
	}
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0:0], b.lines[over:]...)
		b.dropped += uint64(over)
	}
}

// Tail returns up to n of the newest complete lines.
func (b *LogBuffer) Tail(n int) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	return append([]string(nil), b.lines[len(b.lines)-n:]...), b.dropped
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tail := 200
		if s := strings.TrimSpace(r.URL.Query().Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				http.Error(w, "tail must be an integer in [1,5000]", http.StatusBadRequest)
				return
			}
			tail = v
		}
		lines, dropped := b.Tail(tail)

		w.Header().Set("Cache-Control", "no-store")
		if strings.EqualFold(r.URL.Query().Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			_, _ = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
			return
		}
		writeJSON(w, http.StatusOK, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
