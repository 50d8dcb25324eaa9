package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mocapctl/internal/control"
)

// CycleSample is what the live view shows for one control cycle.
type CycleSample struct {
	At      time.Time        `json:"at"`
	State   control.State    `json:"state"`
	Pose    control.PoseView `json:"pose"`
	Command control.Command  `json:"command"`
}

// CycleBroadcaster fans control-cycle samples out to stream subscribers.
// Publish never blocks: a subscriber that falls behind misses samples.
type CycleBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan CycleSample
	nextID   int
	last     CycleSample
	haveLast bool
}

func NewCycleBroadcaster() *CycleBroadcaster {
	return &CycleBroadcaster{subs: make(map[int]chan CycleSample)}
}

// Subscribe returns a channel that first receives the latest sample, if any.
func (b *CycleBroadcaster) Subscribe(buffer int) (int, <-chan CycleSample) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan CycleSample, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.haveLast {
		ch <- b.last
	}
	b.mu.Unlock()
	return id, ch
}

func (b *CycleBroadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *CycleBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *CycleBroadcaster) Publish(s CycleSample) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last, b.haveLast = s, true
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// streamHandler serves samples as server-sent events, at most one per
// minInterval so a browser is not flooded at the tracking rate.
func streamHandler(b *CycleBroadcaster, minInterval time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		id, ch := b.Subscribe(8)
		defer b.Unsubscribe(id)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		var last time.Time
		for {
			select {
			case <-r.Context().Done():
				return
			case s, ok := <-ch:
				if !ok {
					return
				}
				if !last.IsZero() && s.At.Sub(last) < minInterval {
					continue
				}
				last = s.At
				bts, err := json.Marshal(s)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", bts); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
