package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"mocapctl/internal/control"
	"mocapctl/internal/pid"
)

// Controller is the read side of the control loop. Status must be safe to
// call from any goroutine.
type Controller interface {
	Status() control.Status
}

type Deps struct {
	Status     *Status
	Controller Controller
	// Gains receives validated updates; the control loop applies them at the
	// start of its next cycle. Nil disables POST /api/loops/{name}/gains.
	Gains  chan<- control.GainUpdate
	Logs   *LogBuffer
	Stream *CycleBroadcaster
}

type gainsResponse struct {
	Accepted bool      `json:"accepted"`
	Loop     string    `json:"loop"`
	Gains    pid.Gains `json:"gains"`
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, d.Status.Snapshot(time.Now().UTC(), d.Controller.Status()))
	})

	mux.HandleFunc("/api/loops", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, d.Controller.Status().Loops)
	})

	mux.HandleFunc("/api/loops/{name}/gains", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if d.Gains == nil {
			http.Error(w, "gain updates disabled", http.StatusNotFound)
			return
		}
		name := r.PathValue("name")
		if !slices.Contains(control.LoopNames, name) {
			http.Error(w, fmt.Sprintf("unknown loop %q", name), http.StatusNotFound)
			return
		}

		// Fields left out of the body keep their current value.
		var g pid.Gains
		for _, snap := range d.Controller.Status().Loops {
			if snap.Name == name {
				g = snap.Gains
			}
		}
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&g); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := g.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		select {
		case d.Gains <- control.GainUpdate{Loop: name, Gains: g}:
		default:
			http.Error(w, "gain update queue full", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusAccepted, gainsResponse{Accepted: true, Loop: name, Gains: g})
	})

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	if d.Stream != nil {
		mux.Handle("/api/stream", streamHandler(d.Stream, 50*time.Millisecond))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st := d.Controller.Status()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "mocapctl\nstate=%s reason=%s\ncommand roll=%.2f pitch=%.2f yaw=%.2f thrust=%.2f\n",
			st.State, st.Reason, st.Command.Roll, st.Command.Pitch, st.Command.Yaw, st.Command.Thrust)
		_, _ = fmt.Fprintf(w, "see /api/status, /api/loops, /api/logs, /api/stream\n")
	})

	return mux
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
		// Streams end with ctx instead of holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
