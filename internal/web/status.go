package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"mocapctl/internal/control"
	"mocapctl/internal/telemetry"
	"mocapctl/internal/transport"
)

// Info is fixed for the life of the process.
type Info struct {
	Session         string `json:"session"`
	ClientName      string `json:"client_name"`
	PoseSource      string `json:"pose_source"`
	CommandEndpoint string `json:"command_endpoint"`
}

// IOStats are the transport counters, refreshed periodically by main.
type IOStats struct {
	Telemetry telemetry.Stats        `json:"telemetry"`
	Command   transport.CommandStats `json:"command"`
}

type Status struct {
	startUnixNano int64
	info          atomic.Value // Info
	io            atomic.Value // IOStats
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.info.Store(Info{})
	s.io.Store(IOStats{})
	return s
}

func (s *Status) SetInfo(info Info) { s.info.Store(info) }

func (s *Status) SetIO(io IOStats) { s.io.Store(io) }

type StatusSnapshot struct {
	Service    string         `json:"service"`
	NowUTC     string         `json:"now_utc"`
	UptimeSec  int64          `json:"uptime_sec"`
	GoVersion  string         `json:"go_version"`
	Commit     string         `json:"commit,omitempty"`
	Info       Info           `json:"info"`
	IO         IOStats        `json:"io"`
	Controller control.Status `json:"controller"`
}

// Snapshot combines process information with the controller's last
// published status.
func (s *Status) Snapshot(nowUTC time.Time, ctl control.Status) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	snap := StatusSnapshot{
		Service:    "mocapctl",
		NowUTC:     nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:  int64(nowUTC.Sub(start).Seconds()),
		GoVersion:  runtime.Version(),
		Info:       s.info.Load().(Info),
		IO:         s.io.Load().(IOStats),
		Controller: ctl,
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		for _, kv := range bi.Settings {
			if kv.Key == "vcs.revision" {
				snap.Commit = kv.Value
			}
		}
	}
	return snap
}
