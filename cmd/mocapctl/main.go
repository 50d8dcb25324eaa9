package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"mocapctl/internal/config"
	"mocapctl/internal/control"
	"mocapctl/internal/gate"
	"mocapctl/internal/indicator"
	"mocapctl/internal/replay"
	"mocapctl/internal/rt"
	"mocapctl/internal/telemetry"
	"mocapctl/internal/transport"
	"mocapctl/internal/udp"
	"mocapctl/internal/web"
)

func main() {
	var (
		configPath  string
		replayPath  string
		replaySpeed float64
		noRamp      bool
		summarize   string
	)
	flag.StringVar(&configPath, "config", "", "Path to YAML config (built-in defaults when empty)")
	flag.StringVar(&replayPath, "replay", "", "Drive the controller from a recorded pose log instead of the live socket")
	flag.Float64Var(&replaySpeed, "replay-speed", 0, "Replay speed multiplier; overrides pose.replay.speed")
	flag.BoolVar(&noRamp, "no-ramp", false, "Skip the motor spin-up ramp")
	flag.StringVar(&summarize, "summarize", "", "Print a summary of a pose log and exit")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatalf("config load failed: %v", err)
		}
	}
	if replayPath != "" {
		cfg.Pose.Replay.Enable = true
		cfg.Pose.Replay.Path = replayPath
		cfg.Pose.Record.Enable = false
	}
	if replaySpeed > 0 {
		cfg.Pose.Replay.Speed = replaySpeed
	}
	if noRamp {
		cfg.Ramp.Enable = false
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config invalid: %v", err)
	}

	if summarize != "" {
		window := gate.Config{MinStep: cfg.Gate.MinStep, MaxStep: cfg.Gate.MaxStep}
		if err := printLogSummary(summarize, window); err != nil {
			log.Fatalf("summary failed: %v", err)
		}
		return
	}

	session := uuid.New()
	clientName := cfg.ClientName
	if clientName == "" {
		clientName = "mocapctl-" + session.String()[:8]
	}

	logBuf := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	if err := rt.Apply(rt.Config{
		Enable:     cfg.Realtime.Enable,
		LockMemory: cfg.Realtime.LockMemory,
		Nice:       cfg.Realtime.Nice,
	}); err != nil {
		log.Printf("realtime tuning incomplete: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Command and telemetry outlive ctx so the final zero command and the
	// queued samples still go out after an interrupt.
	ioCtx, ioCancel := context.WithCancel(context.Background())
	defer ioCancel()

	var sinks []telemetry.Sink
	if cfg.Telemetry.ZMQ.Enable {
		s, err := transport.DialTelemetry(ioCtx, cfg.Telemetry.ZMQ.Endpoint)
		if err != nil {
			log.Fatalf("telemetry init failed: %v", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Telemetry.UDP.Enable {
		s, err := udp.NewSink(cfg.Telemetry.UDP.Dest)
		if err != nil {
			log.Fatalf("telemetry udp init failed: %v", err)
		}
		log.Printf("telemetry: udp dest=%s", s.Dest())
		sinks = append(sinks, s)
	}
	if cfg.Telemetry.Record.Enable {
		r, err := telemetry.CreateRecorder(cfg.Telemetry.Record.Path, session)
		if err != nil {
			log.Fatalf("telemetry recorder init failed: %v", err)
		}
		log.Printf("telemetry: recording to %s", cfg.Telemetry.Record.Path)
		sinks = append(sinks, r)
	}
	pub := telemetry.NewPublisher(cfg.Telemetry.Queue, sinks...)
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		if err := pub.Run(ioCtx); err != nil {
			log.Printf("telemetry stopped: %v", err)
		}
	}()

	armed, err := indicator.Open(indicator.Config{
		Enable:    cfg.Indicator.Enable,
		Chip:      cfg.Indicator.Chip,
		Line:      cfg.Indicator.Line,
		ActiveLow: cfg.Indicator.ActiveLow,
	})
	if err != nil {
		// Flying without the LED is fine.
		log.Printf("armed indicator disabled: %v", err)
	}

	var setpoints <-chan control.SetpointUpdate
	if cfg.Setpoints.Enable {
		sp, err := transport.DialSetpoints(ctx, cfg.Setpoints.Endpoint, cfg.Setpoints.Queue)
		if err != nil {
			log.Fatalf("setpoints init failed: %v", err)
		}
		setpoints = sp.Updates()
		go func() {
			if err := sp.Run(ctx); err != nil {
				log.Printf("setpoints stopped: %v", err)
			}
		}()
	}

	gains := make(chan control.GainUpdate, 8)

	cc := cfg.Control()
	cc.Publisher = pub
	cc.Setpoints = setpoints
	cc.GainUpdates = gains
	cc.OnStateChange = func(s control.State) { armed.Set(s == control.StateActive) }
	ctl, err := control.New(cc)
	if err != nil {
		log.Fatalf("controller init failed: %v", err)
	}

	cmds, err := transport.DialCommand(ioCtx, cfg.Command.Endpoint, clientName, cfg.Command.Queue)
	if err != nil {
		log.Fatalf("command init failed: %v", err)
	}
	cmdDone := make(chan struct{})
	go func() {
		defer close(cmdDone)
		if err := cmds.Run(ioCtx); err != nil {
			log.Printf("command stopped: %v", err)
		}
	}()

	var (
		poseServer *transport.PoseServer
		records    []replay.Record
		source     = cfg.Pose.Listen
	)
	if cfg.Pose.Replay.Enable {
		records, err = replay.ReadFile(cfg.Pose.Replay.Path)
		if err != nil {
			log.Fatalf("replay load failed: %v", err)
		}
		source = "replay:" + cfg.Pose.Replay.Path
		log.Printf("replay: %d records from %s speed=%g loop=%t", len(records), cfg.Pose.Replay.Path, cfg.Pose.Replay.Speed, cfg.Pose.Replay.Loop)
	} else {
		poseServer, err = transport.ListenPose(ctx, cfg.Pose.Listen)
		if err != nil {
			log.Fatalf("pose server init failed: %v", err)
		}
	}

	var poseLog *replay.Writer
	if cfg.Pose.Record.Enable {
		poseLog, err = replay.CreateWriter(cfg.Pose.Record.Path)
		if err != nil {
			log.Fatalf("pose record init failed: %v", err)
		}
		log.Printf("pose record: writing to %s", cfg.Pose.Record.Path)
	}

	status := web.NewStatus()
	status.SetInfo(web.Info{
		Session:         session.String(),
		ClientName:      clientName,
		PoseSource:      source,
		CommandEndpoint: cfg.Command.Endpoint,
	})
	stream := web.NewCycleBroadcaster()
	if cfg.Web.Enable {
		h := web.Handler(web.Deps{
			Status:     status,
			Controller: ctl,
			Gains:      gains,
			Logs:       logBuf,
			Stream:     stream,
		})
		go func() {
			log.Printf("web: listening on %s", cfg.Web.Listen)
			if err := web.Serve(ctx, cfg.Web.Listen, h); err != nil {
				log.Printf("web server stopped: %v", err)
			}
		}()
	}
	go refreshIO(ctx, status, pub, cmds)

	log.Printf("mocapctl starting session=%s client=%q", session, clientName)

	if cfg.Ramp.Enable {
		log.Printf("ramp: spinning up motors thrust=%g..%g", cfg.Ramp.Start, cfg.Ramp.End)
		last, err := runRamp(ctx, cfg.Ramp, cmds.PushWait, sleepCtx)
		if err != nil && ctx.Err() == nil {
			log.Printf("ramp: motor spin-up failed: %v", err)
		}
		if ctx.Err() == nil {
			if err := cmds.Push(last); err != nil {
				log.Printf("ramp: final command: %v", err)
			}
			log.Printf("ramp: spin-up complete")
		}
	}

	frames := make(chan transport.Received)
	var in <-chan transport.Received = frames
	poseDone := make(chan struct{})
	if poseServer != nil {
		in = poseServer.Frames()
		go func() {
			defer close(poseDone)
			if err := poseServer.Run(ctx); err != nil {
				log.Printf("pose server stopped: %v", err)
			}
		}()
	} else {
		go func() {
			defer close(poseDone)
			err := replay.Feed(ctx, records, cfg.Pose.Replay.Speed, cfg.Pose.Replay.Loop, time.Now(), frames)
			switch {
			case err == nil:
				log.Printf("replay: end of log")
			case ctx.Err() == nil:
				log.Printf("replay stopped: %v", err)
			}
		}()
	}

	run := &runtime{ctl: ctl, cmds: cmds, stream: stream}
	if poseLog != nil {
		run.rec = poseLog
	}
	if err := run.loop(ctx, in); err != nil {
		log.Printf("control loop stopped: %v", err)
	}

	log.Printf("mocapctl stopping")
	run.shutdown(time.Now())
	if err := cmds.Flush(cfg.Command.FlushTimeout); err != nil {
		log.Printf("%v", err)
	}
	cancel()
	<-poseDone
	ioCancel()
	<-cmdDone
	<-pubDone

	if poseLog != nil {
		if err := poseLog.Close(); err != nil {
			log.Printf("pose record: close: %v", err)
		}
	}
	if err := armed.Close(); err != nil {
		log.Printf("armed indicator: close: %v", err)
	}
	c := ctl.Counters()
	log.Printf("mocapctl stopped frames=%d accepted=%d rejected=%d malformed=%d", c.Frames, c.Accepted, c.Rejected, c.Malformed)
}

// refreshIO copies transport counters into the status page once a second.
func refreshIO(ctx context.Context, st *web.Status, pub *telemetry.Publisher, cmds *transport.CommandPusher) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		st.SetIO(web.IOStats{Telemetry: pub.Stats(), Command: cmds.Stats()})
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
