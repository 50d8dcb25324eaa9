package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mocapctl/internal/control"
	"mocapctl/internal/gate"
	"mocapctl/internal/pid"
	"mocapctl/internal/pose"
)

type Config struct {
	// ClientName identifies this controller in every command envelope. Empty
	// means "mocapctl-<session>".
	ClientName string `yaml:"client_name"`

	Pose      PoseConfig      `yaml:"pose"`
	Command   CommandConfig   `yaml:"command"`
	Setpoints SetpointsConfig `yaml:"setpoints"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Gate      GateConfig      `yaml:"gate"`
	Cascade   CascadeConfig   `yaml:"cascade"`
	Loops     LoopsConfig     `yaml:"loops"`
	Ramp      RampConfig      `yaml:"ramp"`
	Web       WebConfig       `yaml:"web"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Log       LogConfig       `yaml:"log"`
}

type PoseConfig struct {
	Listen        string       `yaml:"listen"`
	QuatTolerance float64      `yaml:"quat_tolerance"`
	Record        RecordConfig `yaml:"record"`
	Replay        ReplayConfig `yaml:"replay"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type CommandConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Queue        int           `yaml:"queue"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

type SetpointsConfig struct {
	Enable   bool   `yaml:"enable"`
	Endpoint string `yaml:"endpoint"`
	Queue    int    `yaml:"queue"`
}

type TelemetryConfig struct {
	Queue  int           `yaml:"queue"`
	ZMQ    ZMQSinkConfig `yaml:"zmq"`
	UDP    UDPSinkConfig `yaml:"udp"`
	Record RecordConfig  `yaml:"record"`
}

type ZMQSinkConfig struct {
	Enable   bool   `yaml:"enable"`
	Endpoint string `yaml:"endpoint"`
}

type UDPSinkConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type GateConfig struct {
	MinStep      time.Duration `yaml:"min_step"`
	MaxStep      time.Duration `yaml:"max_step"`
	WarmupFrames int           `yaml:"warmup_frames"`
}

type CascadeConfig struct {
	VelocityLimit       float64       `yaml:"velocity_limit"`
	ThrustBias          float64       `yaml:"thrust_bias"`
	ThrustMin           float64       `yaml:"thrust_min"`
	ThrustMax           float64       `yaml:"thrust_max"`
	YawCap              float64       `yaml:"yaw_cap"`
	RollPitchScale      float64       `yaml:"roll_pitch_scale"`
	RollPitchCap        float64       `yaml:"roll_pitch_cap"`
	UseVelocitySetpoint bool          `yaml:"use_velocity_setpoint"`
	MinDt               time.Duration `yaml:"min_dt"`
}

type LoopConfig struct {
	Kp            float64 `yaml:"kp"`
	Ki            float64 `yaml:"ki"`
	Kd            float64 `yaml:"kd"`
	IntegratorMin float64 `yaml:"integrator_min"`
	IntegratorMax float64 `yaml:"integrator_max"`
	SetPoint      float64 `yaml:"set_point"`
}

func (l LoopConfig) Gains() pid.Gains {
	return pid.Gains{Kp: l.Kp, Ki: l.Ki, Kd: l.Kd, IntegratorMin: l.IntegratorMin, IntegratorMax: l.IntegratorMax}
}

func (l LoopConfig) PID() pid.Config {
	return pid.Config{Gains: l.Gains(), SetPoint: l.SetPoint}
}

func loopFrom(c pid.Config) LoopConfig {
	g := c.Gains
	return LoopConfig{Kp: g.Kp, Ki: g.Ki, Kd: g.Kd, IntegratorMin: g.IntegratorMin, IntegratorMax: g.IntegratorMax, SetPoint: c.SetPoint}
}

type LoopsConfig struct {
	Roll     LoopConfig `yaml:"roll"`
	Pitch    LoopConfig `yaml:"pitch"`
	Yaw      LoopConfig `yaml:"yaw"`
	Thrust   LoopConfig `yaml:"thrust"`
	Position LoopConfig `yaml:"position"`
	Velocity LoopConfig `yaml:"velocity"`
}

func (l LoopsConfig) byName() []struct {
	name string
	cfg  LoopConfig
} {
	return []struct {
		name string
		cfg  LoopConfig
	}{
		{control.LoopRoll, l.Roll},
		{control.LoopPitch, l.Pitch},
		{control.LoopYaw, l.Yaw},
		{control.LoopThrust, l.Thrust},
		{control.LoopPosition, l.Position},
		{control.LoopVelocity, l.Velocity},
	}
}

type RampConfig struct {
	Enable bool          `yaml:"enable"`
	Start  float64       `yaml:"start"`
	End    float64       `yaml:"end"`
	Step   float64       `yaml:"step"`
	Delay  time.Duration `yaml:"delay"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type IndicatorConfig struct {
	Enable    bool   `yaml:"enable"`
	Chip      string `yaml:"chip"`
	Line      int    `yaml:"line"`
	ActiveLow bool   `yaml:"active_low"`
}

type RealtimeConfig struct {
	Enable     bool `yaml:"enable"`
	LockMemory bool `yaml:"lock_memory"`
	Nice       int  `yaml:"nice"`
}

type LogConfig struct {
	Debug      bool `yaml:"debug"`
	DebugEvery int  `yaml:"debug_every"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() Config {
	cc := control.DefaultConfig()
	return Config{
		Pose: PoseConfig{
			Listen:        "tcp://*:5000",
			QuatTolerance: pose.DefaultQuatTolerance,
			Replay:        ReplayConfig{Speed: 1},
		},
		Command: CommandConfig{
			Endpoint:     "tcp://127.0.0.1:1212",
			Queue:        1,
			FlushTimeout: 500 * time.Millisecond,
		},
		Setpoints: SetpointsConfig{
			Enable:   true,
			Endpoint: "tcp://127.0.0.1:5124",
			Queue:    16,
		},
		Telemetry: TelemetryConfig{
			Queue: 1024,
			ZMQ:   ZMQSinkConfig{Enable: true, Endpoint: "tcp://127.0.0.1:5123"},
			UDP:   UDPSinkConfig{Dest: "127.0.0.1:5125"},
		},
		Gate: GateConfig{
			MinStep:      gate.DefaultMinStep,
			MaxStep:      gate.DefaultMaxStep,
			WarmupFrames: gate.DefaultWarmupFrames,
		},
		Cascade: CascadeConfig{
			VelocityLimit:  cc.VelocityLimit,
			ThrustBias:     cc.ThrustBias,
			ThrustMin:      cc.ThrustMin,
			ThrustMax:      cc.ThrustMax,
			YawCap:         cc.YawCap,
			RollPitchScale: cc.RollPitchScale,
			RollPitchCap:   cc.RollPitchCap,
			MinDt:          cc.MinDt,
		},
		Loops: LoopsConfig{
			Roll:     loopFrom(cc.Loops.Roll),
			Pitch:    loopFrom(cc.Loops.Pitch),
			Yaw:      loopFrom(cc.Loops.Yaw),
			Thrust:   loopFrom(cc.Loops.Thrust),
			Position: loopFrom(cc.Loops.Position),
			Velocity: loopFrom(cc.Loops.Velocity),
		},
		Ramp: RampConfig{
			Enable: true,
			Start:  25,
			End:    45,
			Step:   0.01,
			Delay:  time.Millisecond,
		},
		Web: WebConfig{Enable: true, Listen: "127.0.0.1:8088"},
		Indicator: IndicatorConfig{
			Chip: "gpiochip0",
			Line: 17,
		},
		Log: LogConfig{DebugEvery: 100},
	}
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected so a typo cannot silently fall back to a default gain.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return Config{}, fmt.Errorf("config contains invalid fields: %s", strings.Join(te.Errors, "; "))
		}
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.ClientName != "" && strings.ContainsAny(cfg.ClientName, "\r\n\t") {
		return fmt.Errorf("client_name must not contain control characters")
	}

	p := &cfg.Pose
	if p.Replay.Enable {
		if p.Replay.Path == "" {
			return fmt.Errorf("pose.replay.path is required when pose.replay.enable is true")
		}
		if p.Replay.Speed == 0 {
			p.Replay.Speed = 1
		}
		if p.Replay.Speed < 0 {
			return fmt.Errorf("pose.replay.speed must be > 0")
		}
	} else if p.Listen == "" {
		return fmt.Errorf("pose.listen is required")
	}
	if p.Record.Enable && p.Record.Path == "" {
		return fmt.Errorf("pose.record.path is required when pose.record.enable is true")
	}
	if p.Record.Enable && p.Replay.Enable {
		return fmt.Errorf("pose.record and pose.replay cannot both be enabled")
	}
	if p.QuatTolerance <= 0 || p.QuatTolerance >= 1 {
		return fmt.Errorf("pose.quat_tolerance must be in (0, 1)")
	}

	if cfg.Command.Endpoint == "" {
		return fmt.Errorf("command.endpoint is required")
	}
	if cfg.Command.Queue <= 0 {
		return fmt.Errorf("command.queue must be > 0")
	}
	if cfg.Command.FlushTimeout <= 0 {
		return fmt.Errorf("command.flush_timeout must be > 0")
	}

	if cfg.Setpoints.Enable {
		if cfg.Setpoints.Endpoint == "" {
			return fmt.Errorf("setpoints.endpoint is required when setpoints.enable is true")
		}
		if cfg.Setpoints.Queue <= 0 {
			return fmt.Errorf("setpoints.queue must be > 0")
		}
	}

	t := cfg.Telemetry
	if t.Queue <= 0 {
		return fmt.Errorf("telemetry.queue must be > 0")
	}
	if t.ZMQ.Enable && t.ZMQ.Endpoint == "" {
		return fmt.Errorf("telemetry.zmq.endpoint is required when telemetry.zmq.enable is true")
	}
	if t.UDP.Enable && t.UDP.Dest == "" {
		return fmt.Errorf("telemetry.udp.dest is required when telemetry.udp.enable is true")
	}
	if t.Record.Enable && t.Record.Path == "" {
		return fmt.Errorf("telemetry.record.path is required when telemetry.record.enable is true")
	}

	g := cfg.Gate
	if g.MinStep <= 0 || g.MaxStep <= 0 {
		return fmt.Errorf("gate.min_step and gate.max_step must be > 0")
	}
	if g.MinStep >= g.MaxStep {
		return fmt.Errorf("gate.min_step must be < gate.max_step")
	}
	if g.WarmupFrames < 0 {
		return fmt.Errorf("gate.warmup_frames must be >= 0")
	}

	c := cfg.Cascade
	switch {
	case c.VelocityLimit <= 0:
		return fmt.Errorf("cascade.velocity_limit must be > 0")
	case c.ThrustMin < 0 || c.ThrustMax > 1 || c.ThrustMin > c.ThrustMax:
		return fmt.Errorf("cascade.thrust_min and cascade.thrust_max must satisfy 0 <= min <= max <= 1")
	case c.YawCap <= 0:
		return fmt.Errorf("cascade.yaw_cap must be > 0")
	case c.RollPitchScale <= 0:
		return fmt.Errorf("cascade.roll_pitch_scale must be > 0")
	case c.RollPitchCap <= 0:
		return fmt.Errorf("cascade.roll_pitch_cap must be > 0")
	case c.MinDt <= 0:
		return fmt.Errorf("cascade.min_dt must be > 0")
	}

	for _, l := range cfg.Loops.byName() {
		if err := l.cfg.Gains().Validate(); err != nil {
			return fmt.Errorf("loops.%s: %w", l.name, err)
		}
	}

	if cfg.Ramp.Enable {
		r := cfg.Ramp
		if r.Step <= 0 {
			return fmt.Errorf("ramp.step must be > 0")
		}
		if r.Start > r.End {
			return fmt.Errorf("ramp.start must be <= ramp.end")
		}
		if r.Start < 0 || r.End > 100 {
			return fmt.Errorf("ramp.start and ramp.end must be within 0..100")
		}
		if r.Delay < 0 {
			return fmt.Errorf("ramp.delay must be >= 0")
		}
	}

	if cfg.Web.Enable && cfg.Web.Listen == "" {
		return fmt.Errorf("web.listen is required when web.enable is true")
	}
	if cfg.Indicator.Enable {
		if cfg.Indicator.Chip == "" {
			return fmt.Errorf("indicator.chip is required when indicator.enable is true")
		}
		if cfg.Indicator.Line < 0 {
			return fmt.Errorf("indicator.line must be >= 0")
		}
	}
	if cfg.Realtime.Nice < -20 || cfg.Realtime.Nice > 19 {
		return fmt.Errorf("realtime.nice must be within -20..19")
	}
	if cfg.Log.DebugEvery <= 0 {
		cfg.Log.DebugEvery = 100
	}
	return nil
}

// Control maps the file layout onto the controller's configuration.
// Channels and callbacks are left for the caller to fill in.
func (cfg Config) Control() control.Config {
	cc := control.Config{
		Loops: control.LoopSet{
			Roll:     cfg.Loops.Roll.PID(),
			Pitch:    cfg.Loops.Pitch.PID(),
			Yaw:      cfg.Loops.Yaw.PID(),
			Thrust:   cfg.Loops.Thrust.PID(),
			Position: cfg.Loops.Position.PID(),
			Velocity: cfg.Loops.Velocity.PID(),
		},
		Gate: gate.Config{
			MinStep:      cfg.Gate.MinStep,
			MaxStep:      cfg.Gate.MaxStep,
			WarmupFrames: cfg.Gate.WarmupFrames,
		},
		QuatTolerance:       cfg.Pose.QuatTolerance,
		VelocityLimit:       cfg.Cascade.VelocityLimit,
		ThrustBias:          cfg.Cascade.ThrustBias,
		ThrustMin:           cfg.Cascade.ThrustMin,
		ThrustMax:           cfg.Cascade.ThrustMax,
		YawCap:              cfg.Cascade.YawCap,
		RollPitchScale:      cfg.Cascade.RollPitchScale,
		RollPitchCap:        cfg.Cascade.RollPitchCap,
		UseVelocitySetpoint: cfg.Cascade.UseVelocitySetpoint,
		MinDt:               cfg.Cascade.MinDt,
	}
	if cfg.Log.Debug {
		cc.DebugEvery = cfg.Log.DebugEvery
	}
	return cc
}
