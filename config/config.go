// Package config defines the YAML configuration of the telemetry daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of telemetry.yml.
type Config struct {
	Schema     string          `yaml:"schema"` // .dbc or .csv, relative to the config file
	Log        LogConfig       `yaml:"log"`
	Buses      []BusConfig     `yaml:"buses"`
	Simulator  SimulatorConfig `yaml:"simulator"`
	Recorder   RecorderConfig  `yaml:"recorder"`
	Capture    CaptureConfig   `yaml:"capture"`
	Replay     ReplayConfig    `yaml:"replay"`
	StaleAfter time.Duration   `yaml:"stale_after"` // 0 disables the staleness check
	Mapping    Mapping         `yaml:"mapping"`
	Contexts   []ContextConfig `yaml:"contexts"`
	Context    ContextSwitch   `yaml:"context"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Stdout bool   `yaml:"stdout"`
}

const (
	TransportSocketCAN = "socketcan"
	TransportSLCAN     = "slcan"
	TransportLoopback  = "loopback"
)

type BusConfig struct {
	Name        string `yaml:"name"`
	Transport   string `yaml:"transport"`
	Interface   string `yaml:"interface"` // socketcan: can0, vcan0
	Port        string `yaml:"port"`      // slcan: /dev/ttyACM0
	Baud        int    `yaml:"baud"`
	Bitrate     int    `yaml:"bitrate"`
	TraceFrames bool   `yaml:"trace_frames"`
}

const (
	SimRandom   = "random"
	SimScenario = "scenario"
	SimFrames   = "frames"
)

type SimulatorConfig struct {
	Enabled bool    `yaml:"enabled"`
	RateHz  float64 `yaml:"rate_hz"`
	Mode    string  `yaml:"mode"`
	Seed    uint64  `yaml:"seed"`
	// Step is the largest random walk move per tick, as a fraction of the
	// parameter's range.
	Step     float64              `yaml:"step"`
	Bounds   map[string][]float64 `yaml:"bounds"`
	Scenario []Segment            `yaml:"scenario"`
	// Bus names the loopback bus frames are written to in frames mode.
	Bus string `yaml:"bus"`
}

// Segment holds parameter values over [Start, End) of the scenario clock.
// Values ramp linearly to RampTo when it is set.
type Segment struct {
	Start  time.Duration      `yaml:"start"`
	End    time.Duration      `yaml:"end"`
	Values map[string]float64 `yaml:"values"`
	RampTo map[string]float64 `yaml:"ramp_to"`
}

type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	Queue         int           `yaml:"queue"`
	Batch         int           `yaml:"batch"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// CaptureConfig appends every frame received on any bus to a candump log.
type CaptureConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ReplayConfig plays a candump log onto a configured bus. Speed scales the
// recorded gaps: 2 plays twice as fast, 0 sends without pauses.
type ReplayConfig struct {
	Enabled bool    `yaml:"enabled"`
	Path    string  `yaml:"path"`
	Bus     string  `yaml:"bus"`
	Speed   float64 `yaml:"speed"`
	Loop    bool    `yaml:"loop"`
	// Source keeps only records captured on this bus name.
	Source string `yaml:"source"`
}

// Mapping binds schema signals to store parameters.
type Mapping struct {
	ExposeAll  bool           `yaml:"expose_all"`
	Parameters []ParamBinding `yaml:"parameters"`
	Arrays     []ArrayBinding `yaml:"arrays"`
	Derived    []Derived      `yaml:"derived"`
}

type ParamBinding struct {
	Name    string `yaml:"name"`
	Message string `yaml:"message"`
	Signal  string `yaml:"signal"`
	Unit    string `yaml:"unit"`
	// Gain multiplies the decoded value, e.g. -0.001 for Wh -> kWh discharged.
	Gain *float64 `yaml:"gain"`
	// Round keeps this many decimals when set.
	Round *int `yaml:"round"`
	// RejectAbove drops decoded values at or above the limit.
	RejectAbove *float64 `yaml:"reject_above"`
	// LatchOnZero copies the previous value into this parameter when the
	// signal falls to zero (last lap time).
	LatchOnZero string `yaml:"latch_on_zero"`
}

// ArrayBinding fills an array either from signals whose names carry the
// element index (Pattern) or from one index signal plus value signals
// (IndexSignal, ValueSignals): element = index*len(ValueSignals)+i.
type ArrayBinding struct {
	Name         string   `yaml:"name"`
	Capacity     int      `yaml:"capacity"`
	Unit         string   `yaml:"unit"`
	Pattern      string   `yaml:"pattern"`
	IndexBase    int      `yaml:"index_base"`
	Message      string   `yaml:"message"`
	IndexSignal  string   `yaml:"index_signal"`
	ValueSignals []string `yaml:"value_signals"`
}

const (
	StatMin  = "min"
	StatMax  = "max"
	StatMean = "mean"
)

// Derived is a scalar computed from an array after each element update.
type Derived struct {
	Name  string `yaml:"name"`
	Array string `yaml:"array"`
	Stat  string `yaml:"stat"`
}

type ContextConfig struct {
	Name string   `yaml:"name"`
	Keys []string `yaml:"keys"`
}

// ContextSwitch follows a drive mode parameter.
type ContextSwitch struct {
	Initial string         `yaml:"initial"`
	Follow  string         `yaml:"follow"`
	Modes   map[int]string `yaml:"modes"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Stdout: true},
		Simulator: SimulatorConfig{
			RateHz: 10,
			Mode:   SimRandom,
			Step:   0.05,
		},
		Recorder: RecorderConfig{
			Path:          "telemetry.db",
			Queue:         1024,
			Batch:         64,
			FlushInterval: 500 * time.Millisecond,
		},
		Capture: CaptureConfig{Path: "frames.log", FlushInterval: time.Second},
		Replay:  ReplayConfig{Speed: 1},
	}
}

// Load reads path over the defaults and validates it. Relative file paths
// inside are resolved against the config file's directory.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	cfg.Schema = resolve(dir, cfg.Schema)
	if cfg.Log.File != "" {
		cfg.Log.File = resolve(dir, cfg.Log.File)
	}
	cfg.Recorder.Path = resolve(dir, cfg.Recorder.Path)
	cfg.Capture.Path = resolve(dir, cfg.Capture.Path)
	cfg.Replay.Path = resolve(dir, cfg.Replay.Path)
	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	for i := range cfg.Buses {
		bus := &cfg.Buses[i]
		if bus.Name == "" {
			bus.Name = fmt.Sprintf("bus%d", i)
		}
		if bus.Transport == TransportSLCAN {
			if bus.Baud == 0 {
				bus.Baud = 115200
			}
			if bus.Bitrate == 0 {
				bus.Bitrate = 500000
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structure only; names are resolved against the schema
// when the mapping is compiled.
func (c *Config) Validate() error {
	var errs []error
	if c.Schema == "" {
		errs = append(errs, errors.New("schema: path required"))
	}

	names := map[string]bool{}
	for _, b := range c.Buses {
		if names[b.Name] {
			errs = append(errs, fmt.Errorf("buses: duplicate name %q", b.Name))
		}
		names[b.Name] = true
		switch b.Transport {
		case TransportSocketCAN:
			if b.Interface == "" {
				errs = append(errs, fmt.Errorf("buses.%s: interface required", b.Name))
			}
		case TransportSLCAN:
			if b.Port == "" {
				errs = append(errs, fmt.Errorf("buses.%s: port required", b.Name))
			}
		case TransportLoopback:
		default:
			errs = append(errs, fmt.Errorf("buses.%s: unknown transport %q", b.Name, b.Transport))
		}
	}

	sim := c.Simulator
	if sim.Enabled {
		if sim.RateHz <= 0 {
			errs = append(errs, fmt.Errorf("simulator.rate_hz: must be positive, got %v", sim.RateHz))
		}
		switch sim.Mode {
		case SimRandom, SimScenario:
		case SimFrames:
			if !names[sim.Bus] {
				errs = append(errs, fmt.Errorf("simulator.bus: %q is not a configured bus", sim.Bus))
			}
		default:
			errs = append(errs, fmt.Errorf("simulator.mode: unknown %q", sim.Mode))
		}
		if sim.Mode == SimScenario && len(sim.Scenario) == 0 {
			errs = append(errs, errors.New("simulator.scenario: no segments"))
		}
	}
	for k, b := range sim.Bounds {
		if len(b) != 2 || b[0] > b[1] {
			errs = append(errs, fmt.Errorf("simulator.bounds.%s: want [min, max]", k))
		}
	}
	for i, seg := range sim.Scenario {
		if seg.End <= seg.Start {
			errs = append(errs, fmt.Errorf("simulator.scenario[%d]: end must be after start", i))
		}
	}

	if c.Recorder.Enabled {
		if c.Recorder.Queue <= 0 || c.Recorder.Batch <= 0 {
			errs = append(errs, errors.New("recorder: queue and batch must be positive"))
		}
	}
	if c.Capture.Enabled && c.Capture.Path == "" {
		errs = append(errs, errors.New("capture.path: required"))
	}
	if rp := c.Replay; rp.Enabled {
		if rp.Path == "" {
			errs = append(errs, errors.New("replay.path: required"))
		}
		if !names[rp.Bus] {
			errs = append(errs, fmt.Errorf("replay.bus: %q is not a configured bus", rp.Bus))
		}
		if rp.Speed < 0 {
			errs = append(errs, fmt.Errorf("replay.speed: must not be negative, got %v", rp.Speed))
		}
	}
	if c.StaleAfter < 0 {
		errs = append(errs, errors.New("stale_after: must not be negative"))
	}

	for _, p := range c.Mapping.Parameters {
		if p.Name == "" || p.Message == "" || p.Signal == "" {
			errs = append(errs, fmt.Errorf("mapping.parameters: %q needs name, message and signal", p.Name))
		}
	}
	for _, a := range c.Mapping.Arrays {
		if a.Name == "" || a.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("mapping.arrays: %q needs name and positive capacity", a.Name))
		}
		byPattern := a.Pattern != ""
		byIndex := a.IndexSignal != "" || len(a.ValueSignals) > 0
		if byPattern == byIndex {
			errs = append(errs, fmt.Errorf("mapping.arrays.%s: set either pattern or index_signal/value_signals", a.Name))
		}
		if byIndex && (a.Message == "" || a.IndexSignal == "" || len(a.ValueSignals) == 0) {
			errs = append(errs, fmt.Errorf("mapping.arrays.%s: index binding needs message, index_signal and value_signals", a.Name))
		}
	}
	for _, d := range c.Mapping.Derived {
		switch d.Stat {
		case StatMin, StatMax, StatMean:
		default:
			errs = append(errs, fmt.Errorf("mapping.derived.%s: unknown stat %q", d.Name, d.Stat))
		}
	}

	ctxNames := map[string]bool{}
	for _, cc := range c.Contexts {
		if cc.Name == "" || ctxNames[cc.Name] {
			errs = append(errs, fmt.Errorf("contexts: empty or duplicate name %q", cc.Name))
		}
		ctxNames[cc.Name] = true
	}
	if c.Context.Initial != "" && !ctxNames[c.Context.Initial] {
		errs = append(errs, fmt.Errorf("context.initial: unknown context %q", c.Context.Initial))
	}
	if c.Context.Follow != "" && len(c.Contexts) == 0 {
		errs = append(errs, errors.New("context.follow: no contexts defined"))
	}
	for mode, name := range c.Context.Modes {
		if !ctxNames[name] {
			errs = append(errs, fmt.Errorf("context.modes.%d: unknown context %q", mode, name))
		}
	}
	return errors.Join(errs...)
}
