package ingest

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"diu-telemetry/config"
	"diu-telemetry/logging"
	"diu-telemetry/store"
)

var defaultBounds = store.Bounds{Min: 0, Max: 100}

type SimOptions struct {
	RateHz float64
	Mode   string // config.SimRandom or config.SimScenario
	Seed   uint64 // 0 picks a random seed
	Step   float64
	Bounds map[string]store.Bounds
	// Scenario segments override the random walk for the parameters they
	// name while active; the clock wraps at the last segment end.
	Scenario []config.Segment
}

// SimOptionsFrom maps the simulator section of the config file.
func SimOptionsFrom(c config.SimulatorConfig) SimOptions {
	o := SimOptions{
		RateHz:   c.RateHz,
		Mode:     c.Mode,
		Seed:     c.Seed,
		Step:     c.Step,
		Bounds:   map[string]store.Bounds{},
		Scenario: c.Scenario,
	}
	for k, b := range c.Bounds {
		if len(b) == 2 {
			o.Bounds[k] = store.Bounds{Min: b[0], Max: b[1]}
		}
	}
	return o
}

type simTarget struct {
	key    store.Key
	name   string
	index  int // -1 for scalars
	bounds store.Bounds
	value  float64
}

// Simulator writes a value for every fed parameter and array element on
// each tick, tagged source=simulation. Derived parameters are recomputed
// from the simulated arrays.
type Simulator struct {
	router  *Router
	st      *store.Store
	opts    SimOptions
	log     *logging.Logger
	rng     *rand.Rand
	targets []*simTarget
	byName  map[string][]*simTarget
	arrays  []store.Key
	period  time.Duration
	wrap    time.Duration
	driver

	stepMu sync.Mutex // serialises Step between Run and direct callers

	ticks atomic.Uint64
}

func NewSimulator(router *Router, opts SimOptions, log *logging.Logger) (*Simulator, error) {
	if opts.RateHz <= 0 || math.IsInf(opts.RateHz, 0) || math.IsNaN(opts.RateHz) {
		return nil, fmt.Errorf("simulator: rate must be positive, got %v", opts.RateHz)
	}
	if opts.Step <= 0 {
		opts.Step = 0.05
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	s := &Simulator{
		router: router,
		st:     router.Store(),
		opts:   opts,
		log:    log.With("simulator"),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		byName: map[string][]*simTarget{},
		period: time.Duration(float64(time.Second) / opts.RateHz),
	}

	cat := s.st.Catalog()
	routes := router.Routes()
	for _, p := range cat.Params() {
		if routes.Derived(p.Key) {
			continue
		}
		s.add(&simTarget{key: p.Key, name: p.Key.String(), index: -1, bounds: s.bounds(p.Key.String(), p.Bounds)}, p.Key.String())
	}
	for _, a := range cat.Arrays() {
		s.arrays = append(s.arrays, a.Key)
		b := s.bounds(a.Key.String(), a.Bounds)
		for i := 0; i < a.Capacity; i++ {
			name := store.ElementName(a.Key, i)
			s.add(&simTarget{key: a.Key, name: name, index: i, bounds: s.bounds(name, &b)}, a.Key.String(), name)
		}
	}

	switch opts.Mode {
	case config.SimRandom, "":
	case config.SimScenario:
		if err := s.checkScenario(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("simulator: unknown mode %q", opts.Mode)
	}
	return s, nil
}

func (s *Simulator) add(t *simTarget, names ...string) {
	t.value = (t.bounds.Min + t.bounds.Max) / 2
	s.targets = append(s.targets, t)
	for _, n := range names {
		s.byName[n] = append(s.byName[n], t)
	}
}

func (s *Simulator) bounds(name string, declared *store.Bounds) store.Bounds {
	if b, ok := s.opts.Bounds[name]; ok {
		return b
	}
	if declared != nil {
		return *declared
	}
	return defaultBounds
}

func (s *Simulator) checkScenario() error {
	if len(s.opts.Scenario) == 0 {
		return fmt.Errorf("simulator: scenario mode needs segments")
	}
	for i, seg := range s.opts.Scenario {
		if seg.End <= seg.Start {
			return fmt.Errorf("simulator: segment %d ends before it starts", i)
		}
		if seg.End > s.wrap {
			s.wrap = seg.End
		}
		for name := range seg.Values {
			if _, ok := s.byName[name]; !ok {
				return fmt.Errorf("simulator: segment %d: %w", i, unknownTarget(name))
			}
		}
		for name := range seg.RampTo {
			if _, ok := seg.Values[name]; !ok {
				return fmt.Errorf("simulator: segment %d: ramp_to %q has no start value", i, name)
			}
		}
	}
	return nil
}

func unknownTarget(name string) error {
	if base, idx, ok := strings.Cut(name, "["); ok {
		if _, err := strconv.Atoi(strings.TrimSuffix(idx, "]")); err == nil {
			return fmt.Errorf("%w: element %s of %q", store.ErrUnknownKey, idx, base)
		}
	}
	return fmt.Errorf("%w: %q", store.ErrUnknownKey, name)
}

func (s *Simulator) Start(ctx context.Context) error { return s.start(ctx, s.Run) }
func (s *Simulator) Stop() error                     { return s.stop() }
func (s *Simulator) Running() bool                   { return s.running() }
func (s *Simulator) Wait() error                     { return s.wait() }

// Ticks counts completed simulation steps.
func (s *Simulator) Ticks() uint64 { return s.ticks.Load() }

// Run emits one step per tick until ctx ends. Nothing is written between
// ticks.
func (s *Simulator) Run(ctx context.Context) error {
	s.log.Info("simulating %d values at %.1f Hz (mode=%s)", len(s.targets), s.opts.RateHz, s.mode())
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopped after %d ticks", s.ticks.Load())
			return ctx.Err()
		case now := <-ticker.C:
			s.Step(now.Sub(start))
		}
	}
}

func (s *Simulator) mode() string {
	if s.opts.Mode == "" {
		return config.SimRandom
	}
	return s.opts.Mode
}

// Step advances the simulation to elapsed and writes every value once. It
// may be called while Run is active.
func (s *Simulator) Step(elapsed time.Duration) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	scripted := s.scripted(elapsed)
	for _, t := range s.targets {
		if v, ok := scripted[t]; ok {
			t.value = v
		} else {
			t.value = s.walk(t)
		}
		if t.index < 0 {
			s.st.Update(t.key, t.value, "", store.SourceSimulation)
		} else {
			s.st.UpdateIndexed(t.key, t.index, t.value, store.SourceSimulation)
		}
	}
	for _, a := range s.arrays {
		s.router.Refresh(a, store.SourceSimulation)
	}
	s.ticks.Add(1)
}

func (s *Simulator) walk(t *simTarget) float64 {
	span := t.bounds.Max - t.bounds.Min
	v := t.value + (s.rng.Float64()*2-1)*s.opts.Step*span
	// reflect at the bounds
	if v > t.bounds.Max {
		v = 2*t.bounds.Max - v
	}
	if v < t.bounds.Min {
		v = 2*t.bounds.Min - v
	}
	return math.Max(t.bounds.Min, math.Min(t.bounds.Max, v))
}

func (s *Simulator) scripted(elapsed time.Duration) map[*simTarget]float64 {
	if s.opts.Mode != config.SimScenario || s.wrap <= 0 {
		return nil
	}
	t := elapsed % s.wrap
	out := map[*simTarget]float64{}
	for _, seg := range s.opts.Scenario {
		if t < seg.Start || t >= seg.End {
			continue
		}
		frac := float64(t-seg.Start) / float64(seg.End-seg.Start)
		for name, v := range seg.Values {
			if to, ok := seg.RampTo[name]; ok {
				v += (to - v) * frac
			}
			for _, tgt := range s.byName[name] {
				out[tgt] = v
			}
		}
	}
	return out
}
