package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"diu-telemetry/codec"
	"diu-telemetry/logging"
	"diu-telemetry/schema"
	"diu-telemetry/transport"
)

type FrameSimOptions struct {
	RateHz   float64
	Seed     uint64
	Step     float64
	Messages []string // empty: every message in the table
}

type walkSignal struct {
	name     string
	min, max float64
	value    float64
}

type walkMessage struct {
	id      uint32
	name    string
	signals []*walkSignal
}

// FrameSimulator synthesises whole CAN frames from the schema and writes
// them to a bus, so the listener, codec and transport see realistic traffic.
type FrameSimulator struct {
	reg  *schema.Registry
	w    transport.Writer
	opts FrameSimOptions
	log  *logging.Logger
	rng  *rand.Rand
	msgs []*walkMessage
	driver

	stepMu sync.Mutex

	sent, failed atomic.Uint64
}

func NewFrameSimulator(reg *schema.Registry, w transport.Writer, opts FrameSimOptions, log *logging.Logger) (*FrameSimulator, error) {
	if opts.RateHz <= 0 {
		return nil, fmt.Errorf("frame simulator: rate must be positive, got %v", opts.RateHz)
	}
	if opts.Step <= 0 {
		opts.Step = 0.05
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	fs := &FrameSimulator{
		reg:  reg,
		w:    w,
		opts: opts,
		log:  log.With("framesim"),
		rng:  rand.New(rand.NewPCG(seed, ^seed)),
	}

	table := reg.Load()
	var msgs []*schema.MessageSpec
	if len(opts.Messages) == 0 {
		msgs = table.Messages()
	} else {
		for _, name := range opts.Messages {
			m, ok := table.MessageByName(name)
			if !ok {
				return nil, fmt.Errorf("frame simulator: %w: %q", codec.ErrUnknownMessage, name)
			}
			msgs = append(msgs, m)
		}
	}
	for _, m := range msgs {
		wm := &walkMessage{id: m.ID, name: m.Name}
		for i := range m.Signals {
			lo, hi := encodable(&m.Signals[i])
			wm.signals = append(wm.signals, &walkSignal{name: m.Signals[i].Name, min: lo, max: hi, value: (lo + hi) / 2})
		}
		fs.msgs = append(fs.msgs, wm)
	}
	return fs, nil
}

// encodable is the physical interval a signal can carry, narrowed to its
// valid range when one is declared.
func encodable(s *schema.SignalSpec) (float64, float64) {
	var rawLo, rawHi float64
	if s.Signed {
		rawLo, rawHi = -math.Ldexp(1, int(s.BitLength)-1), maxRaw(int(s.BitLength)-1)
	} else {
		rawLo, rawHi = 0, maxRaw(int(s.BitLength))
	}
	lo, hi := rawLo*s.Scale+s.Offset, rawHi*s.Scale+s.Offset
	if lo > hi {
		lo, hi = hi, lo
	}
	if s.Valid != nil {
		lo, hi = math.Max(lo, s.Valid.Min), math.Min(hi, s.Valid.Max)
	}
	if lo > hi {
		// declared range lies outside what the bits can hold
		return rawLo*s.Scale + s.Offset, rawLo*s.Scale + s.Offset
	}
	return lo, hi
}

// maxRaw is the largest float64 strictly below 2^bits that is still an
// integer; beyond 2^53 the -1 is lost to rounding.
func maxRaw(bits int) float64 {
	if bits > 52 {
		return math.Nextafter(math.Ldexp(1, bits), 0)
	}
	return math.Ldexp(1, bits) - 1
}

func (fs *FrameSimulator) Start(ctx context.Context) error { return fs.start(ctx, fs.Run) }
func (fs *FrameSimulator) Stop() error                     { return fs.stop() }
func (fs *FrameSimulator) Running() bool                   { return fs.running() }
func (fs *FrameSimulator) Wait() error                     { return fs.wait() }

// Sent and Failed count frames written and frames that could not be
// encoded or written.
func (fs *FrameSimulator) Sent() uint64   { return fs.sent.Load() }
func (fs *FrameSimulator) Failed() uint64 { return fs.failed.Load() }

func (fs *FrameSimulator) Run(ctx context.Context) error {
	fs.log.Info("sending %d messages at %.1f Hz", len(fs.msgs), fs.opts.RateHz)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fs.opts.RateHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fs.log.Info("stopped. frames_sent=%d failed=%d", fs.sent.Load(), fs.failed.Load())
			return ctx.Err()
		case <-ticker.C:
			if err := fs.Step(ctx); err != nil {
				return err
			}
		}
	}
}

// Step writes one frame per message. Only a closed transport ends the loop.
// Calls are serialised, so Step is safe alongside Run.
func (fs *FrameSimulator) Step(ctx context.Context) error {
	fs.stepMu.Lock()
	defer fs.stepMu.Unlock()
	table := fs.reg.Load()
	for _, m := range fs.msgs {
		values := make(map[string]float64, len(m.signals))
		for _, s := range m.signals {
			s.value = fs.walk(s)
			values[s.name] = s.value
		}
		f, err := codec.Encode(table, m.id, values)
		if err != nil {
			fs.failed.Add(1)
			fs.log.Warn("encode %s: %v", m.name, err)
			continue
		}
		if err := fs.w.WriteFrame(ctx, f); err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return err
			}
			fs.failed.Add(1)
			fs.log.Warn("write %s: %v", transport.FormatFrame(f), err)
			continue
		}
		fs.sent.Add(1)
	}
	return nil
}

func (fs *FrameSimulator) walk(s *walkSignal) float64 {
	v := s.value + (fs.rng.Float64()*2-1)*fs.opts.Step*(s.max-s.min)
	return math.Max(s.min, math.Min(s.max, v))
}
