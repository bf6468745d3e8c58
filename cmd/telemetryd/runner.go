package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"diu-telemetry/config"
	"diu-telemetry/eventctx"
	"diu-telemetry/framelog"
	"diu-telemetry/ingest"
	"diu-telemetry/logging"
	"diu-telemetry/recorder"
	"diu-telemetry/schema"
	"diu-telemetry/store"
	"diu-telemetry/transport"
)

type bus struct {
	name string
	rw   transport.ReadWriter
	loop *transport.Loopback // loopback buses only
}

// Runner wires the schema, store, buses and simulator described by one
// config file.
type Runner struct {
	cfg    *config.Config
	log    *logging.Logger
	reg    *schema.Registry
	st     *store.Store
	router *ingest.Router
	sel    *eventctx.Selector

	buses     []*bus
	listeners []*ingest.Listener
	sim       *ingest.Simulator
	fsim      *ingest.FrameSimulator
	replay    *ingest.Replayer
	rec       *recorder.Recorder
	capture   *framelog.Writer
	subs      []*store.Subscription
	failures  atomic.Uint64
}

func NewRunner(ctx context.Context, cfg *config.Config, log *logging.Logger) (_ *Runner, err error) {
	tbl, err := schema.LoadFile(cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if len(tbl.Skipped) > 0 {
		log.Warn("schema %s: skipped multiplexed signals %v", cfg.Schema, tbl.Skipped)
	}
	routes, cat, err := ingest.Compile(tbl, cfg.Mapping)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg: cfg,
		log: log,
		reg: schema.NewRegistry(tbl),
		st:  store.New(cat, store.WithLogger(log)),
	}
	r.router = ingest.NewRouter(r.st, routes, log)
	log.Info("schema %s: %d messages, %d parameters", cfg.Schema, tbl.Len(), len(cat.Names()))

	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	if err := r.setupContexts(); err != nil {
		return nil, err
	}
	if cfg.Capture.Enabled {
		r.capture, err = framelog.Create(cfg.Capture.Path)
		if err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
		log.Info("capturing frames to %s", cfg.Capture.Path)
	}
	for _, bc := range cfg.Buses {
		b, err := openBus(ctx, bc, log)
		if err != nil {
			return nil, fmt.Errorf("bus %s: %w", bc.Name, err)
		}
		if r.capture != nil {
			b.rw = framelog.Tap(b.rw, b.name, r.capture, log)
		}
		r.buses = append(r.buses, b)
		r.listeners = append(r.listeners, ingest.NewListener(b.name, b.rw, r.reg, r.router, log))
	}
	if cfg.Simulator.Enabled {
		if err := r.setupSimulator(); err != nil {
			return nil, err
		}
	}
	if cfg.Replay.Enabled {
		if err := r.setupReplay(); err != nil {
			return nil, err
		}
	}
	if cfg.Recorder.Enabled {
		rc := cfg.Recorder
		r.rec, err = recorder.Open(rc.Path, recorder.Options{
			Queue:         rc.Queue,
			Batch:         rc.Batch,
			FlushInterval: rc.FlushInterval,
		}, log)
		if err != nil {
			return nil, err
		}
		if err := r.rec.Attach(r.st); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Runner) setupContexts() error {
	if len(r.cfg.Contexts) == 0 {
		return nil
	}
	ctxs := make([]eventctx.Context, 0, len(r.cfg.Contexts))
	for _, c := range r.cfg.Contexts {
		ctxs = append(ctxs, eventctx.Context{Name: c.Name, Keys: c.Keys})
	}
	sel, err := eventctx.New(ctxs, r.cfg.Context.Initial)
	if err != nil {
		return err
	}
	if err := sel.CheckKeys(r.st.Catalog()); err != nil {
		return fmt.Errorf("contexts: %w", err)
	}
	r.sel = sel

	log := r.log.With("display")
	sel.OnChange(func(prev, next string) {
		log.Info("context %s -> %s, showing %s", prev, next, strings.Join(sel.ActiveKeys(), ", "))
	})
	r.subs = append(r.subs, r.st.Subscribe(sel.Filter(func(key string, v store.Value) {
		log.Trace("%s=%.3f %s (%s)", key, v.Value, v.Unit, v.Source)
	})))

	if follow := r.cfg.Context.Follow; follow != "" {
		mode, err := r.st.Catalog().Key(follow)
		if err != nil {
			return fmt.Errorf("context.follow: %w", err)
		}
		r.subs = append(r.subs, eventctx.Follow(r.st, sel, mode, r.cfg.Context.Modes, r.log))
	}
	r.log.Info("context %s active", sel.Active())
	return nil
}

func openBus(ctx context.Context, bc config.BusConfig, log *logging.Logger) (*bus, error) {
	b := &bus{name: bc.Name}
	switch bc.Transport {
	case config.TransportSocketCAN:
		s, err := transport.DialSocketCAN(ctx, bc.Interface)
		if err != nil {
			return nil, err
		}
		b.rw = s
	case config.TransportSLCAN:
		s, err := transport.OpenSLCAN(bc.Port, bc.Baud, bc.Bitrate)
		if err != nil {
			return nil, err
		}
		b.rw = s
	case config.TransportLoopback:
		b.loop = transport.NewLoopback()
		b.rw = b.loop.Open()
	default:
		return nil, fmt.Errorf("unknown transport %q", bc.Transport)
	}
	if bc.TraceFrames {
		b.rw = transport.Logged(b.rw, log.With("bus/"+bc.Name))
	}
	log.Info("bus %s: %s opened", bc.Name, bc.Transport)
	return b, nil
}

func (r *Runner) setupSimulator() error {
	sc := r.cfg.Simulator
	if sc.Mode != config.SimFrames {
		sim, err := ingest.NewSimulator(r.router, ingest.SimOptionsFrom(sc), r.log)
		if err != nil {
			return err
		}
		r.sim = sim
		return nil
	}

	w, err := r.sender(sc.Bus)
	if err != nil {
		return fmt.Errorf("simulator.bus: %w", err)
	}
	fsim, err := ingest.NewFrameSimulator(r.reg, w, ingest.FrameSimOptions{
		RateHz: sc.RateHz,
		Seed:   sc.Seed,
		Step:   sc.Step,
	}, r.log)
	if err != nil {
		return err
	}
	r.fsim = fsim
	return nil
}

// sender returns a writer onto the named bus. On a loopback bus it is a
// second port, so the bus listener receives what is sent.
func (r *Runner) sender(name string) (transport.Writer, error) {
	i := slices.IndexFunc(r.buses, func(b *bus) bool { return b.name == name })
	if i < 0 {
		return nil, fmt.Errorf("%q is not open", name)
	}
	if loop := r.buses[i].loop; loop != nil {
		return loop.Open(), nil
	}
	return r.buses[i].rw, nil
}

func (r *Runner) setupReplay() error {
	rc := r.cfg.Replay
	recs, err := framelog.Load(rc.Path)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	w, err := r.sender(rc.Bus)
	if err != nil {
		return fmt.Errorf("replay.bus: %w", err)
	}
	rp, err := ingest.NewReplayer(recs, w, ingest.ReplayOptions{
		Speed: rc.Speed,
		Loop:  rc.Loop,
		Bus:   rc.Source,
	}, r.log)
	if err != nil {
		return err
	}
	r.replay = rp
	return nil
}

// Run drives every listener, the simulator, the recorder and the
// staleness check until ctx ends. A driver that fails is logged and
// counted while the others keep running. Each value on reload re-reads
// the schema.
func (r *Runner) Run(ctx context.Context, reload <-chan struct{}) error {
	var g errgroup.Group
	for _, l := range r.listeners {
		r.supervise(ctx, &g, "bus "+l.Name(), l.Run)
	}
	if r.sim != nil {
		r.supervise(ctx, &g, "simulator", r.sim.Run)
	}
	if r.fsim != nil {
		r.supervise(ctx, &g, "frame simulator", r.fsim.Run)
	}
	if r.replay != nil {
		r.supervise(ctx, &g, "replay", r.replay.Run)
	}
	if r.rec != nil {
		r.supervise(ctx, &g, "recorder", r.rec.Run)
	}
	if r.capture != nil {
		r.supervise(ctx, &g, "capture", r.flushCapture)
	}
	if r.cfg.StaleAfter > 0 {
		r.supervise(ctx, &g, "staleness check", r.watchStale)
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-reload:
				if err := r.Reload(); err != nil {
					r.log.Error("reload %s: %v", r.cfg.Schema, err)
					continue
				}
				r.log.Info("schema %s reloaded", r.cfg.Schema)
			}
		}
	})
	_ = g.Wait()
	r.report()
	return ctx.Err()
}

// supervise runs fn on g. Only ctx ends the group: an error from fn before
// that is logged and counted, and fn is not restarted.
func (r *Runner) supervise(ctx context.Context, g *errgroup.Group, name string, fn func(context.Context) error) {
	g.Go(func() error {
		err := fn(ctx)
		if err != nil && ctx.Err() == nil {
			r.failures.Add(1)
			r.log.Error("%s stopped: %v", name, err)
		}
		return nil
	})
}

// Failures is the number of drivers that stopped with an error before
// Run's context ended.
func (r *Runner) Failures() uint64 { return r.failures.Load() }

// Reload swaps in a freshly loaded schema. The running store keeps its
// parameters, so the new schema must compile to the same catalog.
func (r *Runner) Reload() error {
	var routes *ingest.Routes
	err := r.reg.Reload(
		func() (*schema.Table, error) { return schema.LoadFile(r.cfg.Schema) },
		func(t *schema.Table) error {
			rt, cat, err := ingest.Compile(t, r.cfg.Mapping)
			if err != nil {
				return err
			}
			if err := ingest.SameShape(r.st.Catalog(), cat); err != nil {
				return err
			}
			routes = rt
			return nil
		})
	if err != nil {
		return err
	}
	r.router.Swap(routes)
	return nil
}

func (r *Runner) watchStale(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.StaleAfter)
	defer ticker.Stop()
	var last []string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stale := r.st.Stale(r.cfg.StaleAfter)
			if slices.Equal(stale, last) {
				continue
			}
			last = stale
			if len(stale) == 0 {
				r.log.Info("all parameters fresh")
				continue
			}
			r.log.Warn("no update for %v: %s", r.cfg.StaleAfter, strings.Join(stale, ", "))
		}
	}
}

// flushCapture pushes buffered frames to disk periodically and once more
// on the way out.
func (r *Runner) flushCapture(ctx context.Context) error {
	every := r.cfg.Capture.FlushInterval
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.capture.Flush(); err != nil {
				r.log.Warn("flush capture: %v", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := r.capture.Flush(); err != nil {
				r.log.Warn("flush capture: %v", err)
			}
		}
	}
}

func (r *Runner) report() {
	for _, l := range r.listeners {
		st := l.Stats()
		r.log.Info("bus %s: frames=%d decoded=%d unknown=%d errors=%d",
			l.Name(), st.Frames, st.Decoded, st.Unknown, st.Errors)
	}
	if r.fsim != nil {
		r.log.Info("frame simulator: sent=%d failed=%d", r.fsim.Sent(), r.fsim.Failed())
	}
	if r.rec != nil {
		r.log.Info("recorder: written=%d dropped=%d", r.rec.Written(), r.rec.Dropped())
	}
	if r.replay != nil {
		r.log.Info("replay: sent=%d failed=%d", r.replay.Sent(), r.replay.Failed())
	}
	if r.capture != nil {
		r.log.Info("capture %s: %d frames", r.cfg.Capture.Path, r.capture.Count())
	}
	if n := r.failures.Load(); n > 0 {
		r.log.Warn("%d driver(s) stopped with an error", n)
	}
	r.log.Info("store: anomalies=%d subscriber_failures=%d rejected=%d",
		r.st.Anomalies(), r.st.SubscriberFailures(), r.router.Rejected())
}

func (r *Runner) Close() {
	for _, s := range r.subs {
		r.st.Unsubscribe(s)
	}
	if r.rec != nil {
		if err := r.rec.Close(); err != nil {
			r.log.Warn("close recorder: %v", err)
		}
	}
	for _, b := range r.buses {
		_ = b.rw.Close()
		if b.loop != nil {
			_ = b.loop.Close()
		}
	}
	if r.capture != nil {
		if err := r.capture.Close(); err != nil {
			r.log.Warn("close capture: %v", err)
		}
	}
}
