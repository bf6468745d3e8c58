package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"diu-telemetry/codec"
	"diu-telemetry/logging"
	"diu-telemetry/schema"
	"diu-telemetry/store"
	"diu-telemetry/transport"
)

type ListenerStats struct {
	Frames  uint64 // read from the transport
	Decoded uint64
	Unknown uint64 // ids absent from the schema
	Errors  uint64 // short frames and other decode failures
	Updates uint64 // store writes
	ByID    map[uint32]uint64 // frames read per arbitration id
}

// Listener feeds frames from one bus into the store with source=bus.
type Listener struct {
	name   string
	r      transport.Reader
	reg    *schema.Registry
	router *Router
	log    *logging.Logger
	driver

	frames, decoded, unknown, errs, updates atomic.Uint64

	idMu sync.Mutex
	byID map[uint32]uint64
}

func NewListener(name string, r transport.Reader, reg *schema.Registry, router *Router, log *logging.Logger) *Listener {
	return &Listener{
		name:   name,
		r:      r,
		reg:    reg,
		router: router,
		log:    log.With("listener/" + name),
		byID:   make(map[uint32]uint64),
	}
}

func (l *Listener) Name() string { return l.name }

// Start runs the listener in the background until Stop or ctx ends.
func (l *Listener) Start(ctx context.Context) error { return l.start(ctx, l.Run) }

// Stop cancels the read loop and returns once it has exited.
func (l *Listener) Stop() error { return l.stop() }

func (l *Listener) Running() bool { return l.running() }

// Wait blocks until a started listener exits.
func (l *Listener) Wait() error { return l.wait() }

// Run reads until ctx ends or the transport closes. Decode failures are
// counted and logged, never fatal.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Info("listening")
	defer func() {
		st := l.Stats()
		l.log.Info("stopped. frames=%d decoded=%d unknown=%d errors=%d updates=%d",
			st.Frames, st.Decoded, st.Unknown, st.Errors, st.Updates)
	}()
	for {
		f, err := l.r.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		l.frames.Add(1)
		l.idMu.Lock()
		l.byID[f.ID]++
		l.idMu.Unlock()

		sigs, err := codec.Decode(l.reg.Load(), f)
		switch {
		case errors.Is(err, codec.ErrUnknownMessage):
			l.unknown.Add(1)
			l.log.Debug("dropping %s: %v", transport.FormatFrame(f), err)
			continue
		case err != nil:
			l.errs.Add(1)
			l.log.Warn("dropping %s: %v", transport.FormatFrame(f), err)
			continue
		}
		l.decoded.Add(1)
		if oor := sigs.OutOfRange(); len(oor) > 0 {
			l.log.Debug("0x%X out of range: %v", f.ID, oor)
		}
		l.updates.Add(uint64(l.router.Route(f.ID, sigs, store.SourceBus)))
	}
}

func (l *Listener) Stats() ListenerStats {
	l.idMu.Lock()
	byID := make(map[uint32]uint64, len(l.byID))
	for id, n := range l.byID {
		byID[id] = n
	}
	l.idMu.Unlock()
	return ListenerStats{
		ByID:    byID,
		Frames:  l.frames.Load(),
		Decoded: l.decoded.Load(),
		Unknown: l.unknown.Load(),
		Errors:  l.errs.Load(),
		Updates: l.updates.Load(),
	}
}
