package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"diu-telemetry/framelog"
	"diu-telemetry/logging"
	"diu-telemetry/transport"
)

type ReplayOptions struct {
	// Speed scales the recorded gaps between frames: 1 is real time, 2
	// twice as fast. 0 sends back to back.
	Speed float64
	Loop  bool
	// Bus keeps only records captured on that bus. Empty keeps all.
	Bus string
}

// Replayer writes a captured frame log back onto a bus with its original
// timing, so the listener sees the traffic as it was recorded.
type Replayer struct {
	recs []framelog.Record
	w    transport.Writer
	opts ReplayOptions
	log  *logging.Logger
	driver

	sent, failed, passes atomic.Uint64
}

func NewReplayer(recs []framelog.Record, w transport.Writer, opts ReplayOptions, log *logging.Logger) (*Replayer, error) {
	if opts.Speed < 0 || math.IsNaN(opts.Speed) {
		return nil, fmt.Errorf("replay: speed must not be negative, got %v", opts.Speed)
	}
	var keep []framelog.Record
	for _, r := range recs {
		if opts.Bus == "" || r.Bus == opts.Bus {
			keep = append(keep, r)
		}
	}
	if len(keep) == 0 {
		return nil, errors.New("replay: no frames to send")
	}
	slices.SortStableFunc(keep, func(a, b framelog.Record) int { return a.Time.Compare(b.Time) })
	return &Replayer{recs: keep, w: w, opts: opts, log: log.With("replay")}, nil
}

func (rp *Replayer) Start(ctx context.Context) error { return rp.start(ctx, rp.Run) }
func (rp *Replayer) Stop() error                     { return rp.stop() }
func (rp *Replayer) Running() bool                   { return rp.running() }
func (rp *Replayer) Wait() error                     { return rp.wait() }

func (rp *Replayer) Sent() uint64   { return rp.sent.Load() }
func (rp *Replayer) Failed() uint64 { return rp.failed.Load() }

// Passes counts complete runs through the log.
func (rp *Replayer) Passes() uint64 { return rp.passes.Load() }

// Run sends the log once, or until ctx ends when looping. A closed
// transport ends it quietly.
func (rp *Replayer) Run(ctx context.Context) error {
	span := rp.recs[len(rp.recs)-1].Time.Sub(rp.recs[0].Time)
	rp.log.Info("replaying %d frames spanning %v at %gx", len(rp.recs), span, rp.opts.Speed)
	for {
		begin, first := time.Now(), rp.recs[0].Time
		for _, rec := range rp.recs {
			if rp.opts.Speed > 0 {
				due := begin.Add(time.Duration(float64(rec.Time.Sub(first)) / rp.opts.Speed))
				if err := sleepUntil(ctx, due); err != nil {
					return rp.stopped(err)
				}
			} else if err := ctx.Err(); err != nil {
				return rp.stopped(err)
			}
			if err := rp.w.WriteFrame(ctx, rec.Frame); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return rp.stopped(nil)
				}
				if ctx.Err() != nil {
					return rp.stopped(ctx.Err())
				}
				rp.failed.Add(1)
				rp.log.Warn("write %s: %v", transport.FormatFrame(rec.Frame), err)
				continue
			}
			rp.sent.Add(1)
		}
		rp.passes.Add(1)
		if !rp.opts.Loop {
			return rp.stopped(nil)
		}
	}
}

func (rp *Replayer) stopped(err error) error {
	rp.log.Info("stopped. frames_sent=%d failed=%d passes=%d", rp.sent.Load(), rp.failed.Load(), rp.passes.Load())
	return err
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
