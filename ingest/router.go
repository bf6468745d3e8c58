package ingest

import (
	"math"
	"sync"
	"sync/atomic"

	"diu-telemetry/codec"
	"diu-telemetry/config"
	"diu-telemetry/logging"
	"diu-telemetry/store"
)

// Router applies compiled Routes to a store. Routes can be swapped while
// frames are flowing.
type Router struct {
	st     *store.Store
	routes atomic.Pointer[Routes]
	log    *logging.Logger

	mu   sync.Mutex
	prev map[store.Key]float64 // last value of latching parameters

	rejected atomic.Uint64
}

func NewRouter(st *store.Store, routes *Routes, log *logging.Logger) *Router {
	r := &Router{st: st, log: log.With("router"), prev: map[store.Key]float64{}}
	r.routes.Store(routes)
	return r
}

func (r *Router) Routes() *Routes { return r.routes.Load() }

func (r *Router) Swap(routes *Routes) { r.routes.Store(routes) }

func (r *Router) Store() *store.Store { return r.st }

// Rejected counts values dropped by reject_above limits.
func (r *Router) Rejected() uint64 { return r.rejected.Load() }

// Route forwards every mapped signal of message id to the store and
// refreshes derived parameters of the arrays it touched. It returns the
// number of store writes attempted.
func (r *Router) Route(id uint32, sigs codec.Signals, src store.Source) int {
	mr, ok := r.routes.Load().messages[id]
	if !ok {
		return 0
	}
	n := 0
	for i := range mr.scalars {
		sr := &mr.scalars[i]
		v, ok := sigs[sr.signal]
		if !ok {
			continue
		}
		if sr.rejectAbove != nil && v.Physical >= *sr.rejectAbove {
			r.rejected.Add(1)
			r.log.Debug("%s=%v rejected (limit %v)", sr.key, v.Physical, *sr.rejectAbove)
			continue
		}
		val := transform(v.Physical, sr.gain, sr.round)
		if !sr.latch.IsZero() {
			r.latchOnZero(sr, val, src)
		}
		r.st.UpdateValue(sr.key, store.Sample{Value: val, Source: src, OutOfRange: v.OutOfRange})
		n++
	}
	for _, er := range mr.elements {
		v, ok := sigs[er.signal]
		if !ok {
			continue
		}
		r.st.UpdateIndexedValue(er.base, er.index, store.Sample{Value: v.Physical, Source: src, OutOfRange: v.OutOfRange})
		n++
	}
	for _, g := range mr.groups {
		iv, ok := sigs[g.indexSignal]
		if !ok {
			continue
		}
		group := -1
		if iv.Physical >= 0 && iv.Physical == math.Trunc(iv.Physical) && iv.Physical < math.MaxInt32 {
			group = int(iv.Physical)
		}
		for i, name := range g.values {
			v, ok := sigs[name]
			if !ok {
				continue
			}
			idx := -1
			if group >= 0 {
				idx = group*len(g.values) + i
			}
			r.st.UpdateIndexedValue(g.base, idx, store.Sample{Value: v.Physical, Source: src, OutOfRange: v.OutOfRange})
			n++
		}
	}
	for _, base := range mr.arrays {
		r.Refresh(base, src)
	}
	return n
}

func transform(v, gain float64, round int) float64 {
	v *= gain
	if round >= 0 {
		p := math.Pow(10, float64(round))
		v = math.Round(v*p) / p
	}
	return v
}

func (r *Router) latchOnZero(sr *scalarRoute, val float64, src store.Source) {
	r.mu.Lock()
	prev, seen := r.prev[sr.key]
	r.prev[sr.key] = val
	r.mu.Unlock()
	if seen && val == 0 && prev != 0 {
		r.st.Update(sr.latch, prev, "", src)
	}
}

// Refresh recomputes the derived parameters of array base.
func (r *Router) Refresh(base store.Key, src store.Source) {
	ds := r.routes.Load().derived[base.String()]
	if len(ds) == 0 {
		return
	}
	st, ok := r.st.ArrayStats(base)
	if !ok {
		return
	}
	for _, d := range ds {
		var v float64
		switch d.stat {
		case config.StatMin:
			v = st.Min
		case config.StatMax:
			v = st.Max
		case config.StatMean:
			v = st.Mean
		}
		r.st.Update(d.key, v, "", src)
	}
}
