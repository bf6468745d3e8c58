package store

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarises the populated elements of an array parameter.
type Stats struct {
	Count    int
	Capacity int
	Min      float64
	MinIndex int
	Max      float64
	MaxIndex int
	Mean     float64
	StdDev   float64
}

// Spread is Max-Min, e.g. the cell voltage imbalance of a battery pack.
func (st Stats) Spread() float64 { return st.Max - st.Min }

// ArrayStats computes Stats over the elements written so far. ok is false
// for unknown arrays and for arrays with nothing written yet.
func (s *Store) ArrayStats(base Key) (Stats, bool) {
	s.mu.RLock()
	elems, ok := s.arrays[base.name]
	if !ok {
		s.mu.RUnlock()
		return Stats{}, false
	}
	vals := make([]float64, 0, len(elems))
	idx := make([]int, 0, len(elems))
	for i, e := range elems {
		if e.set {
			vals = append(vals, e.v.Value)
			idx = append(idx, i)
		}
	}
	capacity := len(elems)
	s.mu.RUnlock()

	if len(vals) == 0 {
		return Stats{Capacity: capacity}, false
	}
	minI := floats.MinIdx(vals)
	maxI := floats.MaxIdx(vals)
	st := Stats{
		Count:    len(vals),
		Capacity: capacity,
		Min:      vals[minI],
		MinIndex: idx[minI],
		Max:      vals[maxI],
		MaxIndex: idx[maxI],
		Mean:     stat.Mean(vals, nil),
	}
	if len(vals) > 1 {
		st.StdDev = stat.StdDev(vals, nil)
	}
	return st, true
}
