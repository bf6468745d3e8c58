// Package store holds the latest value of every telemetry parameter and
// fans updates out to subscribers.
package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"diu-telemetry/logging"
)

type Source uint8

const (
	SourceBus Source = iota
	SourceSimulation
	SourceManual
)

func (s Source) String() string {
	switch s {
	case SourceBus:
		return "bus"
	case SourceSimulation:
		return "simulation"
	case SourceManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Value is the latest state of one parameter or array element. Subscribers
// and readers always get a copy.
type Value struct {
	Key        string // parameter name, or base[index] for array elements
	Base       string // array base name, empty for scalars
	Index      int    // -1 for scalars
	Value      float64
	Unit       string
	Updated    time.Time
	Source     Source
	OutOfRange bool
}

// Sample is a write request for one parameter.
type Sample struct {
	Value      float64
	Unit       string
	Source     Source
	OutOfRange bool
}

// Callback receives every accepted update. It must not block for long: it
// runs on the producer's goroutine.
type Callback func(key string, v Value)

type Subscription struct {
	ID     uuid.UUID
	cb     Callback
	active atomic.Bool
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

type slot struct {
	v   Value
	set bool
}

type Store struct {
	cat *Catalog
	now func() time.Time
	log *logging.Logger

	mu     sync.RWMutex
	values map[string]Value
	arrays map[string][]slot

	subMu sync.Mutex
	subs  []*Subscription // replaced, never mutated in place

	anomalies atomic.Uint64
	failures  atomic.Uint64
}

// New creates a store over cat. The catalog is sealed: further Add calls fail.
func New(cat *Catalog, opts ...Option) *Store {
	cat.sealed = true
	s := &Store{
		cat:    cat,
		now:    time.Now,
		log:    logging.Discard(),
		values: make(map[string]Value, len(cat.params)),
		arrays: make(map[string][]slot, len(cat.arrays)),
	}
	for name, a := range cat.arrays {
		s.arrays[name] = make([]slot, a.Capacity)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Catalog() *Catalog { return s.cat }

// Update records value for a scalar parameter. An empty unit falls back to
// the unit declared in the catalog.
func (s *Store) Update(key Key, value float64, unit string, src Source) {
	s.UpdateValue(key, Sample{Value: value, Unit: unit, Source: src})
}

func (s *Store) UpdateValue(key Key, in Sample) {
	p, ok := s.cat.params[key.name]
	if !ok {
		s.anomalies.Add(1)
		s.log.Warn("update for undeclared parameter %q dropped", key.name)
		return
	}
	unit := in.Unit
	if unit == "" {
		unit = p.Unit
	}
	v := Value{
		Key:        key.name,
		Index:      -1,
		Value:      in.Value,
		Unit:       unit,
		Source:     in.Source,
		OutOfRange: in.OutOfRange,
	}

	s.mu.Lock()
	v.Updated = s.now()
	s.values[key.name] = v
	s.mu.Unlock()

	s.notify(v)
}

// UpdateIndexed records one array element. Indices outside [0, capacity)
// are dropped and counted as anomalies; it reports whether the write landed.
func (s *Store) UpdateIndexed(base Key, index int, value float64, src Source) bool {
	return s.UpdateIndexedValue(base, index, Sample{Value: value, Source: src})
}

func (s *Store) UpdateIndexedValue(base Key, index int, in Sample) bool {
	a, ok := s.cat.arrays[base.name]
	if !ok {
		s.anomalies.Add(1)
		s.log.Warn("indexed update for undeclared array %q dropped", base.name)
		return false
	}
	if index < 0 || index >= a.Capacity {
		s.anomalies.Add(1)
		s.log.Warn("index %d out of range for %s (capacity %d)", index, base.name, a.Capacity)
		return false
	}
	unit := in.Unit
	if unit == "" {
		unit = a.Unit
	}
	v := Value{
		Key:        ElementName(base, index),
		Base:       base.name,
		Index:      index,
		Value:      in.Value,
		Unit:       unit,
		Source:     in.Source,
		OutOfRange: in.OutOfRange,
	}

	s.mu.Lock()
	v.Updated = s.now()
	s.arrays[base.name][index] = slot{v: v, set: true}
	s.mu.Unlock()

	s.notify(v)
	return true
}

func (s *Store) Get(key Key) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key.name]
	return v, ok
}

func (s *Store) GetIndexed(base Key, index int) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	elems, ok := s.arrays[base.name]
	if !ok || index < 0 || index >= len(elems) || !elems[index].set {
		return Value{}, false
	}
	return elems[index].v, true
}

// Lookup resolves name through the catalog and returns its latest value.
func (s *Store) Lookup(name string) (Value, bool) {
	k, err := s.cat.Key(name)
	if err != nil {
		return Value{}, false
	}
	return s.Get(k)
}

// Capacity returns the declared capacity of an array parameter.
func (s *Store) Capacity(base Key) (int, bool) {
	a, ok := s.cat.arrays[base.name]
	if !ok {
		return 0, false
	}
	return a.Capacity, true
}

// Arrays publishes array names and capacities, e.g. for rendering.
func (s *Store) Arrays() map[string]int {
	out := make(map[string]int, len(s.cat.arrays))
	for name, a := range s.cat.arrays {
		out[name] = a.Capacity
	}
	return out
}

// Snapshot copies every written scalar and array element, sorted by key.
func (s *Store) Snapshot() []Value {
	s.mu.RLock()
	out := make([]Value, 0, len(s.values))
	for _, v := range s.values {
		out = append(out, v)
	}
	for _, elems := range s.arrays {
		for _, e := range elems {
			if e.set {
				out = append(out, e.v)
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Base != out[j].Base {
			return out[i].Base < out[j].Base
		}
		if out[i].Base != "" {
			return out[i].Index < out[j].Index
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s *Store) Subscribe(cb Callback) *Subscription {
	sub := &Subscription{ID: uuid.New(), cb: cb}
	sub.active.Store(true)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	next := make([]*Subscription, len(s.subs), len(s.subs)+1)
	copy(next, s.subs)
	s.subs = append(next, sub)
	return sub
}

// Unsubscribe removes sub. An update already being dispatched may still
// reach it once; none started afterwards will.
func (s *Store) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.active.Store(false)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	next := make([]*Subscription, 0, len(s.subs))
	for _, x := range s.subs {
		if x != sub {
			next = append(next, x)
		}
	}
	s.subs = next
}

func (s *Store) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

func (s *Store) notify(v Value) {
	s.subMu.Lock()
	subs := s.subs
	s.subMu.Unlock()

	for _, sub := range subs {
		if sub.active.Load() {
			s.call(sub, v)
		}
	}
}

func (s *Store) call(sub *Subscription, v Value) {
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			s.log.Error("subscriber %s panicked on %s: %v", sub.ID, v.Key, r)
		}
	}()
	sub.cb(v.Key, v)
}

// Age is the time since key was last written.
func (s *Store) Age(key Key) (time.Duration, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	return s.now().Sub(v.Updated), true
}

// Stale lists scalar parameters written at least once whose last update is
// older than maxAge, sorted.
func (s *Store) Stale(maxAge time.Duration) []string {
	now := s.now()
	var out []string
	s.mu.RLock()
	for name, v := range s.values {
		if now.Sub(v.Updated) > maxAge {
			out = append(out, name)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Anomalies counts dropped writes: unknown keys and out-of-range indices.
func (s *Store) Anomalies() uint64 { return s.anomalies.Load() }

// SubscriberFailures counts recovered subscriber panics.
func (s *Store) SubscriberFailures() uint64 { return s.failures.Load() }
