// Package ingest turns decoded CAN signals into store updates: it compiles
// the signal mapping, runs the bus listeners and the simulators.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"

	"diu-telemetry/config"
	"diu-telemetry/schema"
	"diu-telemetry/store"
)

var ErrMapping = errors.New("ingest: invalid mapping")

type scalarRoute struct {
	signal      string
	key         store.Key
	gain        float64
	round       int // -1: no rounding
	rejectAbove *float64
	latch       store.Key
}

type elementRoute struct {
	signal string
	base   store.Key
	index  int
}

type groupRoute struct {
	base        store.Key
	indexSignal string
	values      []string
}

type messageRoute struct {
	name     string
	scalars  []scalarRoute
	elements []elementRoute
	groups   []groupRoute
	arrays   []store.Key // arrays touched, for derived refresh
}

type derivedRoute struct {
	key  store.Key
	stat string
}

// Binding records where a parameter comes from. Bus-fed parameters carry
// their message and signal; derived ones carry the array and stat.
type Binding struct {
	Key     store.Key
	Message string
	Signal  string
	Array   string
	Stat    string
}

// Routes is a compiled mapping for one schema table. It is immutable.
type Routes struct {
	table    *schema.Table
	messages map[uint32]*messageRoute
	derived  map[string][]derivedRoute // by array base name
	bindings []Binding
}

func (r *Routes) Table() *schema.Table { return r.table }

// Bindings lists every parameter in catalog order.
func (r *Routes) Bindings() []Binding { return append([]Binding(nil), r.bindings...) }

// Derived reports whether key is computed from an array rather than fed.
func (r *Routes) Derived(key store.Key) bool {
	for _, ds := range r.derived {
		for _, d := range ds {
			if d.key == key {
				return true
			}
		}
	}
	return false
}

// Compile resolves the mapping against table and builds the parameter
// catalog. Every unknown message or signal is reported.
func Compile(table *schema.Table, m config.Mapping) (*Routes, *store.Catalog, error) {
	c := compiler{
		table: table,
		cat:   store.NewCatalog(),
		routes: &Routes{
			table:    table,
			messages: map[uint32]*messageRoute{},
			derived:  map[string][]derivedRoute{},
		},
		bound: map[string]bool{},
	}
	for _, p := range m.Parameters {
		c.param(p)
	}
	for _, a := range m.Arrays {
		c.array(a)
	}
	if m.ExposeAll {
		c.exposeAll()
	}
	for _, p := range m.Parameters {
		if p.LatchOnZero != "" {
			c.latch(p)
		}
	}
	for _, d := range m.Derived {
		c.derived(d)
	}
	if len(c.errs) > 0 {
		return nil, nil, fmt.Errorf("%w: %w", ErrMapping, errors.Join(c.errs...))
	}
	return c.routes, c.cat, nil
}

type compiler struct {
	table  *schema.Table
	cat    *store.Catalog
	routes *Routes
	bound  map[string]bool // message.signal already routed
	errs   []error
}

func (c *compiler) fail(format string, args ...any) {
	c.errs = append(c.errs, fmt.Errorf(format, args...))
}

func (c *compiler) lookup(msgName, sigName string) (*schema.MessageSpec, *schema.SignalSpec, bool) {
	msg, ok := c.table.MessageByName(msgName)
	if !ok {
		c.fail("unknown message %q", msgName)
		return nil, nil, false
	}
	sig, ok := msg.Signal(sigName)
	if !ok {
		c.fail("message %s has no signal %q", msgName, sigName)
		return nil, nil, false
	}
	return msg, sig, true
}

func (c *compiler) route(msg *schema.MessageSpec) *messageRoute {
	mr, ok := c.routes.messages[msg.ID]
	if !ok {
		mr = &messageRoute{name: msg.Name}
		c.routes.messages[msg.ID] = mr
	}
	return mr
}

func bounds(r *schema.Range, gain float64) *store.Bounds {
	if r == nil {
		return nil
	}
	lo, hi := r.Min*gain, r.Max*gain
	if lo > hi {
		lo, hi = hi, lo
	}
	return &store.Bounds{Min: lo, Max: hi}
}

func (c *compiler) param(p config.ParamBinding) {
	msg, sig, ok := c.lookup(p.Message, p.Signal)
	if !ok {
		return
	}
	sr := scalarRoute{signal: sig.Name, gain: 1, round: -1, rejectAbove: p.RejectAbove}
	if p.Gain != nil {
		if *p.Gain == 0 || math.IsNaN(*p.Gain) || math.IsInf(*p.Gain, 0) {
			c.fail("parameter %q: gain must be finite and non-zero", p.Name)
			return
		}
		sr.gain = *p.Gain
	}
	if p.Round != nil {
		if *p.Round < 0 {
			c.fail("parameter %q: round must not be negative", p.Name)
			return
		}
		sr.round = *p.Round
	}
	unit := p.Unit
	if unit == "" {
		unit = sig.Unit
	}
	key, err := c.cat.AddParam(p.Name, unit, bounds(sig.Valid, sr.gain))
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	sr.key = key
	mr := c.route(msg)
	mr.scalars = append(mr.scalars, sr)
	c.bound[msg.Name+"."+sig.Name] = true
	c.routes.bindings = append(c.routes.bindings, Binding{Key: key, Message: msg.Name, Signal: sig.Name})
}

func (c *compiler) latch(p config.ParamBinding) {
	target, err := c.cat.Key(p.LatchOnZero)
	if err != nil {
		// declared here so the latch target need not be bound to a signal
		target, err = c.cat.AddParam(p.LatchOnZero, p.Unit, nil)
		if err != nil {
			c.errs = append(c.errs, err)
			return
		}
		c.routes.bindings = append(c.routes.bindings, Binding{Key: target})
	} else if _, scalar := c.cat.Param(target); !scalar {
		c.fail("parameter %q: latch target %s is an array", p.Name, p.LatchOnZero)
		return
	}
	msg, ok := c.table.MessageByName(p.Message)
	if !ok {
		return
	}
	mr, ok := c.routes.messages[msg.ID]
	if !ok {
		return
	}
	for i := range mr.scalars {
		if mr.scalars[i].key.String() == p.Name {
			mr.scalars[i].latch = target
		}
	}
}

func (c *compiler) array(a config.ArrayBinding) {
	if a.Pattern != "" {
		c.patternArray(a)
		return
	}
	msg, _, ok := c.lookup(a.Message, a.IndexSignal)
	if !ok {
		return
	}
	var rng *schema.Range
	unit := a.Unit
	for _, v := range a.ValueSignals {
		sig, ok := msg.Signal(v)
		if !ok {
			c.fail("message %s has no signal %q", msg.Name, v)
			return
		}
		rng = union(rng, sig.Valid)
		if unit == "" {
			unit = sig.Unit
		}
		c.bound[msg.Name+"."+v] = true
	}
	c.bound[msg.Name+"."+a.IndexSignal] = true
	key, err := c.cat.AddArray(a.Name, unit, a.Capacity, bounds(rng, 1))
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	mr := c.route(msg)
	mr.groups = append(mr.groups, groupRoute{base: key, indexSignal: a.IndexSignal, values: a.ValueSignals})
	mr.arrays = append(mr.arrays, key)
	c.routes.bindings = append(c.routes.bindings, Binding{Key: key, Message: msg.Name, Signal: a.IndexSignal})
}

func (c *compiler) patternArray(a config.ArrayBinding) {
	re, err := regexp.Compile(a.Pattern)
	if err != nil {
		c.fail("array %q: %v", a.Name, err)
		return
	}
	if re.NumSubexp() < 1 {
		c.fail("array %q: pattern needs a group capturing the index", a.Name)
		return
	}

	type hit struct {
		msg   *schema.MessageSpec
		sig   *schema.SignalSpec
		index int
	}
	var hits []hit
	for _, msg := range c.table.Messages() {
		if a.Message != "" && msg.Name != a.Message {
			continue
		}
		for i := range msg.Signals {
			sig := &msg.Signals[i]
			sub := re.FindStringSubmatch(sig.Name)
			if sub == nil {
				continue
			}
			n, err := strconv.Atoi(sub[1])
			if err != nil {
				c.fail("array %q: signal %s index %q: %v", a.Name, sig.Name, sub[1], err)
				continue
			}
			idx := n - a.IndexBase
			if idx < 0 || idx >= a.Capacity {
				c.fail("array %q: signal %s maps to index %d outside capacity %d", a.Name, sig.Name, idx, a.Capacity)
				continue
			}
			hits = append(hits, hit{msg: msg, sig: sig, index: idx})
		}
	}
	if len(hits) == 0 {
		c.fail("array %q: pattern %q matches no signal", a.Name, a.Pattern)
		return
	}

	var rng *schema.Range
	unit := a.Unit
	seen := map[int]string{}
	for _, h := range hits {
		if prev, dup := seen[h.index]; dup {
			c.fail("array %q: signals %s and %s both map to index %d", a.Name, prev, h.sig.Name, h.index)
		}
		seen[h.index] = h.sig.Name
		rng = union(rng, h.sig.Valid)
		if unit == "" {
			unit = h.sig.Unit
		}
	}
	key, err := c.cat.AddArray(a.Name, unit, a.Capacity, bounds(rng, 1))
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}

	touched := map[*messageRoute]bool{}
	for _, h := range hits {
		mr := c.route(h.msg)
		mr.elements = append(mr.elements, elementRoute{signal: h.sig.Name, base: key, index: h.index})
		if !touched[mr] {
			mr.arrays = append(mr.arrays, key)
			touched[mr] = true
		}
		c.bound[h.msg.Name+"."+h.sig.Name] = true
	}
	c.routes.bindings = append(c.routes.bindings, Binding{Key: key, Signal: a.Pattern})
}

func union(a, b *schema.Range) *schema.Range {
	switch {
	case a == nil:
		if b == nil {
			return nil
		}
		r := *b
		return &r
	case b == nil:
		return a
	}
	return &schema.Range{Min: math.Min(a.Min, b.Min), Max: math.Max(a.Max, b.Max)}
}

// exposeAll binds every signal no explicit binding claimed, under its own name.
func (c *compiler) exposeAll() {
	for _, msg := range c.table.Messages() {
		for i := range msg.Signals {
			sig := &msg.Signals[i]
			if c.bound[msg.Name+"."+sig.Name] {
				continue
			}
			key, err := c.cat.AddParam(sig.Name, sig.Unit, bounds(sig.Valid, 1))
			if err != nil {
				c.fail("expose_all %s.%s: %w", msg.Name, sig.Name, err)
				continue
			}
			mr := c.route(msg)
			mr.scalars = append(mr.scalars, scalarRoute{signal: sig.Name, key: key, gain: 1, round: -1})
			c.routes.bindings = append(c.routes.bindings, Binding{Key: key, Message: msg.Name, Signal: sig.Name})
		}
	}
}

func (c *compiler) derived(d config.Derived) {
	base, err := c.cat.Key(d.Array)
	if err != nil {
		c.fail("derived %q: %w", d.Name, err)
		return
	}
	arr, ok := c.cat.Array(base)
	if !ok {
		c.fail("derived %q: %s is not an array", d.Name, d.Array)
		return
	}
	key, err := c.cat.AddParam(d.Name, arr.Unit, arr.Bounds)
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	c.routes.derived[d.Array] = append(c.routes.derived[d.Array], derivedRoute{key: key, stat: d.Stat})
	c.routes.bindings = append(c.routes.bindings, Binding{Key: key, Array: d.Array, Stat: d.Stat})
}

// SameShape reports whether two catalogs declare the same keys, units and
// capacities. A reloaded schema must compile to the same shape as the
// running store.
func SameShape(a, b *store.Catalog) error {
	an, bn := a.Names(), b.Names()
	if len(an) != len(bn) {
		return fmt.Errorf("%w: %d parameters, running store has %d", ErrMapping, len(bn), len(an))
	}
	var diffs []string
	for i := range an {
		if an[i] != bn[i] {
			diffs = append(diffs, fmt.Sprintf("%s/%s", an[i], bn[i]))
			continue
		}
		ka, _ := a.Key(an[i])
		kb, _ := b.Key(bn[i])
		aa, aIsArr := a.Array(ka)
		ba, bIsArr := b.Array(kb)
		if aIsArr != bIsArr || aa.Capacity != ba.Capacity || aa.Unit != ba.Unit {
			diffs = append(diffs, an[i])
			continue
		}
		if !aIsArr {
			ap, _ := a.Param(ka)
			bp, _ := b.Param(kb)
			if ap.Unit != bp.Unit {
				diffs = append(diffs, an[i])
			}
		}
	}
	if len(diffs) > 0 {
		sort.Strings(diffs)
		return fmt.Errorf("%w: parameters differ from running store: %v", ErrMapping, diffs)
	}
	return nil
}
