package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownKey    = errors.New("store: unknown parameter key")
	ErrDuplicateKey  = errors.New("store: duplicate parameter key")
	ErrInvalidKey    = errors.New("store: invalid parameter key")
	ErrCatalogSealed = errors.New("store: catalog already in use")
)

// Key names one parameter (scalar or array base). Keys only come from a
// Catalog, so a misspelled name fails when the catalog is built instead of
// reading back as "absent" later.
type Key struct {
	name string
}

func (k Key) String() string { return k.name }
func (k Key) IsZero() bool   { return k.name == "" }

// Bounds is the expected physical range of a parameter, used by the
// simulator and carried over from the schema.
type Bounds struct {
	Min float64
	Max float64
}

type Param struct {
	Key    Key
	Unit   string
	Bounds *Bounds
}

type Array struct {
	Key      Key
	Unit     string
	Capacity int
	Bounds   *Bounds
}

// ElementName renders the key of one array element, e.g. "cell_voltage[12]".
func ElementName(base Key, index int) string {
	return fmt.Sprintf("%s[%d]", base.name, index)
}

// Catalog is the fixed key space of a Store. Build it completely before
// passing it to New.
type Catalog struct {
	params map[string]*Param
	arrays map[string]*Array
	order  []string
	sealed bool
}

func NewCatalog() *Catalog {
	return &Catalog{
		params: map[string]*Param{},
		arrays: map[string]*Array{},
	}
}

func (c *Catalog) checkNew(name string) error {
	if c.sealed {
		return ErrCatalogSealed
	}
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "[]") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}
	if _, ok := c.params[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, name)
	}
	if _, ok := c.arrays[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, name)
	}
	return nil
}

// AddParam declares a scalar parameter.
func (c *Catalog) AddParam(name, unit string, bounds *Bounds) (Key, error) {
	if err := c.checkNew(name); err != nil {
		return Key{}, err
	}
	k := Key{name: name}
	c.params[name] = &Param{Key: k, Unit: unit, Bounds: bounds}
	c.order = append(c.order, name)
	return k, nil
}

// AddArray declares an indexed parameter with a fixed capacity.
func (c *Catalog) AddArray(name, unit string, capacity int, bounds *Bounds) (Key, error) {
	if err := c.checkNew(name); err != nil {
		return Key{}, err
	}
	if capacity <= 0 {
		return Key{}, fmt.Errorf("%w: array %q capacity %d", ErrInvalidKey, name, capacity)
	}
	k := Key{name: name}
	c.arrays[name] = &Array{Key: k, Unit: unit, Capacity: capacity, Bounds: bounds}
	c.order = append(c.order, name)
	return k, nil
}

// Key resolves a declared scalar or array name.
func (c *Catalog) Key(name string) (Key, error) {
	if p, ok := c.params[name]; ok {
		return p.Key, nil
	}
	if a, ok := c.arrays[name]; ok {
		return a.Key, nil
	}
	return Key{}, fmt.Errorf("%w: %q", ErrUnknownKey, name)
}

func (c *Catalog) Param(k Key) (Param, bool) {
	p, ok := c.params[k.name]
	if !ok {
		return Param{}, false
	}
	return *p, true
}

func (c *Catalog) Array(k Key) (Array, bool) {
	a, ok := c.arrays[k.name]
	if !ok {
		return Array{}, false
	}
	return *a, true
}

// Params returns scalar parameters in declaration order.
func (c *Catalog) Params() []Param {
	out := make([]Param, 0, len(c.params))
	for _, n := range c.order {
		if p, ok := c.params[n]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Arrays returns array parameters in declaration order.
func (c *Catalog) Arrays() []Array {
	out := make([]Array, 0, len(c.arrays))
	for _, n := range c.order {
		if a, ok := c.arrays[n]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// Names lists every declared name, sorted.
func (c *Catalog) Names() []string {
	out := append([]string(nil), c.order...)
	sort.Strings(out)
	return out
}
