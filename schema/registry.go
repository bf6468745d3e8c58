package schema

import (
	"errors"
	"sync/atomic"
)

// Registry publishes the authoritative Table. Readers always see a complete
// table; replacement is a single pointer swap.
type Registry struct {
	cur atomic.Pointer[Table]
}

func NewRegistry(t *Table) *Registry {
	r := &Registry{}
	if t != nil {
		r.cur.Store(t)
	}
	return r
}

// Load returns the current table, or nil before the first successful Swap.
func (r *Registry) Load() *Table {
	return r.cur.Load()
}

// Swap publishes t after check (if any) accepts it. On error the previous
// table stays in place.
func (r *Registry) Swap(t *Table, check func(*Table) error) error {
	if t == nil {
		return errors.New("schema: nil table")
	}
	if check != nil {
		if err := check(t); err != nil {
			return err
		}
	}
	r.cur.Store(t)
	return nil
}

// Reload runs load and publishes its result via Swap.
func (r *Registry) Reload(load func() (*Table, error), check func(*Table) error) error {
	t, err := load()
	if err != nil {
		return err
	}
	return r.Swap(t, check)
}
