// Package eventctx tracks the active operating context (autocross,
// endurance, ...) and the parameter keys that matter in it.
package eventctx

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"diu-telemetry/store"
)

var (
	ErrUnknownContext = errors.New("eventctx: unknown context")
	ErrInvalidContext = errors.New("eventctx: invalid context definition")
)

// Context is a named, ordered list of parameter names. Array parameters are
// listed by base name and match every element.
type Context struct {
	Name string
	Keys []string
}

type entry struct {
	keys []string
	set  map[string]bool
}

// Selector holds no telemetry itself: switching never touches the store.
type Selector struct {
	mu        sync.RWMutex
	contexts  map[string]*entry
	names     []string
	active    string
	listeners []func(prev, next string)
}

func New(contexts []Context, initial string) (*Selector, error) {
	if len(contexts) == 0 {
		return nil, fmt.Errorf("%w: no contexts", ErrInvalidContext)
	}
	s := &Selector{contexts: make(map[string]*entry, len(contexts))}
	for _, c := range contexts {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidContext)
		}
		if _, dup := s.contexts[c.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate context %q", ErrInvalidContext, c.Name)
		}
		e := &entry{set: make(map[string]bool, len(c.Keys))}
		for _, k := range c.Keys {
			if e.set[k] {
				continue
			}
			e.set[k] = true
			e.keys = append(e.keys, k)
		}
		s.contexts[c.Name] = e
		s.names = append(s.names, c.Name)
	}
	if initial == "" {
		initial = contexts[0].Name
	}
	if _, ok := s.contexts[initial]; !ok {
		return nil, fmt.Errorf("%w: initial %q", ErrUnknownContext, initial)
	}
	s.active = initial
	return s, nil
}

// CheckKeys reports context keys the catalog does not declare.
func (s *Selector) CheckKeys(cat *store.Catalog) error {
	var errs []error
	for _, name := range s.names {
		for _, k := range s.contexts[name].keys {
			if _, err := cat.Key(k); err != nil {
				errs = append(errs, fmt.Errorf("context %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Set switches the active context. On error the selector is unchanged.
func (s *Selector) Set(name string) error {
	s.mu.Lock()
	if _, ok := s.contexts[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q (available: %v)", ErrUnknownContext, name, s.names)
	}
	prev := s.active
	s.active = name
	listeners := s.listeners
	s.mu.Unlock()

	if prev != name {
		for _, fn := range listeners {
			fn(prev, name)
		}
	}
	return nil
}

func (s *Selector) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ActiveKeys returns a copy of the active context's keys, in order.
func (s *Selector) ActiveKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.contexts[s.active].keys...)
}

// Keys returns a copy of the keys of context name.
func (s *Selector) Keys(name string) ([]string, error) {
	e, ok := s.contexts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContext, name)
	}
	return append([]string(nil), e.keys...), nil
}

// Names lists the defined contexts, sorted.
func (s *Selector) Names() []string {
	out := append([]string(nil), s.names...)
	sort.Strings(out)
	return out
}

// Relevant reports whether v belongs to the active context.
func (s *Selector) Relevant(v store.Value) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.contexts[s.active].set
	if v.Base != "" {
		return set[v.Base] || set[v.Key]
	}
	return set[v.Key]
}

// Filter wraps cb so it only sees updates relevant to whichever context is
// active when the update arrives.
func (s *Selector) Filter(cb store.Callback) store.Callback {
	return func(key string, v store.Value) {
		if s.Relevant(v) {
			cb(key, v)
		}
	}
}

// OnChange registers fn to run after each successful switch to a different
// context. fn runs on the goroutine that called Set.
func (s *Selector) OnChange(fn func(prev, next string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]func(prev, next string), len(s.listeners), len(s.listeners)+1)
	copy(next, s.listeners)
	s.listeners = append(next, fn)
}
