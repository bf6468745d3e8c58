package transport

import (
	"context"
	"sync"

	"go.einride.tech/can"
)

const loopbackQueue = 256

// Loopback is an in-memory bus. A frame written on one port is delivered to
// every other open port.
type Loopback struct {
	mu     sync.RWMutex
	closed bool
	ports  map[*LoopbackPort]struct{}
}

func NewLoopback() *Loopback {
	return &Loopback{ports: make(map[*LoopbackPort]struct{})}
}

// Open attaches a new port. Ports opened after Close are already closed.
func (b *Loopback) Open() *LoopbackPort {
	p := &LoopbackPort{
		bus:  b,
		ch:   make(chan can.Frame, loopbackQueue),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		p.shut()
		return p
	}
	b.ports[p] = struct{}{}
	return p
}

func (b *Loopback) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for p := range b.ports {
		p.shut()
	}
	b.ports = nil
	return nil
}

type LoopbackPort struct {
	bus  *Loopback
	ch   chan can.Frame
	once sync.Once
	done chan struct{}
}

func (p *LoopbackPort) shut() {
	p.once.Do(func() { close(p.done) })
}

// WriteFrame blocks while a receiving port's queue is full.
func (p *LoopbackPort) WriteFrame(ctx context.Context, f can.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	p.bus.mu.RLock()
	if p.bus.closed {
		p.bus.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*LoopbackPort, 0, len(p.bus.ports))
	for t := range p.bus.ports {
		if t != p {
			targets = append(targets, t)
		}
	}
	p.bus.mu.RUnlock()

	for _, t := range targets {
		select {
		case t.ch <- f:
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *LoopbackPort) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case f := <-p.ch:
		return f, nil
	case <-p.done:
		return can.Frame{}, ErrClosed
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	}
}

func (p *LoopbackPort) Close() error {
	p.bus.mu.Lock()
	if p.bus.ports != nil {
		delete(p.bus.ports, p)
	}
	p.bus.mu.Unlock()
	p.shut()
	return nil
}
