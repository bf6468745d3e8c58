package ingest

import (
	"context"
	"errors"
	"sync"
)

var ErrRunning = errors.New("ingest: driver already running")

// driver runs one loop in its own goroutine with Start/Stop semantics.
// Stopping one driver never touches another or the store.
type driver struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (d *driver) start(ctx context.Context, run func(context.Context) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		select {
		case <-d.done:
		default:
			return ErrRunning
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel, d.done, d.err = cancel, done, nil
	go func() {
		defer close(done)
		err := run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
	}()
	return nil
}

// stop cancels the loop and waits for it to return.
func (d *driver) stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *driver) running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

// wait blocks until the loop ends and returns its error.
func (d *driver) wait() error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
