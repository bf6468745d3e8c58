// Package transport moves can.Frames between the process and a bus:
// SocketCAN, an SLCAN serial adapter, or an in-memory loopback.
package transport

import (
	"context"
	"errors"
	"fmt"

	"go.einride.tech/can"

	"diu-telemetry/logging"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnsupported = errors.New("transport: not supported on this platform")
)

type Reader interface {
	// ReadFrame blocks until a frame arrives, ctx is done or the reader is
	// closed (ErrClosed).
	ReadFrame(ctx context.Context) (can.Frame, error)
	Close() error
}

type Writer interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

type ReadWriter interface {
	Reader
	WriteFrame(ctx context.Context, frame can.Frame) error
}

// FormatFrame renders a frame candump style: "579#5000000000000000".
func FormatFrame(f can.Frame) string {
	id := fmt.Sprintf("%03X", f.ID)
	if f.IsExtended {
		id = fmt.Sprintf("%08X", f.ID)
	}
	if f.IsRemote {
		return id + "#R"
	}
	return fmt.Sprintf("%s#%X", id, f.Data[:f.Length])
}

type logged struct {
	inner ReadWriter
	log   *logging.Logger
}

// Logged traces every frame passing through rw at TRACE level and every
// failure at WARN.
func Logged(rw ReadWriter, log *logging.Logger) ReadWriter {
	return &logged{inner: rw, log: log.With("frames")}
}

func (l *logged) ReadFrame(ctx context.Context) (can.Frame, error) {
	f, err := l.inner.ReadFrame(ctx)
	if err != nil {
		if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
			l.log.Warn("receive: %v", err)
		}
		return f, err
	}
	l.log.Trace("rx %s", FormatFrame(f))
	return f, nil
}

func (l *logged) WriteFrame(ctx context.Context, f can.Frame) error {
	err := l.inner.WriteFrame(ctx, f)
	if err != nil {
		l.log.Warn("tx %s: %v", FormatFrame(f), err)
		return err
	}
	l.log.Trace("tx %s", FormatFrame(f))
	return nil
}

func (l *logged) Close() error { return l.inner.Close() }
