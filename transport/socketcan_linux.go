//go:build linux

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// SocketCAN is a Linux CAN interface (can0, vcan0, ...). One goroutine owns
// the receiver so concurrent or cancelled ReadFrame calls never leak readers.
type SocketCAN struct {
	conn net.Conn
	tx   *socketcan.Transmitter

	frames chan can.Frame
	done   chan struct{}
	once   sync.Once

	errMu sync.Mutex
	err   error
}

func DialSocketCAN(ctx context.Context, iface string) (*SocketCAN, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}
	s := &SocketCAN{
		conn:   conn,
		tx:     socketcan.NewTransmitter(conn),
		frames: make(chan can.Frame, 64),
		done:   make(chan struct{}),
	}
	go s.pump(socketcan.NewReceiver(conn))
	return s, nil
}

func (s *SocketCAN) pump(recv *socketcan.Receiver) {
	defer close(s.frames)
	for recv.Receive() {
		if recv.HasErrorFrame() {
			continue
		}
		select {
		case s.frames <- recv.Frame():
		case <-s.done:
			return
		}
	}
	s.errMu.Lock()
	s.err = recv.Err()
	s.errMu.Unlock()
}

func (s *SocketCAN) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return can.Frame{}, s.closedErr()
		}
		return f, nil
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	}
}

func (s *SocketCAN) closedErr() error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return fmt.Errorf("socketcan receive: %w", s.err)
	}
	return ErrClosed
}

func (s *SocketCAN) WriteFrame(ctx context.Context, f can.Frame) error {
	return s.tx.TransmitFrame(ctx, f)
}

func (s *SocketCAN) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
