//go:build !linux

package transport

import (
	"context"

	"go.einride.tech/can"
)

type SocketCAN struct{}

func DialSocketCAN(ctx context.Context, iface string) (*SocketCAN, error) {
	return nil, ErrUnsupported
}

func (s *SocketCAN) ReadFrame(ctx context.Context) (can.Frame, error) {
	return can.Frame{}, ErrUnsupported
}

func (s *SocketCAN) WriteFrame(ctx context.Context, f can.Frame) error { return ErrUnsupported }

func (s *SocketCAN) Close() error { return nil }
