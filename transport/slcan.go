package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"
	"go.einride.tech/can"
)

var ErrBadSLCAN = errors.New("transport: malformed slcan line")

// Lawicel S<n> bitrate codes.
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// ParseSLCAN decodes one frame line (without the trailing CR):
// tiiiLdd.., Tiiiiiiii Ldd.., riiiL or RiiiiiiiiL. A 4 digit timestamp
// suffix is accepted and ignored.
func ParseSLCAN(line string) (can.Frame, error) {
	if line == "" {
		return can.Frame{}, fmt.Errorf("%w: empty", ErrBadSLCAN)
	}
	var f can.Frame
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		idLen, f.IsExtended = 8, true
	case 'r':
		f.IsRemote = true
	case 'R':
		idLen, f.IsExtended, f.IsRemote = 8, true, true
	default:
		return can.Frame{}, fmt.Errorf("%w: %q", ErrBadSLCAN, line)
	}
	if len(line) < 1+idLen+1 {
		return can.Frame{}, fmt.Errorf("%w: %q too short", ErrBadSLCAN, line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: id in %q", ErrBadSLCAN, line)
	}
	f.ID = uint32(id)
	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return can.Frame{}, fmt.Errorf("%w: dlc in %q", ErrBadSLCAN, line)
	}
	f.Length = dlc - '0'

	rest := line[2+idLen:]
	if !f.IsRemote {
		n := int(f.Length) * 2
		if len(rest) < n {
			return can.Frame{}, fmt.Errorf("%w: %q shorter than dlc %d", ErrBadSLCAN, line, f.Length)
		}
		for i := 0; i < int(f.Length); i++ {
			b, err := strconv.ParseUint(rest[2*i:2*i+2], 16, 8)
			if err != nil {
				return can.Frame{}, fmt.Errorf("%w: data in %q", ErrBadSLCAN, line)
			}
			f.Data[i] = byte(b)
		}
		rest = rest[n:]
	}
	if len(rest) != 0 && len(rest) != 4 {
		return can.Frame{}, fmt.Errorf("%w: trailing %q", ErrBadSLCAN, rest)
	}
	if err := f.Validate(); err != nil {
		return can.Frame{}, fmt.Errorf("%w: %v", ErrBadSLCAN, err)
	}
	return f, nil
}

// FormatSLCAN is the inverse of ParseSLCAN, without the trailing CR.
func FormatSLCAN(f can.Frame) string {
	var b strings.Builder
	switch {
	case f.IsExtended && f.IsRemote:
		fmt.Fprintf(&b, "R%08X", f.ID)
	case f.IsExtended:
		fmt.Fprintf(&b, "T%08X", f.ID)
	case f.IsRemote:
		fmt.Fprintf(&b, "r%03X", f.ID)
	default:
		fmt.Fprintf(&b, "t%03X", f.ID)
	}
	b.WriteByte('0' + f.Length)
	if !f.IsRemote {
		for _, d := range f.Data[:f.Length] {
			fmt.Fprintf(&b, "%02X", d)
		}
	}
	return b.String()
}

// SLCAN talks the Lawicel ASCII protocol to a USB-CAN adapter.
type SLCAN struct {
	port io.ReadWriteCloser

	wmu sync.Mutex

	frames chan can.Frame
	done   chan struct{}
	once   sync.Once

	errMu sync.Mutex
	err   error
	bad   int
}

// OpenSLCAN opens a serial adapter and brings the channel up at bitrate.
func OpenSLCAN(portName string, baud, bitrate int) (*SLCAN, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("slcan open %s: %w", portName, err)
	}
	s, err := NewSLCAN(port, bitrate)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return s, nil
}

// NewSLCAN runs the open sequence (close, set bitrate, open) on an already
// open port and starts reading frames from it.
func NewSLCAN(port io.ReadWriteCloser, bitrate int) (*SLCAN, error) {
	code, ok := slcanBitrates[bitrate]
	if !ok {
		return nil, fmt.Errorf("slcan: unsupported bitrate %d", bitrate)
	}
	for _, cmd := range []string{"C", "S" + string(code), "O"} {
		if _, err := io.WriteString(port, cmd+"\r"); err != nil {
			return nil, fmt.Errorf("slcan %s: %w", cmd, err)
		}
	}
	s := &SLCAN{
		port:   port,
		frames: make(chan can.Frame, 64),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *SLCAN) pump() {
	defer close(s.frames)
	r := bufio.NewReader(s.port)
	for {
		line, err := r.ReadString('\r')
		line = strings.Trim(line, "\r\n")
		if line != "" {
			s.handle(line)
		}
		if err != nil {
			s.errMu.Lock()
			if !errors.Is(err, io.EOF) {
				s.err = err
			}
			s.errMu.Unlock()
			return
		}
	}
}

func (s *SLCAN) handle(line string) {
	switch line[0] {
	case 't', 'T', 'r', 'R':
	default:
		// acks (z, Z) and status replies
		return
	}
	f, err := ParseSLCAN(line)
	if err != nil {
		s.errMu.Lock()
		s.bad++
		s.errMu.Unlock()
		return
	}
	select {
	case s.frames <- f:
	case <-s.done:
	}
}

// Malformed counts frame lines that failed to parse.
func (s *SLCAN) Malformed() int {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.bad
}

func (s *SLCAN) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			select {
			case <-s.done:
				return can.Frame{}, ErrClosed
			default:
			}
			s.errMu.Lock()
			defer s.errMu.Unlock()
			if s.err != nil {
				return can.Frame{}, fmt.Errorf("slcan read: %w", s.err)
			}
			return can.Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	}
}

func (s *SLCAN) WriteFrame(ctx context.Context, f can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := io.WriteString(s.port, FormatSLCAN(f)+"\r")
	return err
}

// Close sends the channel-close command and releases the port.
func (s *SLCAN) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wmu.Lock()
		_, _ = io.WriteString(s.port, "C\r")
		s.wmu.Unlock()
		err = s.port.Close()
	})
	return err
}
