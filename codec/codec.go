// Package codec converts CAN frames to and from named physical signal values
// using a schema.Table.
package codec

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.einride.tech/can"

	"diu-telemetry/schema"
)

var (
	ErrUnknownMessage     = errors.New("codec: unknown message")
	ErrUnknownSignal      = errors.New("codec: unknown signal")
	ErrValueOutOfBitWidth = errors.New("codec: value does not fit signal bit width")
	ErrShortFrame         = errors.New("codec: frame shorter than declared length")
)

// Value is one decoded signal.
type Value struct {
	Physical   float64
	Raw        uint64 // bit pattern as extracted, before sign extension
	Unit       string
	OutOfRange bool // outside the signal's declared valid range
}

// Signals maps signal name to decoded value.
type Signals map[string]Value

// Floats drops the metadata and returns name -> physical value.
func (s Signals) Floats() map[string]float64 {
	out := make(map[string]float64, len(s))
	for k, v := range s {
		out[k] = v.Physical
	}
	return out
}

// OutOfRange lists the signals flagged as outside their valid range, sorted.
func (s Signals) OutOfRange() []string {
	var out []string
	for k, v := range s {
		if v.OutOfRange {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Decode extracts every signal the table declares for frame.ID. Values
// outside their valid range are returned flagged, never dropped.
func Decode(t *schema.Table, frame can.Frame) (Signals, error) {
	m, ok := t.Message(frame.ID)
	if !ok {
		return nil, fmt.Errorf("%w: id 0x%X", ErrUnknownMessage, frame.ID)
	}
	if frame.Length < m.Length {
		return nil, fmt.Errorf("%w: %s (0x%X) expects %d bytes, got %d", ErrShortFrame, m.Name, m.ID, m.Length, frame.Length)
	}

	le := packLE(&frame.Data)
	be := packBE(&frame.Data)

	out := make(Signals, len(m.Signals))
	for i := range m.Signals {
		s := &m.Signals[i]
		var u uint64
		if s.ByteOrder == schema.BigEndian {
			u = getBitsBE(be, s.BitOffset, s.BitLength)
		} else {
			u = getBitsLE(le, s.BitOffset, s.BitLength)
		}
		phys := physical(s, u)
		out[s.Name] = Value{
			Physical:   phys,
			Raw:        u,
			Unit:       s.Unit,
			OutOfRange: !s.Valid.Contains(phys),
		}
	}
	return out, nil
}

func physical(s *schema.SignalSpec, u uint64) float64 {
	if s.Signed {
		return float64(signExtend(u, s.BitLength))*s.Scale + s.Offset
	}
	return float64(u)*s.Scale + s.Offset
}

// Encode builds a frame for message id. Signals absent from values are
// left as zero bits. Nothing is returned unless every value fits.
func Encode(t *schema.Table, id uint32, values map[string]float64) (can.Frame, error) {
	m, ok := t.Message(id)
	if !ok {
		return can.Frame{}, fmt.Errorf("%w: id 0x%X", ErrUnknownMessage, id)
	}
	return encode(m, values)
}

// EncodeByName is Encode addressed by message name.
func EncodeByName(t *schema.Table, name string, values map[string]float64) (can.Frame, error) {
	m, ok := t.MessageByName(name)
	if !ok {
		return can.Frame{}, fmt.Errorf("%w: %q (available: %v)", ErrUnknownMessage, name, t.MessageNames())
	}
	return encode(m, values)
}

func encode(m *schema.MessageSpec, values map[string]float64) (can.Frame, error) {
	for name := range values {
		if _, ok := m.Signal(name); !ok {
			return can.Frame{}, fmt.Errorf("%w: %s has no signal %q", ErrUnknownSignal, m.Name, name)
		}
	}

	f := can.Frame{ID: m.ID, Length: m.Length, IsExtended: m.Extended}
	for i := range m.Signals {
		s := &m.Signals[i]
		v, ok := values[s.Name]
		if !ok {
			continue
		}
		u, err := rawBits(s, v)
		if err != nil {
			return can.Frame{}, fmt.Errorf("%s.%s = %v: %w", m.Name, s.Name, v, err)
		}
		if s.ByteOrder == schema.BigEndian {
			unpackBE(setBitsBE(packBE(&f.Data), s.BitOffset, s.BitLength, u), &f.Data)
		} else {
			unpackLE(setBitsLE(packLE(&f.Data), s.BitOffset, s.BitLength, u), &f.Data)
		}
	}
	return f, nil
}

// rawBits applies round((v-offset)/scale) and checks the result fits the
// signal's width before converting it to a bit pattern.
func rawBits(s *schema.SignalSpec, v float64) (uint64, error) {
	r := math.Round((v - s.Offset) / s.Scale)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, ErrValueOutOfBitWidth
	}
	if !s.Signed {
		if r < 0 || r >= math.Ldexp(1, int(s.BitLength)) {
			return 0, fmt.Errorf("%w: raw %v outside [0, 2^%d)", ErrValueOutOfBitWidth, r, s.BitLength)
		}
		return uint64(r), nil
	}
	lim := math.Ldexp(1, int(s.BitLength)-1)
	if r < -lim || r >= lim {
		return 0, fmt.Errorf("%w: raw %v outside [-2^%d, 2^%d)", ErrValueOutOfBitWidth, r, s.BitLength-1, s.BitLength-1)
	}
	return uint64(int64(r)) & mask(s.BitLength), nil
}
