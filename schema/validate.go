package schema

import (
	"fmt"
	"math"
)

const maxFrameBytes = 8

func (t *Table) validate() error {
	for _, m := range t.Messages() {
		if err := validateMessage(m); err != nil {
			return err
		}
	}
	return nil
}

func validateMessage(m *MessageSpec) error {
	if m.Length == 0 || m.Length > maxFrameBytes {
		return &SchemaError{Message: m.Name, Err: fmt.Errorf("%w: length %d (want 1..%d)", ErrInvalidMessage, m.Length, maxFrameBytes)}
	}
	if m.Extended && m.ID > 0x1FFFFFFF || !m.Extended && m.ID > 0x7FF {
		return &SchemaError{Message: m.Name, Err: fmt.Errorf("%w: id 0x%X out of range (extended=%v)", ErrInvalidMessage, m.ID, m.Extended)}
	}

	var used uint64
	owner := map[uint]string{}
	names := map[string]struct{}{}
	for i := range m.Signals {
		s := &m.Signals[i]
		if err := validateSignal(m, s); err != nil {
			return err
		}
		if _, dup := names[s.Name]; dup {
			return &SchemaError{Message: m.Name, Signal: s.Name, Err: fmt.Errorf("%w: duplicate signal name", ErrInvalidSignal)}
		}
		names[s.Name] = struct{}{}

		for _, b := range s.PhysicalBits() {
			if used&(1<<b) != 0 {
				return &SchemaError{Message: m.Name, Signal: s.Name,
					Err: fmt.Errorf("%w: bit %d already used by %s", ErrSignalOverlap, b, owner[b])}
			}
			used |= 1 << b
			owner[b] = s.Name
		}
	}
	return nil
}

func validateSignal(m *MessageSpec, s *SignalSpec) error {
	bad := func(format string, args ...any) error {
		return &SchemaError{Message: m.Name, Signal: s.Name, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidSignal}, args...)...)}
	}
	switch {
	case s.Name == "":
		return bad("empty name")
	case s.BitLength == 0 || s.BitLength > 64:
		return bad("bit length %d (want 1..64)", s.BitLength)
	case s.Scale == 0 || math.IsNaN(s.Scale) || math.IsInf(s.Scale, 0):
		return bad("scale %v", s.Scale)
	case math.IsNaN(s.Offset) || math.IsInf(s.Offset, 0):
		return bad("offset %v", s.Offset)
	case s.ByteOrder != LittleEndian && s.ByteOrder != BigEndian:
		return bad("byte order %v", s.ByteOrder)
	case s.Valid != nil && s.Valid.Min > s.Valid.Max:
		return bad("range [%v, %v]", s.Valid.Min, s.Valid.Max)
	}
	if s.BitOffset+s.BitLength > uint(m.Length)*8 {
		return &SchemaError{Message: m.Name, Signal: s.Name,
			Err: fmt.Errorf("%w: bits [%d, %d) beyond %d bytes", ErrSignalBounds, s.BitOffset, s.BitOffset+s.BitLength, m.Length)}
	}
	return nil
}
