package schema

import (
	"fmt"
	"sort"
	"time"
)

type ByteOrder uint8

const (
	// LittleEndian (Intel): bit n is bit n%8 of byte n/8, counted from the LSB.
	LittleEndian ByteOrder = iota
	// BigEndian: bit 0 is the MSB of byte 0 and numbering increases towards
	// the LSB and then across bytes. A signal's first bit is its MSB.
	BigEndian
)

func (o ByteOrder) String() string {
	switch o {
	case LittleEndian:
		return "little"
	case BigEndian:
		return "big"
	default:
		return fmt.Sprintf("ByteOrder(%d)", uint8(o))
	}
}

func parseByteOrder(s string) (ByteOrder, error) {
	switch s {
	case "", "little", "intel":
		return LittleEndian, nil
	case "big", "motorola":
		return BigEndian, nil
	}
	return 0, fmt.Errorf("unsupported endianness %q", s)
}

// Range is an inclusive valid range for a signal's physical value.
type Range struct {
	Min float64
	Max float64
}

func (r *Range) Contains(v float64) bool {
	if r == nil {
		return true
	}
	return v >= r.Min && v <= r.Max
}

type SignalSpec struct {
	MessageID uint32
	Name      string
	BitOffset uint
	BitLength uint
	ByteOrder ByteOrder
	Signed    bool
	Scale     float64
	Offset    float64
	Unit      string
	Valid     *Range // nil when the source declares no range
	Comment   string
}

// PhysicalBits returns the payload bits the signal occupies, using
// physical numbering (bit b of byte i is i*8+b, b counted from the LSB).
func (s *SignalSpec) PhysicalBits() []uint {
	out := make([]uint, 0, s.BitLength)
	for k := uint(0); k < s.BitLength; k++ {
		n := s.BitOffset + k
		if s.ByteOrder == BigEndian {
			out = append(out, (n/8)*8+(7-n%8))
		} else {
			out = append(out, n)
		}
	}
	return out
}

type MessageSpec struct {
	ID        uint32
	Name      string
	Length    uint8
	Extended  bool
	CycleTime time.Duration
	Signals   []SignalSpec
}

// Signal looks a signal up by name.
func (m *MessageSpec) Signal(name string) (*SignalSpec, bool) {
	for i := range m.Signals {
		if m.Signals[i].Name == name {
			return &m.Signals[i], true
		}
	}
	return nil, false
}

// Table is an immutable message/signal schema. Build one with Load*, never
// modify it after it has been handed out.
type Table struct {
	byID   map[uint32]*MessageSpec
	byName map[string]*MessageSpec

	// Skipped lists "message.signal" names the loader ignored (multiplexed
	// signals).
	Skipped []string
}

func newTable() *Table {
	return &Table{
		byID:   map[uint32]*MessageSpec{},
		byName: map[string]*MessageSpec{},
	}
}

// NewTable validates msgs and builds a table from them.
func NewTable(msgs []MessageSpec) (*Table, error) {
	t := newTable()
	for i := range msgs {
		m := msgs[i]
		m.Signals = append([]SignalSpec(nil), m.Signals...)
		if err := t.add(&m); err != nil {
			return nil, err
		}
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) add(m *MessageSpec) error {
	if _, dup := t.byID[m.ID]; dup {
		return &SchemaError{Message: m.Name, Err: fmt.Errorf("%w: 0x%X", ErrDuplicateMessage, m.ID)}
	}
	for i := range m.Signals {
		m.Signals[i].MessageID = m.ID
	}
	sort.SliceStable(m.Signals, func(i, j int) bool { return m.Signals[i].BitOffset < m.Signals[j].BitOffset })
	t.byID[m.ID] = m
	if m.Name != "" {
		t.byName[m.Name] = m
	}
	return nil
}

func (t *Table) Message(id uint32) (*MessageSpec, bool) {
	m, ok := t.byID[id]
	return m, ok
}

func (t *Table) MessageByName(name string) (*MessageSpec, bool) {
	m, ok := t.byName[name]
	return m, ok
}

// Messages returns all messages ordered by id.
func (t *Table) Messages() []*MessageSpec {
	out := make([]*MessageSpec, 0, len(t.byID))
	for _, m := range t.byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Table) MessageNames() []string {
	out := make([]string, 0, len(t.byName))
	for k := range t.byName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *Table) Len() int { return len(t.byID) }
