package schema

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.einride.tech/can/pkg/dbc"
)

// independentSignalsID is the VECTOR__INDEPENDENT_SIG_MSG pseudo-message.
const independentSignalsID = 0xC0000000

// LoadDBC parses DBC source text. name is only used in error positions.
//
// Motorola start bits (which point at the signal's MSB in the DBC sawtooth
// numbering) are converted into this package's BigEndian numbering.
// Multiplexed signals are skipped and reported in Table.Skipped.
func LoadDBC(name string, data []byte) (*Table, error) {
	p := dbc.NewParser(name, data)
	if err := p.Parse(); err != nil {
		return nil, fmt.Errorf("parse dbc %s: %w", name, err)
	}

	var (
		msgs    []MessageSpec
		skipped []string
	)
	for _, def := range p.Defs() {
		md, ok := def.(*dbc.MessageDef)
		if !ok || uint32(md.MessageID) == independentSignalsID {
			continue
		}
		if md.Size > maxFrameBytes {
			return nil, &SchemaError{Message: string(md.Name),
				Err: fmt.Errorf("%w: length %d (want 1..%d)", ErrInvalidMessage, md.Size, maxFrameBytes)}
		}
		m := MessageSpec{
			ID:       md.MessageID.ToCAN(),
			Name:     string(md.Name),
			Length:   uint8(md.Size),
			Extended: md.MessageID.IsExtended(),
		}
		for _, sd := range md.Signals {
			if sd.IsMultiplexed || sd.IsMultiplexerSwitch {
				skipped = append(skipped, m.Name+"."+string(sd.Name))
				continue
			}
			m.Signals = append(m.Signals, signalFromDBC(sd))
		}
		msgs = append(msgs, m)
	}

	t, err := NewTable(msgs)
	if err != nil {
		return nil, err
	}
	t.Skipped = skipped
	return t, nil
}

func signalFromDBC(sd dbc.SignalDef) SignalSpec {
	s := SignalSpec{
		Name:      string(sd.Name),
		BitOffset: uint(sd.StartBit),
		BitLength: uint(sd.Size),
		ByteOrder: LittleEndian,
		Signed:    sd.IsSigned,
		Scale:     sd.Factor,
		Offset:    sd.Offset,
		Unit:      sd.Unit,
	}
	if sd.IsBigEndian {
		s.ByteOrder = BigEndian
		s.BitOffset = sawtoothToLinear(uint(sd.StartBit))
	}
	// [0|0] is the DBC spelling of "no range".
	if sd.Minimum != 0 || sd.Maximum != 0 {
		s.Valid = &Range{Min: sd.Minimum, Max: sd.Maximum}
	}
	return s
}

// sawtoothToLinear maps a DBC Motorola bit position to the BigEndian linear
// numbering. The mapping is its own inverse.
func sawtoothToLinear(bit uint) uint {
	return (bit/8)*8 + (7 - bit%8)
}

// LoadFile loads a .dbc or .csv schema from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dbc":
		return LoadDBC(filepath.Base(path), data)
	case ".csv":
		return LoadCSV(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}
