package schema

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var csvColumns = []string{
	"frame_id", "frame_name", "dlc", "cycle_ms", "extended",
	"signal_name", "start_bit", "bit_length", "endianness",
	"signed", "factor", "offset", "min", "max", "unit", "comment",
}

var csvRequired = []string{
	"frame_id", "frame_name", "dlc", "signal_name", "start_bit", "bit_length", "factor", "offset",
}

// LoadCSV reads a signal map with one row per signal. Rows sharing a
// frame_id form one message and must agree on its name, dlc and flags.
func LoadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, k := range csvRequired {
		if _, ok := idx[k]; !ok {
			return nil, fmt.Errorf("signal map missing required column: %q", k)
		}
	}

	var order []uint32
	msgs := map[uint32]*MessageSpec{}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := csvRow{idx: idx, rec: rec, line: line}

		frameID, err := parseHexOrDecUint32(row.get("frame_id"))
		if err != nil {
			return nil, row.errorf("frame_id %q: %v", row.get("frame_id"), err)
		}
		dlc, err := row.uint("dlc", 8)
		if err != nil {
			return nil, err
		}
		cycleMS, err := row.uint("cycle_ms", 32)
		if err != nil {
			return nil, err
		}
		m := MessageSpec{
			ID:        frameID,
			Name:      row.get("frame_name"),
			Length:    uint8(dlc),
			Extended:  parseBool(row.get("extended")),
			CycleTime: time.Duration(cycleMS) * time.Millisecond,
		}

		fd, seen := msgs[frameID]
		if !seen {
			fd = &m
			msgs[frameID] = fd
			order = append(order, frameID)
		} else if fd.Name != m.Name || fd.Length != m.Length || fd.Extended != m.Extended {
			return nil, &SchemaError{Message: m.Name,
				Err: fmt.Errorf("%w: line %d: inconsistent definition of frame 0x%X", ErrInvalidMessage, line, frameID)}
		}

		if row.get("signal_name") == "" {
			continue
		}
		sig, err := row.signal()
		if err != nil {
			return nil, err
		}
		fd.Signals = append(fd.Signals, sig)
	}

	list := make([]MessageSpec, 0, len(order))
	for _, id := range order {
		list = append(list, *msgs[id])
	}
	return NewTable(list)
}

type csvRow struct {
	idx  map[string]int
	rec  []string
	line int
}

func (r csvRow) get(col string) string {
	i, ok := r.idx[col]
	if !ok || i >= len(r.rec) {
		return ""
	}
	return strings.TrimSpace(r.rec[i])
}

func (r csvRow) errorf(format string, args ...any) error {
	return fmt.Errorf("signal map line %d: "+format, append([]any{r.line}, args...)...)
}

func (r csvRow) uint(col string, bits int) (uint64, error) {
	s := r.get(col)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, r.errorf("%s %q: %v", col, s, err)
	}
	return v, nil
}

func (r csvRow) float(col string) (float64, bool, error) {
	s := r.get(col)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, r.errorf("%s %q: %v", col, s, err)
	}
	return v, true, nil
}

func (r csvRow) signal() (SignalSpec, error) {
	name := r.get("signal_name")
	start, err := r.uint("start_bit", 16)
	if err != nil {
		return SignalSpec{}, err
	}
	length, err := r.uint("bit_length", 16)
	if err != nil {
		return SignalSpec{}, err
	}
	order, err := parseByteOrder(strings.ToLower(r.get("endianness")))
	if err != nil {
		return SignalSpec{}, &SchemaError{Signal: name, Err: fmt.Errorf("%w: %v", ErrInvalidSignal, err)}
	}
	factor, ok, err := r.float("factor")
	if err != nil {
		return SignalSpec{}, err
	}
	if !ok {
		factor = 1
	}
	offset, _, err := r.float("offset")
	if err != nil {
		return SignalSpec{}, err
	}
	lo, hasLo, err := r.float("min")
	if err != nil {
		return SignalSpec{}, err
	}
	hi, hasHi, err := r.float("max")
	if err != nil {
		return SignalSpec{}, err
	}
	if hasLo != hasHi {
		return SignalSpec{}, &SchemaError{Signal: name, Err: fmt.Errorf("%w: line %d: min and max must be set together", ErrInvalidSignal, r.line)}
	}

	s := SignalSpec{
		Name:      name,
		BitOffset: uint(start),
		BitLength: uint(length),
		ByteOrder: order,
		Signed:    parseBool(r.get("signed")),
		Scale:     factor,
		Offset:    offset,
		Unit:      r.get("unit"),
		Comment:   r.get("comment"),
	}
	if hasLo {
		s.Valid = &Range{Min: lo, Max: hi}
	}
	return s, nil
}

func parseHexOrDecUint32(s string) (uint32, error) {
	ss := strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(ss, "0x") || strings.HasPrefix(ss, "0X") {
		base = 16
		ss = ss[2:]
	}
	u, err := strconv.ParseUint(ss, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(u), nil
}

func parseBool(s string) bool {
	ss := strings.TrimSpace(strings.ToLower(s))
	return ss == "true" || ss == "1" || ss == "yes"
}
