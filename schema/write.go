package schema

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

const dbcNoNode = "Vector__XXX"

// WriteDBC emits t as DBC text readable by LoadDBC. Comments and cycle
// times have no plain DBC field and are not written; use WriteCSV to keep them.
// A declared range of exactly [0,0] is indistinguishable from "no range" in
// DBC and loads back as nil; WriteCSV keeps it.
func WriteDBC(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "VERSION \"\"\n\nNS_ :\n\nBS_:\n\nBU_:\n\n")
	for _, m := range t.Messages() {
		id := m.ID
		if m.Extended {
			id |= 0x80000000
		}
		name := m.Name
		if name == "" {
			name = fmt.Sprintf("MSG_%X", m.ID)
		}
		fmt.Fprintf(bw, "BO_ %d %s: %d %s\n", id, name, m.Length, dbcNoNode)
		for i := range m.Signals {
			s := &m.Signals[i]
			start, order := s.BitOffset, 1
			if s.ByteOrder == BigEndian {
				start, order = sawtoothToLinear(s.BitOffset), 0
			}
			sign := "+"
			if s.Signed {
				sign = "-"
			}
			var lo, hi float64
			if s.Valid != nil {
				lo, hi = s.Valid.Min, s.Valid.Max
			}
			fmt.Fprintf(bw, " SG_ %s : %d|%d@%d%s (%s,%s) [%s|%s] %q %s\n",
				s.Name, start, s.BitLength, order, sign,
				ftoa(s.Scale), ftoa(s.Offset), ftoa(lo), ftoa(hi), s.Unit, dbcNoNode)
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

// WriteCSV emits t in the signal map format read by LoadCSV.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return err
	}
	for _, m := range t.Messages() {
		frame := []string{
			fmt.Sprintf("0x%X", m.ID),
			m.Name,
			strconv.Itoa(int(m.Length)),
			strconv.FormatInt(m.CycleTime.Milliseconds(), 10),
			strconv.FormatBool(m.Extended),
		}
		if len(m.Signals) == 0 {
			if err := cw.Write(append(frame, make([]string, len(csvColumns)-len(frame))...)); err != nil {
				return err
			}
			continue
		}
		for i := range m.Signals {
			s := &m.Signals[i]
			var lo, hi string
			if s.Valid != nil {
				lo, hi = ftoa(s.Valid.Min), ftoa(s.Valid.Max)
			}
			rec := append(append([]string(nil), frame...),
				s.Name,
				strconv.FormatUint(uint64(s.BitOffset), 10),
				strconv.FormatUint(uint64(s.BitLength), 10),
				s.ByteOrder.String(),
				strconv.FormatBool(s.Signed),
				ftoa(s.Scale),
				ftoa(s.Offset),
				lo, hi,
				s.Unit,
				s.Comment,
			)
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
