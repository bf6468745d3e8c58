// Package framelog reads and writes raw CAN traffic in the candump log
// format, one frame per line:
//
//	(1436509052.249713) can0 579#5000000000000000
//
// Files written here can be played back with can-utils' canplayer and
// files captured with candump -l load here.
package framelog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.einride.tech/can"
)

var (
	ErrBadRecord = errors.New("framelog: malformed record")
	ErrClosed    = errors.New("framelog: writer closed")
)

// Record is one received frame and where it came from.
type Record struct {
	Time  time.Time
	Bus   string
	Frame can.Frame
}

// Format renders r as one candump log line without the newline.
func Format(r Record) string {
	return fmt.Sprintf("(%d.%06d) %s %s", r.Time.Unix(), r.Time.Nanosecond()/1000, r.Bus, r.Frame.String())
}

// Parse reads one candump log line.
func Parse(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Record{}, fmt.Errorf("%w: want \"(time) bus frame\", got %q", ErrBadRecord, line)
	}
	ts, err := parseTime(fields[0])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %q: %v", ErrBadRecord, fields[0], err)
	}
	var f can.Frame
	if err := f.UnmarshalString(fields[2]); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if err := f.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrBadRecord, fields[2], err)
	}
	return Record{Time: ts, Bus: fields[1], Frame: f}, nil
}

func parseTime(s string) (time.Time, error) {
	if len(s) < 3 || s[0] != '(' || s[len(s)-1] != ')' {
		return time.Time{}, errors.New("timestamp not in parentheses")
	}
	secs, frac, _ := strings.Cut(s[1:len(s)-1], ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		n, err := strconv.ParseUint(frac, 10, 32)
		if err != nil {
			return time.Time{}, err
		}
		nsec = int64(n)
		for i := len(frac); i < 9; i++ {
			nsec *= 10
		}
	}
	return time.Unix(sec, nsec), nil
}

// ReadAll parses every record in r. Blank lines and lines starting with #
// are skipped. Errors name the offending line.
func ReadAll(r io.Reader) ([]Record, error) {
	var recs []Record
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		recs = append(recs, rec)
	}
	return recs, sc.Err()
}

// Load reads the frame log at path.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// Writer appends records to a log. It is safe for concurrent use; output
// is buffered until Flush or Close.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	c      io.Closer // nil when the caller owns the underlying writer
	n      uint64
	closed bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// Create opens path for appending, creating it if needed.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{bw: bufio.NewWriter(f), c: f}, nil
}

func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.bw.WriteString(Format(r) + "\n"); err != nil {
		return err
	}
	w.n++
	return nil
}

// Count is the number of records written so far.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.bw.Flush()
}

// Close flushes and closes the file opened by Create. Calling it twice is
// harmless.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.bw.Flush()
	if w.c != nil {
		err = errors.Join(err, w.c.Close())
	}
	return err
}
