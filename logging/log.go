package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l Level) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a command line / config spelling to a Level. Unknown
// spellings fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TRACE
	case "debug":
		return DEBUG
	case "info", "":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "critical":
		return CRITICAL
	default:
		return INFO
	}
}

// sink is shared by a root logger and every logger derived from it with With.
type sink struct {
	mu       sync.Mutex
	minLevel Level
	out      []io.Writer
	file     *os.File
}

type Logger struct {
	s      *sink
	prefix string
}

func New(minLevel Level, out ...io.Writer) *Logger {
	return &Logger{s: &sink{minLevel: minLevel, out: out}}
}

// NewFileLogger appends to filePath and optionally mirrors every line to stdout.
func NewFileLogger(filePath string, minLevel Level, alsoStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	out := []io.Writer{f}
	if alsoStdout {
		out = append(out, os.Stdout)
	}
	return &Logger{s: &sink{minLevel: minLevel, out: out, file: f}}, nil
}

func Discard() *Logger {
	return New(CRITICAL + 1)
}

// With returns a logger tagging each line with component. The returned
// logger shares level and outputs with its parent.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	p := component
	if l.prefix != "" {
		p = l.prefix + "/" + component
	}
	return &Logger{s: l.s, prefix: p}
}

func (l *Logger) Close() error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.file == nil {
		return nil
	}
	out := l.s.out[:0]
	for _, w := range l.s.out {
		if w != io.Writer(l.s.file) {
			out = append(out, w)
		}
	}
	l.s.out = out
	err := l.s.file.Close()
	l.s.file = nil
	return err
}

func (l *Logger) SetMinLevel(level Level) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.minLevel = level
}

func (l *Logger) Enabled(level Level) bool {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return level >= l.s.minLevel
}

func (l *Logger) log(level Level, msg string, args ...any) {
	if l == nil {
		return
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if level < l.s.minLevel {
		return
	}

	ts := time.Now().Format(time.RFC3339Nano)
	var line string
	if l.prefix != "" {
		line = fmt.Sprintf("%s [%s] %s: %s\n", ts, level.String(), l.prefix, fmt.Sprintf(msg, args...))
	} else {
		line = fmt.Sprintf("%s [%s] %s\n", ts, level.String(), fmt.Sprintf(msg, args...))
	}

	for _, w := range l.s.out {
		_, _ = io.WriteString(w, line)
	}
	if l.s.file != nil {
		_ = l.s.file.Sync()
	}
}

func (l *Logger) Trace(msg string, args ...any)    { l.log(TRACE, msg, args...) }
func (l *Logger) Debug(msg string, args ...any)    { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)     { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)     { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any)    { l.log(ERROR, msg, args...) }
func (l *Logger) Critical(msg string, args ...any) { l.log(CRITICAL, msg, args...) }
