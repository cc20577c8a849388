package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ErrObj is attached to error entries.
type ErrObj struct {
	Msg   string `json:"msg"`
	Stack string `json:"stack,omitempty"`
}

// Err builds an ErrObj from err, nil-safe.
func Err(err error) *ErrObj {
	if err == nil {
		return nil
	}
	return &ErrObj{Msg: err.Error()}
}

// Entry is one structured log line.
type Entry struct {
	Timestamp  string         `json:"timestamp"`
	Level      string         `json:"level"`
	Service    string         `json:"service"`
	Action     string         `json:"action"`
	Message    string         `json:"message"`
	Hostname   string         `json:"hostname"`
	RequestID  string         `json:"request_id,omitempty"`
	BookingID  string         `json:"booking_id,omitempty"`
	Error      *ErrObj        `json:"error,omitempty"`
	Additional map[string]any `json:"additional,omitempty"`
}

type Logger struct {
	service  string
	hostname string
	minLevel Level
	pretty   bool

	mu  sync.Mutex
	out io.Writer
	err io.Writer
}

// New writes INFO and above to stdout, errors to stderr.
func New(service, level string, pretty bool) *Logger {
	h, _ := os.Hostname()
	return &Logger{
		service:  service,
		hostname: h,
		minLevel: ParseLevel(level),
		pretty:   pretty,
		out:      os.Stdout,
		err:      os.Stderr,
	}
}

// NewWithWriter sends every level to w. Used by tests and one-shot tools.
func NewWithWriter(service string, w io.Writer, level Level) *Logger {
	return &Logger{service: service, minLevel: level, out: w, err: w}
}

// Nop discards everything.
func Nop() *Logger {
	return NewWithWriter("nop", io.Discard, LevelError+1)
}

func (l *Logger) Debug(e Entry) { l.log(LevelDebug, e, nil) }
func (l *Logger) Info(e Entry)  { l.log(LevelInfo, e, nil) }
func (l *Logger) Warn(e Entry)  { l.log(LevelWarn, e, nil) }
func (l *Logger) Error(e Entry) { l.log(LevelError, e, nil) }

// Fatal logs with a stack trace and exits.
func (l *Logger) Fatal(e Entry) {
	if e.Error == nil {
		e.Error = &ErrObj{Msg: e.Message}
	}
	if e.Error.Stack == "" {
		e.Error.Stack = string(debug.Stack())
	}
	l.log(LevelError, e, nil)
	os.Exit(1)
}

// With returns a logger that merges base into every entry's Additional map.
func (l *Logger) With(base map[string]any) *ContextLogger {
	return &ContextLogger{parent: l, base: base}
}

// ForBooking tags entries with a request and booking id.
func (l *Logger) ForBooking(requestID, bookingID string) *ContextLogger {
	base := map[string]any{}
	if requestID != "" {
		base["request_id"] = requestID
	}
	if bookingID != "" {
		base["booking_id"] = bookingID
	}
	return &ContextLogger{parent: l, base: base}
}

type ContextLogger struct {
	parent *Logger
	base   map[string]any
}

func (c *ContextLogger) Debug(e Entry) { c.parent.log(LevelDebug, e, c.base) }
func (c *ContextLogger) Info(e Entry)  { c.parent.log(LevelInfo, e, c.base) }
func (c *ContextLogger) Warn(e Entry)  { c.parent.log(LevelWarn, e, c.base) }
func (c *ContextLogger) Error(e Entry) { c.parent.log(LevelError, e, c.base) }

var reserved = map[string]struct{}{
	"timestamp": {}, "level": {}, "service": {}, "action": {}, "message": {},
	"hostname": {}, "request_id": {}, "booking_id": {},
}

func (l *Logger) log(level Level, e Entry, base map[string]any) {
	if l == nil || level < l.minLevel {
		return
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.Level = level.String()
	if e.Service == "" {
		e.Service = l.service
	}
	if e.Hostname == "" {
		e.Hostname = l.hostname
	}
	if e.RequestID == "" {
		e.RequestID, _ = base["request_id"].(string)
	}
	if e.BookingID == "" {
		e.BookingID, _ = base["booking_id"].(string)
	}
	if len(base) > 0 {
		if e.Additional == nil {
			e.Additional = make(map[string]any, len(base))
		}
		for k, v := range base {
			if _, skip := reserved[k]; skip {
				continue
			}
			e.Additional[k] = v
		}
	}
	if level == LevelError {
		if e.Additional == nil {
			e.Additional = make(map[string]any, 1)
		}
		if _, ok := e.Additional["caller"]; !ok {
			if _, file, line, ok := runtime.Caller(3); ok {
				e.Additional["caller"] = fmt.Sprintf("%s:%d", file, line)
			}
		}
	}

	var (
		b   []byte
		err error
	)
	if l.pretty {
		b, err = json.MarshalIndent(e, "", "  ")
	} else {
		b, err = json.Marshal(e)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.out
	if level == LevelError {
		w = l.err
	}
	if err != nil {
		fmt.Fprintf(l.err, `{"timestamp":%q,"level":"ERROR","service":%q,"message":"marshal log entry: %v"}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), l.service, err)
		return
	}
	_, _ = w.Write(append(b, '\n'))
}
