package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level represents a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelNames = [...]string{Debug: "DEBUG", Info: "INFO", Warn: "WARN", Error: "ERROR"}

func (l Level) String() string {
	if l < Debug || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel converts a string to a Level. An empty string is Info.
func ParseLevel(s string) (Level, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "":
		return Info, nil
	case "WARNING":
		return Warn, nil
	}
	for l, n := range levelNames {
		if n == name {
			return Level(l), nil
		}
	}
	return Info, fmt.Errorf("unsupported log level %q", s)
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	}
	return "unknown"
}

// ParseFormat converts a string to a Format. An empty string is Text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return Text, nil
	case "json":
		return JSON, nil
	}
	return Text, fmt.Errorf("unsupported log format %q", s)
}

// Field represents a structured log field. Error values are rendered with
// their Error method.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for Field{Key: key, Value: value}.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err renders an error under the "error" key. A nil error yields an empty
// field which the renderers skip.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Subsystem tags entries with the component that produced them.
func Subsystem(name string) Field {
	return Field{Key: "subsystem", Value: name}
}

// Logger defines leveled structured logging operations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
)

// Default returns the process-wide logger. Until SetDefault is called it
// discards everything.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultLogger == nil {
		return nop{}
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger. nil is ignored.
func SetDefault(l Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Nop returns a logger that drops every entry.
func Nop() Logger { return nop{} }

type nop struct{}

func (nop) Debug(string, ...Field) {}
func (nop) Info(string, ...Field)  {}
func (nop) Warn(string, ...Field)  {}
func (nop) Error(string, ...Field) {}
func (nop) With(...Field) Logger   { return nop{} }

// FromStrings builds a logger from textual level and format settings, as
// they arrive from flags or config files.
func FromStrings(level, format string, out io.Writer) (Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return New(lvl, f, out), nil
}

// sink serialises writes from every logger derived from one New call, so
// concurrent entries never interleave.
type sink struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func (s *sink) write(line []byte) {
	s.mu.Lock()
	_, _ = s.out.Write(line)
	s.mu.Unlock()
}

type logger struct {
	level  Level
	format Format
	fields []Field
	sink   *sink
}

// New constructs a Logger with the given level, format and output writer.
// Text entries look like
//
//	2024-01-02T15:04:05.000Z07:00 [INFO] connected subsystem=transport addr=10.0.0.2:5025
//
// and JSON entries carry "time", "level" and "msg" followed by the fields
// in the order they were given.
func New(level Level, format Format, out io.Writer) Logger {
	return &logger{
		level:  level,
		format: format,
		sink:   &sink{out: out, now: time.Now},
	}
}

func (l *logger) With(fields ...Field) Logger {
	return &logger{
		level:  l.level,
		format: l.format,
		fields: merge(l.fields, fields),
		sink:   l.sink,
	}
}

func (l *logger) Debug(msg string, fields ...Field) { l.log(Debug, msg, fields) }
func (l *logger) Info(msg string, fields ...Field)  { l.log(Info, msg, fields) }
func (l *logger) Warn(msg string, fields ...Field)  { l.log(Warn, msg, fields) }
func (l *logger) Error(msg string, fields ...Field) { l.log(Error, msg, fields) }

func (l *logger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	all := merge(l.fields, fields)
	ts := l.sink.now()
	var line []byte
	if l.format == JSON {
		line = renderJSON(ts, level, msg, all)
	} else {
		line = renderText(ts, level, msg, all)
	}
	l.sink.write(line)
}

// merge appends extra to base. A key already present in base takes the
// newer value in place. Fields without a key are dropped.
func merge(base, extra []Field) []Field {
	out := make([]Field, 0, len(base)+len(extra))
	for _, f := range base {
		if f.Key != "" {
			out = append(out, f)
		}
	}
next:
	for _, f := range extra {
		if f.Key == "" {
			continue
		}
		for i := range out {
			if out[i].Key == f.Key {
				out[i].Value = f.Value
				continue next
			}
		}
		out = append(out, f)
	}
	return out
}

func fieldValue(v any) any {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}

const textTimeLayout = "2006-01-02T15:04:05.000Z07:00"

func renderText(ts time.Time, level Level, msg string, fields []Field) []byte {
	var b strings.Builder
	b.WriteString(ts.Format(textTimeLayout))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] ")
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(textValue(fieldValue(f.Value)))
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// textValue quotes values that would otherwise be ambiguous, such as SCPI
// commands with an argument.
func textValue(v any) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func renderJSON(ts time.Time, level Level, msg string, fields []Field) []byte {
	var b bytes.Buffer
	b.WriteString(`{"time":`)
	writeJSONValue(&b, ts.Format(time.RFC3339Nano))
	b.WriteString(`,"level":`)
	writeJSONValue(&b, level.String())
	b.WriteString(`,"msg":`)
	writeJSONValue(&b, msg)
	for _, f := range fields {
		b.WriteByte(',')
		writeJSONValue(&b, f.Key)
		b.WriteByte(':')
		writeJSONValue(&b, fieldValue(f.Value))
	}
	b.WriteString("}\n")
	return b.Bytes()
}

func writeJSONValue(b *bytes.Buffer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprint(v))
	}
	b.Write(data)
}
