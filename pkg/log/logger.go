package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps debug|info|warn|error|fatal (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Fields is a map of field names to values.
type Fields map[string]interface{}

// Context keys for propagating logging context
const (
	ComponentKey = "component"
	LogNameKey   = "log"
)

// Entry represents a single log entry.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
}

// Logger defines the core logging interface for csvsync components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	Debugf(msg string, args ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})

	With(fields ...Field) Logger
	WithError(err error) Logger
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Formatter defines the interface for formatting log entries.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Output defines the interface for log outputs.
type Output interface {
	Write(entry *Entry, formattedEntry []byte) error
	Close() error
}

// LoggerOption configures a BaseLogger.
type LoggerOption func(*BaseLogger)

// BaseLogger implements Logger by formatting entries and fanning them out to
// every output. Children made with With share level, formatter and outputs.
type BaseLogger struct {
	level     *levelVar
	formatter Formatter
	outputs   []Output
	redact    []string
	sl        *slog.Logger
}

// levelVar is shared by a logger and every child derived with With, so
// SetLevel on the root affects the whole tree.
type levelVar struct{ v Level }

// NewLogger builds a logger at info level with a text formatter. Without a
// WithOutput option it writes to the console.
func NewLogger(options ...LoggerOption) Logger {
	l := &BaseLogger{
		level:     &levelVar{v: InfoLevel},
		formatter: &TextFormatter{},
	}
	for _, apply := range options {
		apply(l)
	}
	if len(l.outputs) == 0 {
		l.outputs = []Output{NewConsoleOutput()}
	}
	l.sl = slog.New(newEntryHandler(l, l.redact))
	return l
}

// WithLevel sets the minimum level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level.v = level }
}

// WithFormatter replaces the text formatter.
func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = formatter }
}

// WithOutput adds an output.
func WithOutput(output Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, output) }
}

// WithRedactedKeys replaces the values of the given field keys with [REDACTED].
func WithRedactedKeys(keys ...string) LoggerOption {
	return func(l *BaseLogger) { l.redact = append(l.redact, keys...) }
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return NewLogger(WithLevel(FatalLevel+1), WithOutput(NullOutput{}))
}

func (l *BaseLogger) emit(level Level, msg string, attrs []slog.Attr) {
	if level < l.level.v {
		return
	}
	l.sl.LogAttrs(context.Background(), toSlogLevel(level), msg, attrs...)
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.emit(DebugLevel, msg, fieldAttrs(fields)) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.emit(InfoLevel, msg, fieldAttrs(fields)) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.emit(WarnLevel, msg, fieldAttrs(fields)) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.emit(ErrorLevel, msg, fieldAttrs(fields)) }

// Fatal logs and exits the process with status 1.
func (l *BaseLogger) Fatal(msg string, fields ...Field) {
	l.emit(FatalLevel, msg, fieldAttrs(fields))
	os.Exit(1)
}

// The f variants take alternating key/value pairs, not a format string.
func (l *BaseLogger) Debugf(msg string, args ...interface{}) { l.emit(DebugLevel, msg, pairAttrs(args)) }
func (l *BaseLogger) Infof(msg string, args ...interface{})  { l.emit(InfoLevel, msg, pairAttrs(args)) }
func (l *BaseLogger) Warnf(msg string, args ...interface{})  { l.emit(WarnLevel, msg, pairAttrs(args)) }
func (l *BaseLogger) Errorf(msg string, args ...interface{}) { l.emit(ErrorLevel, msg, pairAttrs(args)) }

// With returns a child logger carrying the given fields on every entry.
func (l *BaseLogger) With(fields ...Field) Logger {
	attrs := fieldAttrs(fields)
	if len(attrs) == 0 {
		return l
	}
	child := *l
	child.sl = slog.New(l.sl.Handler().WithAttrs(attrs))
	return &child
}

// WithError attaches err under the "error" key.
func (l *BaseLogger) WithError(err error) Logger { return l.With(Err(err)) }

// WithComponent tags every entry with a component name.
func (l *BaseLogger) WithComponent(component string) Logger { return l.With(Component(component)) }

func (l *BaseLogger) SetLevel(level Level) { l.level.v = level }
func (l *BaseLogger) GetLevel() Level      { return l.level.v }
