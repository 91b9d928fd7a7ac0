// Package tlog is the levelled, prefix-forking logger used throughout the
// transport stack. Every object that participates in a session (stack,
// session, channel) forks its own prefix so a single log line identifies the
// connection it belongs to, and every error created through a Logger carries
// the same prefix.
package tlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel specifies the level of spew that should go to the log
type LogLevel int32

const (
	// LogLevelUnknown is the zero value; its behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal

	// LogLevelError is for unexpected error messages
	LogLevelError

	// LogLevelWarning is for Warning messages
	LogLevelWarning

	// LogLevelInfo is for Info messages
	LogLevelInfo

	// LogLevelDebug is for debug messages
	LogLevelDebug

	// LogLevelTrace is for trace messages
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel)
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	result["warn"] = LogLevelWarning
	return result
}()

// ParseLogLevel converts a level name ("error", "info", "debug", ...) to a LogLevel
func ParseLogLevel(s string) (LogLevel, error) {
	result, ok := nameToLogLevel[strings.ToLower(strings.TrimSpace(s))]
	if !ok || result == LogLevelUnknown {
		return LogLevelUnknown, fmt.Errorf("unknown log level: %q", s)
	}
	return result, nil
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// Logger is a logging component that supports logging levels and prefix forking
type Logger interface {
	// Prefix returns the Logger's prefix string (does not include ": " trailer)
	Prefix() string

	// GetLogLevel returns the current log level
	GetLogLevel() LogLevel

	// SetLogLevel changes the log level of this logger (forks made afterwards inherit it)
	SetLogLevel(logLevel LogLevel)

	// Panicf outputs a log message and then panics
	Panicf(f string, args ...interface{})

	// PanicOnError does nothing if err is nil; otherwise logs and panics
	PanicOnError(err error)

	// Logf outputs to a Logger iff logging level is enabled
	Logf(logLevel LogLevel, f string, args ...interface{})

	// ELogf outputs to a Logger iff ERROR logging level is enabled
	ELogf(f string, args ...interface{})

	// WLogf outputs to a Logger iff WARNING logging level is enabled
	WLogf(f string, args ...interface{})

	// ILogf outputs to a Logger iff INFO logging level is enabled
	ILogf(f string, args ...interface{})

	// DLogf outputs to a Logger iff DEBUG logging level is enabled
	DLogf(f string, args ...interface{})

	// TLogf outputs to a Logger iff TRACE logging level is enabled
	TLogf(f string, args ...interface{})

	// Errorf returns an error whose message has the Logger's prefix. %w verbs
	// wrap their operand as with fmt.Errorf.
	Errorf(f string, args ...interface{}) error

	// Sprintf returns a string that has the Logger's prefix
	Sprintf(f string, args ...interface{}) string

	// ELogErrorf logs at ERROR level and returns the same message as an error
	ELogErrorf(f string, args ...interface{}) error

	// WLogErrorf logs at WARNING level and returns the same message as an error
	WLogErrorf(f string, args ...interface{}) error

	// ILogErrorf logs at INFO level and returns the same message as an error
	ILogErrorf(f string, args ...interface{}) error

	// DLogErrorf logs at DEBUG level and returns the same message as an error
	DLogErrorf(f string, args ...interface{}) error

	// Fork creates a new Logger that has an additional formatted string appended onto
	// an existing logger's prefix (with ": " added between)
	Fork(prefix string, args ...interface{}) Logger
}

// BasicLogger is a logical log output stream with a level filter
// and a prefix added to each output record.
type BasicLogger struct {
	prefix string
	// prefixC is prefix if prefix is empty; otherwise prefix + ": "
	prefixC  string
	out      *log.Logger
	logLevel int32
}

const defaultLogFlags = log.Ldate | log.Ltime | log.Lmicroseconds

// NewLogger creates a new Logger with a given prefix, emitting output to os.Stderr
func NewLogger(prefix string, logLevel LogLevel) Logger {
	return NewLoggerWithWriter(os.Stderr, prefix, logLevel)
}

// NewLoggerWithWriter creates a new Logger with a given prefix that emits output to w
func NewLoggerWithWriter(w io.Writer, prefix string, logLevel LogLevel) Logger {
	return newBasicLogger(log.New(w, "", defaultLogFlags), prefix, logLevel)
}

// Discard returns a Logger that drops all output. Errors created through it
// still carry its prefix.
func Discard(prefix string) Logger {
	return newBasicLogger(log.New(io.Discard, "", 0), prefix, LogLevelError)
}

func newBasicLogger(out *log.Logger, prefix string, logLevel LogLevel) *BasicLogger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		out:      out,
		logLevel: int32(logLevel),
	}
}

func (l *BasicLogger) enabled(logLevel LogLevel) bool {
	return logLevel <= l.GetLogLevel() || logLevel <= LogLevelFatal
}

func (l *BasicLogger) emit(logLevel LogLevel, msg string) {
	l.out.Print(msg)
	switch logLevel {
	case LogLevelFatal:
		os.Exit(1)
	case LogLevelPanic:
		panic(msg)
	}
}

// Logf outputs to a Logger if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic or LogLevelFatal, exits appropriately
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if l.enabled(logLevel) {
		l.emit(logLevel, l.Sprintf(f, args...))
	}
}

func (l *BasicLogger) logErrorf(logLevel LogLevel, f string, args ...interface{}) error {
	err := l.Errorf(f, args...)
	if l.enabled(logLevel) {
		l.emit(logLevel, err.Error())
	}
	return err
}

// Panicf outputs a formatted log message, and then panics
func (l *BasicLogger) Panicf(f string, args ...interface{}) {
	l.Logf(LogLevelPanic, f, args...)
}

// PanicOnError does nothing if err is nil; otherwise
// outputs a log message, and then panics
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panicf("%s", err)
	}
}

// ELogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) ELogf(f string, args ...interface{}) {
	l.Logf(LogLevelError, f, args...)
}

// WLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) WLogf(f string, args ...interface{}) {
	l.Logf(LogLevelWarning, f, args...)
}

// ILogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) ILogf(f string, args ...interface{}) {
	l.Logf(LogLevelInfo, f, args...)
}

// DLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) DLogf(f string, args ...interface{}) {
	l.Logf(LogLevelDebug, f, args...)
}

// TLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) TLogf(f string, args ...interface{}) {
	l.Logf(LogLevelTrace, f, args...)
}

// Errorf returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return fmt.Errorf(l.prefixC+f, args...)
}

// Sprintf returns a string that has the Logger's prefix
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// ELogErrorf outputs an error message iff ERROR logging level is enabled,
// and returns an error object with the logger's prefix
func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelError, f, args...)
}

// WLogErrorf outputs an error message iff WARNING logging level is enabled,
// and returns an error object with the logger's prefix
func (l *BasicLogger) WLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelWarning, f, args...)
}

// ILogErrorf outputs an error message iff INFO logging level is enabled,
// and returns an error object with the logger's prefix
func (l *BasicLogger) ILogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelInfo, f, args...)
}

// DLogErrorf outputs an error message iff DEBUG logging level is enabled,
// and returns an error object with the logger's prefix
func (l *BasicLogger) DLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelDebug, f, args...)
}

// Fork creates a new Logger that has an additional formatted string appended onto
// an existing logger's prefix (with ": " added between). The fork shares the
// parent's output stream.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	newPrefix := fmt.Sprintf(prefix, args...)
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + newPrefix
	}
	return newBasicLogger(l.out, newPrefix, l.GetLogLevel())
}

// Prefix returns the Logger's prefix string (does not include ": " trailer)
func (l *BasicLogger) Prefix() string {
	return l.prefix
}

// GetLogLevel returns the log level
func (l *BasicLogger) GetLogLevel() LogLevel {
	return LogLevel(atomic.LoadInt32(&l.logLevel))
}

// SetLogLevel sets the log level
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) {
	atomic.StoreInt32(&l.logLevel, int32(logLevel))
}
