// Package logging provides the small leveled-logger contract the rest of
// the daemon depends on instead of reaching for a global logger. There is
// deliberately no logging framework here: a thin wrapper around the
// standard log package is the ambient choice (see DESIGN.md).
package logging

import (
	"io"
	"log"
	"os"
)

// Level is the daemon's four-level logging taxonomy.
type Level int

const (
	LevelNone Level = iota
	LevelError
	LevelInfo
	LevelDebug
)

// ParseLevel converts a CLI/config string to a Level, defaulting to
// LevelError on anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "none":
		return LevelNone
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelError
	}
}

// Logger is the interface every core component depends on instead of
// calling log.Printf directly.
type Logger interface {
	Errorf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
}

// StdLogger is the default Logger, writing through the standard log
// package to a selectable sink, filtered by Level.
type StdLogger struct {
	level Level
	out   *log.Logger
}

// NewStdLogger builds a StdLogger writing to w at the given level.
func NewStdLogger(w io.Writer, level Level) *StdLogger {
	return &StdLogger{level: level, out: log.New(w, "", log.LstdFlags)}
}

// NewStdout and NewStderr are convenience constructors matching the
// documented "log_output" choices (syslog is not supported, see SPEC_FULL.md).
func NewStdout(level Level) *StdLogger { return NewStdLogger(os.Stdout, level) }
func NewStderr(level Level) *StdLogger { return NewStdLogger(os.Stderr, level) }

func (l *StdLogger) Errorf(format string, args ...any) {
	if l.level >= LevelError {
		l.out.Printf("ERROR: "+format, args...)
	}
}

func (l *StdLogger) Infof(format string, args ...any) {
	if l.level >= LevelInfo {
		l.out.Printf("INFO: "+format, args...)
	}
}

func (l *StdLogger) Debugf(format string, args ...any) {
	if l.level >= LevelDebug {
		l.out.Printf("DEBUG: "+format, args...)
	}
}

// Nop is a Logger that discards everything; used as a safe zero value in
// tests that don't care about log output.
type Nop struct{}

func (Nop) Errorf(string, ...any) {}
func (Nop) Infof(string, ...any)  {}
func (Nop) Debugf(string, ...any) {}
