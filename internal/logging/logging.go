// Package logging provides vault-conductor's logf plumbing: a leveled
// wrapper around the standard library's log.Logger, plus the default log
// file location for the background daemon.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
)

// Level is a verbosity level, increased once per -v flag
type Level int

const (
	LevelInfo Level = iota
	LevelVerbose
	LevelDebug
	LevelTrace
)

// LevelFor maps a repeated -v count to a Level, clamping at the highest
// defined level.
func LevelFor(vCount int) Level {
	switch {
	case vCount <= 0:
		return LevelInfo
	case vCount == 1:
		return LevelVerbose
	case vCount == 2:
		return LevelDebug
	default:
		return LevelTrace
	}
}

// Logger wraps a standard library logger with a minimum level below which
// messages are dropped.
type Logger struct {
	std *log.Logger
	min Level
}

// New builds a Logger writing to w with the given minimum level.
func New(w io.Writer, min Level) *Logger {
	return &Logger{std: log.New(w, "", log.LstdFlags), min: min}
}

// Logf logs at LevelInfo. Its method value matches the func(string, ...any)
// convention used throughout vault-conductor's internal packages.
func (l *Logger) Logf(format string, args ...any) {
	l.logAt(LevelInfo, format, args...)
}

// VerboseLogf logs at LevelVerbose; dropped unless -v was given.
func (l *Logger) VerboseLogf(format string, args ...any) {
	l.logAt(LevelVerbose, format, args...)
}

// DebugLogf logs at LevelDebug; dropped unless -vv was given.
func (l *Logger) DebugLogf(format string, args ...any) {
	l.logAt(LevelDebug, format, args...)
}

func (l *Logger) logAt(level Level, format string, args ...any) {
	if level > l.min {
		return
	}
	l.std.Output(3, fmt.Sprintf(format, args...))
}

// DefaultLogPath returns the background daemon's log file location: on
// macOS ~/Library/Logs/vault-conductor/vault-conductor.log, on other POSIX
// systems ~/.local/state/vault-conductor/logs/vault-conductor.log.
func DefaultLogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Logs", "vault-conductor")
	default:
		dir = filepath.Join(home, ".local", "state", "vault-conductor", "logs")
	}
	return filepath.Join(dir, "vault-conductor.log"), nil
}

// OpenLogFile opens (creating parent directories as needed) the daemon's
// log file for appending.
func OpenLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}
