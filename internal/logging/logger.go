// Package logging is the process-wide structured logger. Calls are no-ops
// until Init or InitWriter runs, so library code and tests can log freely.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	// Logger is the global logger instance
	Logger *log.Logger

	// logFile is the file handle for the log file
	logFile *os.File

	mu sync.Mutex
)

// Init opens a dated log file under dir (created if missing) and logs there.
func Init(dir string, level string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFileName := fmt.Sprintf("relayfeed-%s.log", time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	mu.Lock()
	logFile = f
	mu.Unlock()

	InitWriter(f, level)
	Logger.Info("relayfeed started")
	return nil
}

// InitWriter logs to w at the given level ("debug", "info", "warn", "error").
// Unknown levels fall back to info.
func InitWriter(w io.Writer, level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}

	mu.Lock()
	defer mu.Unlock()
	Logger = log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           lvl,
	})
}

// Close closes the log file
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if Logger != nil {
		Logger.Info("relayfeed shutting down")
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Info logs an info message
func Info(msg string, keyvals ...interface{}) {
	if l := current(); l != nil {
		l.Info(msg, keyvals...)
	}
}

// Debug logs a debug message
func Debug(msg string, keyvals ...interface{}) {
	if l := current(); l != nil {
		l.Debug(msg, keyvals...)
	}
}

// Warn logs a warning message
func Warn(msg string, keyvals ...interface{}) {
	if l := current(); l != nil {
		l.Warn(msg, keyvals...)
	}
}

// Error logs an error message
func Error(msg string, keyvals ...interface{}) {
	if l := current(); l != nil {
		l.Error(msg, keyvals...)
	}
}

// WithPrefix returns a logger with a prefix, or nil before initialization.
func WithPrefix(prefix string) *log.Logger {
	if l := current(); l != nil {
		return l.WithPrefix(prefix)
	}
	return nil
}

func current() *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	return Logger
}
