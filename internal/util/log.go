// Package util provides logging and traffic statistics shared by every
// component.
package util

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// fileLogger is the optional colourless copy of the log set by LogToFile.
var fileLogger atomic.Pointer[pterm.Logger]

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr, and to the log file when LogToFile is active.

func LogDebug(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	pterm.DefaultLogger.Debug(msg)
	if l := fileLogger.Load(); l != nil {
		l.Debug(msg)
	}
}

func LogInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	pterm.DefaultLogger.Info(msg)
	if l := fileLogger.Load(); l != nil {
		l.Info(msg)
	}
}

func LogSuccess(format string, args ...interface{}) {
	LogInfo(format, args...)
}

func LogWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	pterm.DefaultLogger.Warn(msg)
	if l := fileLogger.Load(); l != nil {
		l.Warn(msg)
	}
}

func LogError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	pterm.DefaultLogger.Error(msg)
	if l := fileLogger.Load(); l != nil {
		l.Error(msg)
	}
}

// EnableDebug configures the loggers to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
	if l := fileLogger.Load(); l != nil {
		fileLogger.Store(l.WithLevel(pterm.LogLevelDebug))
	}
}

// LogToFile also writes every log line to a size-rotated file at path, as
// JSON without terminal styling. The returned closer stops file logging
// and releases the file.
func LogToFile(path string) io.Closer {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	fileLogger.Store(pterm.DefaultLogger.
		WithWriter(w).
		WithFormatter(pterm.LogFormatterJSON))
	return &fileLog{w: w}
}

type fileLog struct {
	w *lumberjack.Logger
}

func (f *fileLog) Close() error {
	fileLogger.Store(nil)
	return f.w.Close()
}
