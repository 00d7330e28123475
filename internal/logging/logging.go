// Package logging provides the leveled logger shared by the server and
// client, with optional rotated file output.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level filters log output.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level; unknown strings mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// Options configures a Logger.
type Options struct {
	Level Level
	File  string // when set, output also goes to a rotated file
}

// Logger is a leveled wrapper over the standard logger.
type Logger struct {
	logger *log.Logger
	level  Level
	file   *lumberjack.Logger
}

// New creates a logger writing to stderr, and to a rotated file when
// opts.File is set.
func New(opts Options) (*Logger, error) {
	var writers []io.Writer
	writers = append(writers, os.Stderr)

	var file *lumberjack.Logger
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
		writers = append(writers, file)
	}

	return &Logger{
		logger: log.New(io.MultiWriter(writers...), "", log.LstdFlags),
		level:  opts.Level,
		file:   file,
	}, nil
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{logger: log.New(io.Discard, "", 0), level: LevelError + 1}
}

// Close flushes the rotated file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) Debug(format string, v ...any) { l.emit(LevelDebug, "DEBUG", format, v...) }
func (l *Logger) Info(format string, v ...any)  { l.emit(LevelInfo, "INFO", format, v...) }
func (l *Logger) Warn(format string, v ...any)  { l.emit(LevelWarn, "WARN", format, v...) }
func (l *Logger) Error(format string, v ...any) { l.emit(LevelError, "ERROR", format, v...) }

func (l *Logger) emit(level Level, tag, format string, v ...any) {
	if level < l.level {
		return
	}
	l.logger.Printf("["+tag+"] "+format, v...)
}
