package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelNone disables all logging
	LevelNone
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name; unknown names fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Logger is a leveled printf-style logger. Loggers derived with WithPrefix
// share the parent's output and level.
type Logger struct {
	shared *output
	prefix string
}

type output struct {
	mu     sync.RWMutex
	level  Level
	logger *log.Logger
	file   *os.File
}

// New creates a logger writing to w.
func New(level Level, w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{shared: &output{level: level, logger: log.New(w, "", 0)}}
}

// NewFile creates a logger appending to logPath. An empty path logs to stderr.
func NewFile(level Level, logPath string) (*Logger, error) {
	if logPath == "" {
		return New(level, os.Stderr), nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := New(level, file)
	l.shared.file = file
	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(LevelNone, io.Discard)
}

// WithPrefix creates a logger with an additional prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	newPrefix := prefix
	if l.prefix != "" {
		newPrefix = l.prefix + ":" + prefix
	}
	return &Logger{shared: l.shared, prefix: newPrefix}
}

func (l *Logger) SetLevel(level Level) {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	l.shared.level = level
}

func (l *Logger) GetLevel() Level {
	l.shared.mu.RLock()
	defer l.shared.mu.RUnlock()
	return l.shared.level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.shared.mu.RLock()
	defer l.shared.mu.RUnlock()

	if l.shared.level == LevelNone || level < l.shared.level {
		return
	}

	prefix := ""
	if l.prefix != "" {
		prefix = "[" + l.prefix + "] "
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	l.shared.logger.Printf("%s [%s] %s%s", timestamp, level, prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()

	if l.shared.file != nil {
		err := l.shared.file.Close()
		l.shared.file = nil
		return err
	}
	return nil
}
