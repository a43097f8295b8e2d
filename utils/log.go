package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const timeLayout = "01/02/2006 03:04:05"

// Logger writes every message to the console and info-and-above to an
// optional log file. Messages starting with "> " are progress lines: on the
// console they end in '\r' so the next one overwrites them.
type Logger struct {
	mu        sync.Mutex
	console   io.Writer
	file      io.WriteCloser
	fileLevel Level
	now       func() time.Time
}

func NewLogger(console io.Writer) *Logger {
	return &Logger{console: console, fileLevel: LevelInfo, now: time.Now}
}

// OpenLogger logs to stdout and appends to logFile.
func OpenLogger(logFile string) (*Logger, error) {
	l := NewLogger(os.Stdout)
	f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	l.file = f
	return l, nil
}

func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if l == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	entry := l.now().Format(timeLayout) + " " + msg
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.HasPrefix(msg, "> ") {
		fmt.Fprintf(l.console, "%s\r", strings.TrimRight(entry, " \n"))
	} else {
		fmt.Fprintf(l.console, "%s\n", entry)
	}
	if l.file != nil && level >= l.fileLevel {
		fmt.Fprintf(l.file, "%s\n", entry)
	}
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

var std = NewLogger(os.Stdout)

// SetDefault routes the package-level helpers to l.
func SetDefault(l *Logger) { std = l }

func Default() *Logger { return std }

// Debugf logs through the package logger.
func Debugf(format string, args ...any) { std.Debugf(format, args...) }
func Infof(format string, args ...any)  { std.Infof(format, args...) }
func Warnf(format string, args ...any)  { std.Warnf(format, args...) }
func Errorf(format string, args ...any) { std.Errorf(format, args...) }
