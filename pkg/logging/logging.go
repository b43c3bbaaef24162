// Package logging provides the levelled logger used by long-running modes.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level enumerates severity tiers.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}

// ParseLevel maps a level name (case-insensitive) to a Level. An empty name
// is INFO.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return INFO, nil
	}
	for i, n := range levelNames {
		if strings.EqualFold(n, s) {
			return Level(i), nil
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Logger is a concurrency-safe, levelled logger.
type Logger struct {
	mu    sync.Mutex
	level Level
	inner *log.Logger
	file  *os.File
	now   func() time.Time
}

// New writes to w at minLevel and above.
func New(w io.Writer, minLevel Level) *Logger {
	return &Logger{level: minLevel, inner: log.New(w, "", 0), now: time.Now}
}

// Open logs to stdout and, when path is non-empty, appends to the file at path.
func Open(minLevel Level, path string) (*Logger, error) {
	if path == "" {
		return New(os.Stdout, minLevel), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	l := New(io.MultiWriter(os.Stdout, f), minLevel)
	l.file = f
	return l, nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) log(lvl Level, format string, args ...any) {
	if l == nil || lvl < l.level {
		return
	}
	ts := l.now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	l.inner.Printf("[%s] %s  %s", lvl, ts, msg)
	l.mu.Unlock()
}

func (l *Logger) Debugf(f string, a ...any) { l.log(DEBUG, f, a...) }
func (l *Logger) Infof(f string, a ...any)  { l.log(INFO, f, a...) }
func (l *Logger) Warnf(f string, a ...any)  { l.log(WARN, f, a...) }
func (l *Logger) Errorf(f string, a ...any) { l.log(ERROR, f, a...) }

// Std returns a *log.Logger whose output is written at lvl. Components that
// take a plain *log.Logger are handed one of these.
func (l *Logger) Std(lvl Level) *log.Logger {
	return log.New(levelWriter{l: l, lvl: lvl}, "", 0)
}

type levelWriter struct {
	l   *Logger
	lvl Level
}

func (w levelWriter) Write(p []byte) (int, error) {
	w.l.log(w.lvl, "%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
