// Package logging provides the process-wide leveled logger. Lines are
// formatted as "YYYY-MM-DD HH:MM:SS,mmm [LEVEL] msg" and written to stderr
// and, once Setup has run, to LOG_DIR/app.log as well.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	mu    sync.Mutex
	out   io.Writer = os.Stderr
	file  *os.File
	debug bool
)

// Setup opens (or creates) logDir/app.log and tees all subsequent log lines
// into it. Safe to call once at startup; errors leave stderr-only logging.
func Setup(logDir string) error {
	if logDir == "" {
		return nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "app.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
	}
	file = f
	out = io.MultiWriter(os.Stderr, f)
	return nil
}

// Close flushes and closes the log file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
		out = os.Stderr
	}
}

// SetDebug toggles DEBUG lines.
func SetDebug(on bool) {
	mu.Lock()
	debug = on
	mu.Unlock()
}

func emit(level, format string, args ...interface{}) {
	now := time.Now()
	ts := now.Format("2006-01-02 15:04:05") + fmt.Sprintf(",%03d", now.Nanosecond()/1e6)
	line := ts + " [" + level + "] " + fmt.Sprintf(format, args...) + "\n"
	mu.Lock()
	defer mu.Unlock()
	io.WriteString(out, line)
}

func Debugf(format string, args ...interface{}) {
	mu.Lock()
	on := debug
	mu.Unlock()
	if !on {
		return
	}
	emit("DEBUG", format, args...)
}

func Infof(format string, args ...interface{})  { emit("INFO", format, args...) }
func Warnf(format string, args ...interface{})  { emit("WARNING", format, args...) }
func Errorf(format string, args ...interface{}) { emit("ERROR", format, args...) }
