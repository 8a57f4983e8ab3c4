package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// RequestLog represents a single cache lookup as seen by an API caller.
type RequestLog struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Key        string    `json:"key"`
	Scope      string    `json:"scope"`
	Hit        bool      `json:"hit"`
	Forced     bool      `json:"forced,omitempty"`
	FailOpen   bool      `json:"fail_open,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Logger handles cache request logging.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
	out     io.Writer // console sink, stderr when nil
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// SetConsoleWriter redirects console output, which otherwise goes to stderr
// alongside the operational logs.
func (l *Logger) SetConsoleWriter(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

// Log writes a request log entry
func (l *Logger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	// Console output (human-readable)
	if l.console {
		out := l.out
		if out == nil {
			out = os.Stderr
		}
		status := "miss"
		if entry.Hit {
			status = "hit"
		}
		forced := ""
		if entry.Forced {
			forced = " [forced]"
		}
		degraded := ""
		if entry.FailOpen {
			degraded = " [fail-open]"
		}
		fmt.Fprintf(out, "[cache] %s %s %s %dms%s%s\n",
			status, entry.Key, entry.Scope, entry.DurationMs, forced, degraded)
		if entry.Error != "" {
			fmt.Fprintf(out, "[cache]   error: %s\n", entry.Error)
		}
	}

	// File output (JSON)
	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
