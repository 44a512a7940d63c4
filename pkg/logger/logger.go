// Package logger is the process-wide component logger.
//
// Lines go to stderr as
//
//	[2026-01-02T15:04:05Z] [INFO] gateway: listening {addr=127.0.0.1:9470}
//
// and, when a file sink is enabled, as JSON lines. Messages and string
// fields pass through the redaction package first.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picogate/pkg/redaction"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel accepts debug, info, warn/warning, error and fatal in any case.
func ParseLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, true
	case "info", "":
		return INFO, true
	case "warn", "warning":
		return WARN, true
	case "error":
		return ERROR, true
	case "fatal":
		return FATAL, true
	}
	return INFO, false
}

type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

var (
	mu               sync.RWMutex
	currentLevel     = INFO
	console          io.Writer = os.Stderr
	file             *os.File
	redactionEnabled = true
	exit             = os.Exit
)

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput redirects console output. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	console = w
}

// EnableFileLogging appends JSON lines to path in addition to the console.
func EnableFileLogging(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
	}
	file = f
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
}

// SetRedactionEnabled toggles redaction of log output.
func SetRedactionEnabled(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	redactionEnabled = enabled
}

func logMessage(level LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	if level < currentLevel {
		mu.RUnlock()
		return
	}
	redact := redactionEnabled
	out := console
	f := file
	mu.RUnlock()

	if redact {
		message = redaction.Redact(message)
		fields = redaction.RedactFields(fields)
	}

	entry := LogEntry{
		Level:     level.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	if f != nil {
		if _, path, line, ok := runtime.Caller(2); ok {
			entry.Caller = fmt.Sprintf("%s:%d", trimPath(path), line)
		}
		if data, err := json.Marshal(entry); err == nil {
			f.Write(append(data, '\n'))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s]", entry.Timestamp, entry.Level)
	if component != "" {
		fmt.Fprintf(&b, " %s:", component)
	}
	b.WriteByte(' ')
	b.WriteString(message)
	if len(fields) > 0 {
		b.WriteByte(' ')
		b.WriteString(formatFields(fields))
	}
	b.WriteByte('\n')
	io.WriteString(out, b.String())

	if level == FATAL {
		exit(1)
	}
}

func trimPath(path string) string {
	if i := strings.LastIndex(path, "/pkg/"); i >= 0 {
		return path[i+1:]
	}
	if i := strings.LastIndex(path, "/cmd/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// formatFields renders fields sorted by key so lines are stable.
func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }

func DebugF(message string, fields map[string]any) { logMessage(DEBUG, "", message, fields) }

func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) { logMessage(INFO, "", message, nil) }

func InfoC(component, message string) { logMessage(INFO, component, message, nil) }

func InfoF(message string, fields map[string]any) { logMessage(INFO, "", message, fields) }

func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) { logMessage(WARN, "", message, nil) }

func WarnC(component, message string) { logMessage(WARN, component, message, nil) }

func WarnF(message string, fields map[string]any) { logMessage(WARN, "", message, fields) }

func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) { logMessage(ERROR, "", message, nil) }

func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func ErrorF(message string, fields map[string]any) { logMessage(ERROR, "", message, fields) }

func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}

func Fatal(message string) { logMessage(FATAL, "", message, nil) }

func FatalC(component, message string) { logMessage(FATAL, component, message, nil) }

func FatalCF(component, message string, fields map[string]any) {
	logMessage(FATAL, component, message, fields)
}
