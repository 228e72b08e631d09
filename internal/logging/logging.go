// Package logging provides the structured-but-plain key=value logging style used
// throughout this repo, grounded on the teacher's direct log.Printf/log.Fatalf call
// sites (no logging framework is introduced; see DESIGN.md).
package logging

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

// Logger wraps a standard library *log.Logger, rendering Fields as "key=value" pairs
// appended to the message so every line can carry phase/data-type context (§7).
type Logger struct {
	std *log.Logger
}

// New returns a Logger with prefix (typically the component name, e.g. "extractor").
func New(prefix string) *Logger {
	return &Logger{std: log.New(os.Stderr, prefix+": ", log.LstdFlags)}
}

// Fields is a set of key=value pairs rendered after the log message, sorted by key.
type Fields map[string]any

func (f Fields) render() string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, f[k]))
	}
	return " " + strings.Join(parts, " ")
}

// Info logs an informational line.
func (l *Logger) Info(msg string, f Fields) {
	l.std.Printf("INFO %s%s", msg, f.render())
}

// Warn logs a warning line.
func (l *Logger) Warn(msg string, f Fields) {
	l.std.Printf("WARN %s%s", msg, f.render())
}

// Error logs an error line.
func (l *Logger) Error(msg string, f Fields) {
	l.std.Printf("ERROR %s%s", msg, f.render())
}

// Fatal logs an error line and exits with status 1, per §7's Configuration-kind
// error handling: startup-only, never mid-run.
func (l *Logger) Fatal(msg string, f Fields) {
	l.std.Fatalf("FATAL %s%s", msg, f.render())
}
