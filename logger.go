package ratewise

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger receives debug output from the client. Key-value pairs alternate
// keys and values, slog-style. The client never logs request or response
// bodies; redaction of anything passed through headers is the caller's
// concern.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// SimpleLogger writes leveled key=value lines to stderr.
type SimpleLogger struct {
	l *log.Logger
}

// NewSimpleLogger creates a console logger.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{l: log.New(os.Stderr, "", log.LstdFlags)}
}

// Debug implements Logger.
func (s *SimpleLogger) Debug(msg string, keysAndValues ...interface{}) {
	s.print("DEBUG", msg, keysAndValues)
}

// Info implements Logger.
func (s *SimpleLogger) Info(msg string, keysAndValues ...interface{}) {
	s.print("INFO", msg, keysAndValues)
}

// Warn implements Logger.
func (s *SimpleLogger) Warn(msg string, keysAndValues ...interface{}) {
	s.print("WARN", msg, keysAndValues)
}

// Error implements Logger.
func (s *SimpleLogger) Error(msg string, keysAndValues ...interface{}) {
	s.print("ERROR", msg, keysAndValues)
}

func (s *SimpleLogger) print(level, msg string, kv []interface{}) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	if len(kv)%2 == 1 {
		fmt.Fprintf(&b, " %v=?", kv[len(kv)-1])
	}
	s.l.Print(b.String())
}
