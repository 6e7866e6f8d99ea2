package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota
	// INFO level for general operational information
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
	// FATAL level for fatal errors that require immediate attention
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

// levelFatal sits above slog.LevelError so fatal records are never filtered.
const levelFatal = slog.Level(12)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	case FATAL:
		return levelFatal
	default:
		return slog.LevelInfo
	}
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "INFO"
}

// ParseLevel converts a level name such as "debug" or "warn" to a LogLevel.
// Unknown names map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Logger is a leveled, structured logger bound to a component name.
type Logger struct {
	level     *slog.LevelVar
	base      *slog.Logger
	component string
}

var (
	defaultLogger *Logger
	mu            sync.Mutex
	once          sync.Once
)

// New builds a Logger writing to w. format is "json" or "text".
func New(w io.Writer, level LogLevel, format, component string) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level.slogLevel())

	opts := &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == levelFatal {
					a.Value = slog.StringValue("FATAL")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		level:     lv,
		base:      slog.New(handler).With("component", component),
		component: component,
	}
}

// InitLogger initializes the default logger
func InitLogger(level LogLevel, component string) {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if defaultLogger == nil {
			defaultLogger = New(os.Stdout, level, "text", component)
		}
	})
}

// Configure replaces the default logger; used by binaries after loading
// configuration.
func Configure(w io.Writer, level LogLevel, format, component string) *Logger {
	l := New(w, level, format, component)
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
	return l
}

// GetLogger returns the default logger instance
func GetLogger() *Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l == nil {
		InitLogger(INFO, "default")
		mu.Lock()
		l = defaultLogger
		mu.Unlock()
	}
	return l
}

// WithComponent creates a new logger with the specified component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		level:     l.level,
		base:      l.base.With("component", component),
		component: component,
	}
}

// WithError returns a logger that attaches err to every record.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.With("error", err.Error())
}

// With returns a logger that attaches the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		level:     l.level,
		base:      l.base.With(args...),
		component: l.component,
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Set(level.slogLevel())
}

// Enabled reports whether records at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return l.base.Enabled(context.Background(), level.slogLevel())
}

// Debug logs debug level messages
func (l *Logger) Debug(msg string, args ...any) {
	l.base.Debug(msg, args...)
}

// Info logs info level messages
func (l *Logger) Info(msg string, args ...any) {
	l.base.Info(msg, args...)
}

// Warn logs warning level messages
func (l *Logger) Warn(msg string, args ...any) {
	l.base.Warn(msg, args...)
}

// Error logs error level messages
func (l *Logger) Error(msg string, args ...any) {
	l.base.Error(msg, args...)
}

// Fatal logs fatal level messages and exits
func (l *Logger) Fatal(msg string, args ...any) {
	l.base.Log(context.Background(), levelFatal, msg, args...)
	os.Exit(1)
}
