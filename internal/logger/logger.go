// Package logger wraps zerolog with readbridge's own field-correlation
// conventions, adapted from the teacher's internal/logger: the process-wide
// Setup/Get lifecycle and the nil-receiver-safe level methods carry over
// directly, but the correlation helpers below are built around this
// module's own domain (book_id, client) rather than the teacher's
// generic HTTP-request-ID middleware, which has no home here since
// readbridge's own operational surface (internal/server) is a thin
// health/manual-trigger endpoint, not a request-serving API worth
// middleware-level request tracing.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	zerolog.DefaultContextLogger = &zerolog.Logger{}
}

var (
	// globalLogger is the process-wide logger instance.
	globalLogger *Logger

	// once ensures the global logger is only initialized once.
	once sync.Once

	defaultConfig = Config{
		Level:      "info",
		Format:     FormatConsole,
		TimeFormat: time.RFC3339,
	}
)

// Logger wraps zerolog.Logger with readbridge's field-correlation helpers.
type Logger struct {
	zerolog.Logger
}

// LogFormat selects the output encoding.
type LogFormat string

const (
	FormatJSON    LogFormat = "json"
	FormatConsole LogFormat = "console"
)

func (f LogFormat) String() string { return string(f) }

// ParseLogFormat parses a config string into a LogFormat, defaulting to JSON
// on anything unrecognized.
func ParseLogFormat(format string) LogFormat {
	switch strings.ToLower(format) {
	case "console":
		return FormatConsole
	case "json":
		return FormatJSON
	default:
		return FormatJSON
	}
}

// Config holds the logger's construction parameters.
type Config struct {
	// Level is the log level (debug, info, warn, error, fatal, panic).
	Level string
	// Format is the output encoding (json, console).
	Format LogFormat
	// Output is the destination writer, defaulting to os.Stdout.
	Output io.Writer
	// TimeFormat controls the timestamp layout, defaulting to time.RFC3339.
	TimeFormat string
}

// Get returns the global logger instance, initializing it with
// defaultConfig if Setup was never called.
func Get() *Logger {
	once.Do(func() {
		if globalLogger == nil {
			setupLogger(defaultConfig)
		}
	})
	return globalLogger
}

// ResetForTesting resets the global logger and its sync.Once guard. Tests
// only.
func ResetForTesting() {
	globalLogger = nil
	once = sync.Once{}
}

// Setup initializes the global logger. Subsequent calls are ignored.
func Setup(cfg Config) {
	once.Do(func() {
		setupLogger(cfg)
	})
}

func setupLogger(cfg Config) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}

	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	switch cfg.Format {
	case FormatConsole:
		zl = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: cfg.TimeFormat})
	default:
		zl = zerolog.New(output)
	}

	zl = zl.Level(level).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(level)

	globalLogger = &Logger{Logger: zl}
}

// WithFields returns a child logger with the given fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	if l == nil {
		return Get()
	}
	if len(fields) == 0 {
		return l
	}

	zl := l.Logger
	for k, v := range fields {
		zl = zl.With().Interface(k, v).Logger()
	}
	return &Logger{Logger: zl}
}

// With returns a child logger with the given fields attached. Most call
// sites reach for WithBook or WithClient instead; With remains for the rare
// field shape that doesn't fit either.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return l.WithFields(fields)
}

// WithBook scopes a logger to one book, the correlation every C8 sync cycle
// and C9 transcription job log line carries.
func (l *Logger) WithBook(bookID string) *Logger {
	return l.With(map[string]interface{}{"book_id": bookID})
}

// WithClient scopes a logger to one adapter, so a rate limiter's backoff
// warnings and a transport's retry/classification errors are attributable
// to the client that produced them without repeating the field at every
// call site inside that adapter.
func (l *Logger) WithClient(name string) *Logger {
	return l.With(map[string]interface{}{"client": name})
}

// Info logs a message at Info level with optional fields.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	if len(fields) > 0 && len(fields[0]) > 0 {
		l.WithFields(fields[0]).Logger.Info().Msg(msg)
		return
	}
	l.Logger.Info().Msg(msg)
}

// Warn logs a message at Warn level with optional fields.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	if len(fields) > 0 && len(fields[0]) > 0 {
		l.WithFields(fields[0]).Logger.Warn().Msg(msg)
		return
	}
	l.Logger.Warn().Msg(msg)
}

// Debug logs a message at Debug level with optional fields.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	if len(fields) > 0 && len(fields[0]) > 0 {
		l.WithFields(fields[0]).Logger.Debug().Msg(msg)
		return
	}
	l.Logger.Debug().Msg(msg)
}

// Error logs a message at Error level with optional fields.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	if len(fields) > 0 && len(fields[0]) > 0 {
		l.WithFields(fields[0]).Logger.Error().Msg(msg)
		return
	}
	l.Logger.Error().Msg(msg)
}
