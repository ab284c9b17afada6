package pttflow

import (
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// LogLevelDebug logs everything including detailed debugging information
	LogLevelDebug LogLevel = iota
	// LogLevelInfo logs informational messages and above
	LogLevelInfo
	// LogLevelWarn logs warnings and above
	LogLevelWarn
	// LogLevelError logs only errors
	LogLevelError
	// LogLevelOff disables all logging
	LogLevelOff
)

// String returns the string representation of a LogLevel
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	case LogLevelOff:
		return zapcore.FatalLevel + 1
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel converts a string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LogLevelDebug
	case "INFO":
		return LogLevelInfo
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	case "OFF":
		return LogLevelOff
	default:
		return LogLevelInfo
	}
}

// LogOptions configures a Logger built by NewLoggerFromOptions.
type LogOptions struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
	// File, when set, writes to a rotated file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Logger provides structured logging with configurable levels.
// Messages are an event name plus a field map, written through zap.
type Logger struct {
	level  zap.AtomicLevel
	core   zapcore.Core
	prefix string
	z      *zap.Logger
}

// NewLogger creates a console logger on stderr.
func NewLogger(level LogLevel) *Logger {
	return NewLoggerFromOptions(LogOptions{Level: level.String()})
}

// NewLoggerFromEnv creates a logger with level from PTTFLOW_LOG_LEVEL env var
func NewLoggerFromEnv() *Logger {
	return NewLogger(ParseLogLevel(os.Getenv("PTTFLOW_LOG_LEVEL")))
}

// NewLoggerFromOptions builds a logger from file/format/rotation options.
func NewLoggerFromOptions(opts LogOptions) *Logger {
	level := zap.NewAtomicLevelAt(ParseLogLevel(opts.Level).zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if opts.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
		})
	}
	return newLogger(zapcore.NewCore(enc, sink, level), level)
}

// NewLoggerWithCore wraps an existing zap core, e.g. an observer in tests.
func NewLoggerWithCore(core zapcore.Core, level LogLevel) *Logger {
	return newLogger(core, zap.NewAtomicLevelAt(level.zapLevel()))
}

func newLogger(core zapcore.Core, level zap.AtomicLevel) *Logger {
	// the atomic level gates cores that carry their own fixed level
	if filtered, err := zapcore.NewIncreaseLevelCore(core, level); err == nil {
		core = filtered
	}
	l := &Logger{level: level, core: core, prefix: "pttflow"}
	l.z = zap.New(core).Named(l.prefix)
	return l
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// SetLevel updates the logger's minimum level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// SetPrefix replaces the logger name.
func (l *Logger) SetPrefix(prefix string) {
	l.prefix = prefix
	l.z = zap.New(l.core).Named(prefix)
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger { return l.z }

// Sync flushes buffered output.
func (l *Logger) Sync() error { return l.z.Sync() }

// Debug logs debug-level messages
func (l *Logger) Debug(event string, fields map[string]any) {
	l.log(zapcore.DebugLevel, event, fields)
}

// Info logs info-level messages
func (l *Logger) Info(event string, fields map[string]any) {
	l.log(zapcore.InfoLevel, event, fields)
}

// Warn logs warning-level messages
func (l *Logger) Warn(event string, fields map[string]any) {
	l.log(zapcore.WarnLevel, event, fields)
}

// Error logs error-level messages
func (l *Logger) Error(event string, fields map[string]any) {
	l.log(zapcore.ErrorLevel, event, fields)
}

func (l *Logger) log(level zapcore.Level, event string, fields map[string]any) {
	ce := l.z.Check(level, event)
	if ce == nil {
		return
	}
	ce.Write(zapFields(fields)...)
}

// zapFields converts a field map in key order so output is stable.
func zapFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

// LoggerFunc creates a logger function compatible with the Config.Logger field
func (l *Logger) LoggerFunc() func(string, map[string]any) {
	return func(event string, fields map[string]any) {
		l.Info(event, fields)
	}
}

// WithContext returns a logger that includes additional context in all log messages.
// The returned logger shares the level of its parent.
func (l *Logger) WithContext(context map[string]any) *Logger {
	return &Logger{
		level:  l.level,
		core:   l.core,
		prefix: l.prefix,
		z:      l.z.With(zapFields(context)...),
	}
}

// Named returns a child logger with name appended to the logger name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{level: l.level, core: l.core, prefix: l.prefix + "." + name, z: l.z.Named(name)}
}

// DefaultLogger is the default logger instance used when no custom logger is provided
var DefaultLogger = NewLoggerFromEnv()

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger {
	return NewLoggerWithCore(zapcore.NewNopCore(), LogLevelOff)
}
