package logging

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/haldring/gomodbus-slave/common"
)

// traceLevel sits one notch below zap's Debug; zap has no native Trace
// level, so Trace messages are logged at this level and only surface when
// the logger's level is set to common.LevelTrace.
const traceLevel = zapcore.DebugLevel - 1

// Logger implements common.LoggerInterface and common.LoggerInterfaceHexdump
// on top of zap. A Logger is a thin, reconfigurable wrapper around a
// *zap.Logger: it always has a console core, and grows a rotating JSON file
// core when WithRotation is given.
type Logger struct {
	mu     sync.Mutex
	level  zap.AtomicLevel
	core   *zap.Logger
	fields map[string]interface{}
}

// Option configures a Logger.
type Option func(*config)

type config struct {
	level        common.LogLevel
	fields       map[string]interface{}
	rotatePath   string
	rotateMaxMB  int
	rotateBackup int
	rotateAgeDay int
}

// WithLevel sets the log level.
func WithLevel(level common.LogLevel) Option {
	return func(c *config) {
		c.level = level
	}
}

// WithFields attaches structured fields to every entry the logger emits.
func WithFields(fields map[string]interface{}) Option {
	return func(c *config) {
		if c.fields == nil {
			c.fields = make(map[string]interface{})
		}
		for k, v := range fields {
			c.fields[k] = v
		}
	}
}

// WithRotation adds a JSON-encoded, size/age-rotated file core alongside the
// console core, backed by lumberjack. A zero maxSizeMB/maxBackups/maxAgeDays
// falls back to lumberjack's own defaults.
func WithRotation(path string, maxSizeMB, maxBackups, maxAgeDays int) Option {
	return func(c *config) {
		c.rotatePath = path
		c.rotateMaxMB = maxSizeMB
		c.rotateBackup = maxBackups
		c.rotateAgeDay = maxAgeDays
	}
}

func toZapLevel(level common.LogLevel) zapcore.Level {
	switch {
	case level <= common.LevelTrace:
		return traceLevel
	case level <= common.LevelDebug:
		return zapcore.DebugLevel
	case level <= common.LevelInfo:
		return zapcore.InfoLevel
	case level <= common.LevelWarn:
		return zapcore.WarnLevel
	case level <= common.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel + 1
	}
}

func fromZapLevel(level zapcore.Level) common.LogLevel {
	switch {
	case level < zapcore.DebugLevel:
		return common.LevelTrace
	case level < zapcore.InfoLevel:
		return common.LevelDebug
	case level < zapcore.WarnLevel:
		return common.LevelInfo
	case level < zapcore.ErrorLevel:
		return common.LevelWarn
	case level <= zapcore.ErrorLevel:
		return common.LevelError
	default:
		return common.LevelNone
	}
}

// NewLogger creates a new Logger with the given options. Defaults to INFO on
// a console encoder writing to stderr.
func NewLogger(options ...Option) *Logger {
	cfg := &config{level: common.LevelInfo}
	for _, opt := range options {
		opt(cfg)
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	atomicLevel := zap.NewAtomicLevelAt(toZapLevel(cfg.level))

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), atomicLevel),
	}

	if cfg.rotatePath != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.rotatePath,
			MaxSize:    cfg.rotateMaxMB,
			MaxBackups: cfg.rotateBackup,
			MaxAge:     cfg.rotateAgeDay,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(fileWriter), atomicLevel))
	}

	return &Logger{
		level:  atomicLevel,
		core:   zap.New(zapcore.NewTee(cores...)),
		fields: cfg.fields,
	}
}

func (l *Logger) fieldSlice() []zap.Field {
	if len(l.fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(l.fields))
	for k, v := range l.fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *Logger) log(level zapcore.Level, format string, args ...interface{}) {
	ce := l.core.Check(level, fmt.Sprintf(format, args...))
	if ce == nil {
		return
	}
	ce.Write(l.fieldSlice()...)
}

// Trace logs at trace level. Only surfaces when the logger's level is set
// to common.LevelTrace, since zap has no native level below Debug.
func (l *Logger) Trace(ctx context.Context, format string, args ...interface{}) {
	l.log(traceLevel, format, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(ctx context.Context, format string, args ...interface{}) {
	l.log(zapcore.DebugLevel, format, args...)
}

// Info logs an info message.
func (l *Logger) Info(ctx context.Context, format string, args ...interface{}) {
	l.log(zapcore.InfoLevel, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(ctx context.Context, format string, args ...interface{}) {
	l.log(zapcore.WarnLevel, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(ctx context.Context, format string, args ...interface{}) {
	l.log(zapcore.ErrorLevel, format, args...)
}

// WithFields returns a new logger sharing this one's cores and level but
// carrying an additional set of structured fields.
func (l *Logger) WithFields(fields map[string]interface{}) common.LoggerInterface {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{level: l.level, core: l.core, fields: merged}
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() common.LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fromZapLevel(l.level.Level())
}

// SetLevel sets the log level.
func (l *Logger) SetLevel(level common.LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level.SetLevel(toZapLevel(level))
}

// Hexdump logs a hexdump of data at trace level.
func (l *Logger) Hexdump(ctx context.Context, data []byte) {
	ce := l.core.Check(traceLevel, "hexdump")
	if ce == nil {
		return
	}
	ce.Write(append(l.fieldSlice(), zap.String("hex", hex.Dump(data)))...)
}
