package util

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log entry.
const ServiceName = "outbound-rate-limiter"

var (
	globalLogger *zap.Logger
	once         sync.Once
	mu           sync.RWMutex
)

// Init initializes the global logger based on environment
func Init(environment, level, format string) *zap.Logger {
	once.Do(func() {
		var config zap.Config

		if environment == "production" {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			config.DisableStacktrace = true
			// Decisions are low volume; sampling would drop denials.
			config.Sampling = nil
		} else {
			config = zap.NewDevelopmentConfig()
			if format != "json" {
				config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
			}
		}
		config.Level = zap.NewAtomicLevelAt(parseLogLevel(level))

		if format == "json" {
			config.Encoding = "json"
		} else {
			config.Encoding = "console"
		}

		// stdout is collected by CloudWatch in Lambda and by the runtime in containers
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err := config.Build(
			zap.AddCaller(),
			zap.AddCallerSkip(1),
			zap.Fields(zap.String("service", ServiceName)),
		)
		if err != nil {
			panic("failed to initialize logger: " + err.Error())
		}
		set(logger)
	})

	return current()
}

// Get returns the global logger instance
func Get() *zap.Logger {
	if logger := current(); logger != nil {
		return logger
	}
	if logger := Init("production", "info", "json"); logger != nil {
		return logger
	}
	return zap.NewNop()
}

// ReplaceForTest swaps the global logger and returns a function restoring the previous one.
func ReplaceForTest(logger *zap.Logger) func() {
	mu.Lock()
	prev := globalLogger
	globalLogger = logger
	mu.Unlock()
	return func() { set(prev) }
}

// Sync flushes any buffered log entries
func Sync() {
	if logger := current(); logger != nil {
		_ = logger.Sync()
	}
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

func set(logger *zap.Logger) {
	mu.Lock()
	globalLogger = logger
	mu.Unlock()
	if logger != nil {
		zap.ReplaceGlobals(logger)
	}
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Convenience methods
func Debug(msg string, fields ...zap.Field) {
	Get().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Get().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
}

// Common field helpers
func String(key, value string) zap.Field {
	return zap.String(key, value)
}

func Bool(key string, value bool) zap.Field {
	return zap.Bool(key, value)
}

func Int(key string, value int) zap.Field {
	return zap.Int(key, value)
}

func Int64(key string, value int64) zap.Field {
	return zap.Int64(key, value)
}

func Strings(key string, values []string) zap.Field {
	return zap.Strings(key, values)
}

// ErrorField creates an error field (renamed to avoid conflict)
func ErrorField(err error) zap.Field {
	return zap.Error(err)
}

func Duration(key string, value time.Duration) zap.Field {
	return zap.Duration(key, value)
}
