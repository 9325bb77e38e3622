package logger

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	levelNames = map[int]string{
		LevelDebug: "DEBUG",
		LevelInfo:  "INFO",
		LevelWarn:  "WARN",
		LevelError: "ERROR",
	}

	// Default to INFO in production, DEBUG in development
	minLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	baseOnce sync.Once
	base     *zap.SugaredLogger
)

// Logger is a component-scoped logger
type Logger struct {
	component string
}

// New creates a new logger for a specific component
func New(component string) *Logger {
	return &Logger{component: component}
}

func root() *zap.SugaredLogger {
	baseOnce.Do(func() {
		var cfg zap.Config
		if IsDevelopment() {
			cfg = zap.NewDevelopmentConfig()
			minLevel.SetLevel(zapcore.DebugLevel)
		} else {
			cfg = zap.NewProductionConfig()
		}
		cfg.Level = minLevel
		cfg.DisableStacktrace = true

		l, err := cfg.Build(zap.AddCallerSkip(2))
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: falling back to nop logger: %v\n", err)
			l = zap.NewNop()
		}
		base = l.Sugar()
	})
	return base
}

// SetMinLevel allows changing the minimum log level at runtime
func SetMinLevel(level int) {
	switch level {
	case LevelDebug:
		minLevel.SetLevel(zapcore.DebugLevel)
	case LevelWarn:
		minLevel.SetLevel(zapcore.WarnLevel)
	case LevelError:
		minLevel.SetLevel(zapcore.ErrorLevel)
	default:
		minLevel.SetLevel(zapcore.InfoLevel)
	}
}

// Sync flushes buffered entries. Call it once on shutdown.
func Sync() {
	_ = root().Sync()
}

func (l *Logger) logf(level int, format string, args ...interface{}) {
	s := root().With("component", l.component)
	switch level {
	case LevelDebug:
		s.Debugf(format, args...)
	case LevelInfo:
		s.Infof(format, args...)
	case LevelWarn:
		s.Warnf(format, args...)
	case LevelError:
		s.Errorf(format, args...)
	default:
		s.Infof("["+levelNames[level]+"] "+format, args...)
	}
}

// Debug logs debug information
func (l *Logger) Debug(format string, args ...interface{}) {
	l.logf(LevelDebug, format, args...)
}

// Info logs information messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.logf(LevelInfo, format, args...)
}

// Warn logs warning messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.logf(LevelWarn, format, args...)
}

// Error logs error messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
}

// GetAppEnv returns the current application environment
func GetAppEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "development" // Default to development
	}
	return env
}

// IsDevelopment returns true if the current environment is development
func IsDevelopment() bool {
	return GetAppEnv() == "development"
}
