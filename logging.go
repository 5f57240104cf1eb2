// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LogLevelError:
		return zapcore.ErrorLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Logger provides leveled structured logging for endpoints, backed by zap.
type Logger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a new Logger writing to stderr at the given level.
func NewLogger(level LogLevel) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		// the production config cannot fail to build
		panic("meshbus: building logger: " + err.Error())
	}
	return &Logger{sugar: logger.Sugar().Named("meshbus")}
}

// NewLoggerWithWriter creates a new Logger with a custom writer and level.
func NewLoggerWithWriter(w io.Writer, level LogLevel) *Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(w),
		level.zapLevel(),
	)
	return &Logger{sugar: zap.New(core).Sugar().Named("meshbus")}
}

// WrapLogger adapts an existing zap logger.
func WrapLogger(logger *zap.Logger) *Logger {
	return &Logger{sugar: logger.Sugar()}
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Warn logs at warning level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Named returns a child logger with the given name segment appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{sugar: l.sugar.Named(name)}
}

// DevNullLogger discards all output. It is the default for endpoints
// constructed without WithLogger.
var DevNullLogger = &Logger{sugar: zap.NewNop().Sugar()}
