// Package logging adapts logrus to the mqttv3.Logger interface.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/vitalvas/mqttv3"
	"github.com/vitalvas/mqttv3/internal/config"
)

// LogrusLogger implements mqttv3.Logger on a logrus entry.
type LogrusLogger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

var _ mqttv3.Logger = (*LogrusLogger)(nil)

// NewLogrusLogger wraps l.
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{base: l, entry: logrus.NewEntry(l)}
}

// New builds a logger from the logging configuration. The returned closer
// releases a log file, if one was opened.
func New(cfg config.LoggingConfig) (*LogrusLogger, io.Closer, error) {
	level, err := mqttv3.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	l := logrus.New()
	l.SetLevel(ToLogrusLevel(level))

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "stdout":
		l.SetOutput(os.Stdout)
	case "stderr", "":
		l.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		l.SetOutput(f)
		closer = f
	}

	return NewLogrusLogger(l), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Logrus returns the underlying logger.
func (l *LogrusLogger) Logrus() *logrus.Logger {
	return l.base
}

// Debug logs a debug message.
func (l *LogrusLogger) Debug(msg string, fields mqttv3.LogFields) {
	l.with(fields).Debug(msg)
}

// Info logs an informational message.
func (l *LogrusLogger) Info(msg string, fields mqttv3.LogFields) {
	l.with(fields).Info(msg)
}

// Warn logs a warning message.
func (l *LogrusLogger) Warn(msg string, fields mqttv3.LogFields) {
	l.with(fields).Warn(msg)
}

// Error logs an error message.
func (l *LogrusLogger) Error(msg string, fields mqttv3.LogFields) {
	l.with(fields).Error(msg)
}

// WithFields returns a logger that adds fields to every entry.
func (l *LogrusLogger) WithFields(fields mqttv3.LogFields) mqttv3.Logger {
	return &LogrusLogger{base: l.base, entry: l.with(fields)}
}

// Level returns the current level.
func (l *LogrusLogger) Level() mqttv3.LogLevel {
	return FromLogrusLevel(l.base.GetLevel())
}

// SetLevel changes the level of the underlying logger.
func (l *LogrusLogger) SetLevel(level mqttv3.LogLevel) {
	l.base.SetLevel(ToLogrusLevel(level))
}

func (l *LogrusLogger) with(fields mqttv3.LogFields) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	return l.entry.WithFields(logrus.Fields(fields))
}

// ToLogrusLevel maps a library level to logrus. LogLevelNone maps to
// PanicLevel, which the library never logs at.
func ToLogrusLevel(level mqttv3.LogLevel) logrus.Level {
	switch level {
	case mqttv3.LogLevelDebug:
		return logrus.DebugLevel
	case mqttv3.LogLevelInfo:
		return logrus.InfoLevel
	case mqttv3.LogLevelWarn:
		return logrus.WarnLevel
	case mqttv3.LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.PanicLevel
	}
}

// FromLogrusLevel maps a logrus level to the library.
func FromLogrusLevel(level logrus.Level) mqttv3.LogLevel {
	switch level {
	case logrus.TraceLevel, logrus.DebugLevel:
		return mqttv3.LogLevelDebug
	case logrus.InfoLevel:
		return mqttv3.LogLevelInfo
	case logrus.WarnLevel:
		return mqttv3.LogLevelWarn
	case logrus.ErrorLevel:
		return mqttv3.LogLevelError
	default:
		return mqttv3.LogLevelNone
	}
}
