// Package logger wraps logrus with the fields and constructors the
// rest of the codebase expects, matching the shape of the teacher's
// pkg/logger package.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger so call sites don't import logrus
// directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level and format.
type Config struct {
	Level  string
	Format string
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l}
}

// NewDefault returns an info-level, text-format logger for packages
// that don't thread a *Config through. The component argument is not
// attached to the logger; use Component on the result to tag entries.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info", Format: "text"})
	l.Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{Logger: l.Logger}
}

// WithField returns a log entry with a single field attached.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry with multiple fields attached.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// Component tags every subsequent log line with a "component" field,
// used to distinguish engine / protocol / mixnet-driver output the way
// the original process prefixed its logging.debug() calls by module.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.Logger.WithField("component", name)
}
