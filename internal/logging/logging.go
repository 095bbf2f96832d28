// Package logging builds the process logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger entry at the given level. Format is "text" or "json";
// an unparsable level falls back to info.
func New(level, format, component string) *logrus.Entry {
	return NewWithOutput(os.Stderr, level, format, component)
}

// NewWithOutput is New writing to w
func NewWithOutput(w io.Writer, level, format, component string) *logrus.Entry {
	logger := logrus.New()
	logger.Out = w

	if format == "json" {
		logger.Formatter = &logrus.JSONFormatter{}
	} else {
		logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithError(err).Error("Error parsing log level, using: info")
		lvl = logrus.InfoLevel
	}
	logger.Level = lvl

	return logrus.NewEntry(logger).WithField("component", component)
}

// Discard returns a logger that drops everything, for tests
func Discard() *logrus.Entry {
	return NewWithOutput(io.Discard, "panic", "text", "test")
}
