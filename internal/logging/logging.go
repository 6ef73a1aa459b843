// Package logging provides category-scoped convenience wrappers around logrus.
// All logging must go through this package so every line carries its category.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Category constants for consistent logging categories.
const (
	CategoryApp        = "App"
	CategoryWorker     = "Worker"
	CategoryJob        = "Job"
	CategoryBridge     = "Bridge"
	CategoryLiveKit    = "LiveKit"
	CategorySTT        = "STT"
	CategorySink       = "Sink"
	CategoryTranscribe = "Transcribe"
)

var logger = logrus.New()

// Init initializes logging with default configuration.
func Init() {
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.InfoLevel)
}

// Configure applies the level and format selected by configuration.
// Unknown levels fall back to info, unknown formats to text.
func Configure(level, format string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		logger.SetLevel(logrus.TraceLevel)
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// SetOutput redirects log output. Tests use it to silence or capture logs.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func entry(category string) *logrus.Entry {
	return logger.WithField("category", category)
}

// Debug logs a debug message.
func Debug(category, msg string, params ...interface{}) {
	entry(category).Debugf(msg, params...)
}

// Info logs an info message.
func Info(category, msg string, params ...interface{}) {
	entry(category).Infof(msg, params...)
}

// Warning logs a warning message.
func Warning(category, msg string, params ...interface{}) {
	entry(category).Warnf(msg, params...)
}

// Error logs an error message.
func Error(category, msg string, params ...interface{}) {
	entry(category).Errorf(msg, params...)
}

// Fail logs a failure that is about to terminate the process.
func Fail(category, msg string, params ...interface{}) {
	entry(category).WithField("fatal", true).Errorf(msg, params...)
}
