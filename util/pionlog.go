package util

import (
	"github.com/pion/logging"
	log "github.com/sirupsen/logrus"
)

// logrusLogger is a wrapper that implements the logging.LeveledLogger interface.
type logrusLogger struct {
	entry *log.Entry
}

func (l *logrusLogger) Trace(msg string) {
	l.entry.Trace(msg)
}

func (l *logrusLogger) Tracef(format string, args ...interface{}) {
	l.entry.Tracef(format, args...)
}

func (l *logrusLogger) Debug(msg string) {
	l.entry.Debug(msg)
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *logrusLogger) Info(msg string) {
	l.entry.Info(msg)
}

func (l *logrusLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *logrusLogger) Warn(msg string) {
	l.entry.Warn(msg)
}

func (l *logrusLogger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *logrusLogger) Error(msg string) {
	l.entry.Error(msg)
}

func (l *logrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// pionLoggerFactory hands pion libraries loggers writing to logrus.
type pionLoggerFactory struct {
	logger *log.Logger
}

// NewPionLoggerFactory returns a LoggerFactory that creates logrus-based
// loggers tagged with the pion scope.
func NewPionLoggerFactory(logger *log.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &pionLoggerFactory{logger: logger}
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logrusLogger{entry: f.logger.WithField("scope", scope)}
}
