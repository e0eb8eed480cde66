package util

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/netbirdio/icemux/formatter"
)

const (
	LogConsole = "console"
	// LogFormatJSON selects JSON lines instead of text.
	LogFormatJSON = "json"
)

// InitLog parses and sets log-level input
func InitLog(logLevel string, logPath string) error {
	return InitLogger(log.StandardLogger(), logLevel, logPath, "")
}

// InitLogger configures logger. Any path other than console writes to a
// rotated file.
func InitLogger(logger *log.Logger, logLevel, logPath, logFormat string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		logger.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	var out io.Writer = os.Stderr
	if logPath != "" && logPath != LogConsole {
		out = &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	logger.SetOutput(out)

	if logFormat == LogFormatJSON {
		formatter.SetJSONFormatter(logger)
	} else {
		formatter.SetTextFormatter(logger)
	}
	logger.SetLevel(level)
	return nil
}
