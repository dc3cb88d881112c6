package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// New builds a logger for the given level (DEBUG, INFO, WARN, ERROR; INFO
// when empty or unknown) and format ("json" or text).
func New(level, format string) *logrus.Logger {
	l := logrus.New()
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return l
}

// Configure replaces the level and format of the shared logger.
func Configure(level, format string) {
	configured := New(level, format)
	logger.SetLevel(configured.GetLevel())
	logger.SetFormatter(configured.Formatter)
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
