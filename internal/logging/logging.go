// Package logging holds the shared project logger.
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once   sync.Once
	logger *logrus.Logger
)

// Logger returns the process-wide logger. Level defaults to Warn so the
// audio path stays quiet unless NOTMETRONOME_DEBUG is set.
func Logger() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if os.Getenv("NOTMETRONOME_DEBUG") != "" {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.WarnLevel)
		}
	})
	return logger
}

// ForComponent returns an entry tagged with the originating component.
func ForComponent(name string) *logrus.Entry {
	return Logger().WithField("component", name)
}
