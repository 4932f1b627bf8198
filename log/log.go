// Package log provides the shared logrus setup used by every core
// component, so every subsystem's log lines carry an attributable
// component field instead of going through the global logger.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a fresh *logrus.Entry tagged with component. Components hold
// the entry rather than calling the package-level logger.
func New(component string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger.WithField("component", component)
}
