// Package log provides the process-wide structured logger.
package log

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	mu     sync.RWMutex
	logger Logger
	output *MultiWriter
)

// GetLogger returns the global logger. Before Init it logs text at info level to stdout.
func GetLogger() Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		l := logrus.New()
		l.SetOutput(os.Stdout)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logger = &logrusAdapter{entry: logrus.NewEntry(l)}
	}
	return logger
}

func setLogger(l Logger, w *MultiWriter) {
	mu.Lock()
	old := output
	logger = l
	output = w
	mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}
