package log

import (
	"sync"
)

// Logger is the logging facade used throughout the switch. Components hold
// child loggers carrying a component field so their verbosity can be tuned
// independently.
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

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
}

var (
	once   sync.Once
	logger Logger
)

// GetLogger returns the process-wide logger. Before Init runs a default
// console logger is installed.
func GetLogger() Logger {
	if logger == nil {
		Init(DefaultConfig())
	}
	return logger
}

// Init initializes the global logger. Subsequent calls are no-ops.
func Init(cfg *LoggerConfig) {
	once.Do(func() {
		if err := initByConfig(cfg); err != nil {
			panic(err)
		}
	})
}

// Component returns a child logger for a named switch component (core,
// virtio, port, request, queue, packet). Per-component level overrides from
// the configuration apply on top of the global level.
func Component(name string) Logger {
	return GetLogger().WithField("component", name)
}
