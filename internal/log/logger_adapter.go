package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// LoggerConfig selects the output format and verbosity of the process
// logger. Components lists per-component level overrides, e.g.
// {"port": "trace"}.
type LoggerConfig struct {
	Level      string            `yaml:"level"`
	Format     string            `yaml:"format"` // pattern | prefixed
	Pattern    string            `yaml:"pattern"`
	Time       string            `yaml:"time"`
	Components map[string]string `yaml:"components"`
	File       *FileAppenderOpt  `yaml:"file"`
}

// DefaultConfig returns the console-only info-level configuration.
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:   "info",
		Format:  "pattern",
		Pattern: "%time [%level] %field: %msg%n",
		Time:    "2006-01-02 15:04:05",
	}
}

type logrusAdapter struct {
	entry *logrus.Entry
	level logrus.Level
}

var componentLevels map[string]logrus.Level

func initByConfig(cfg *LoggerConfig) error {
	l := logrus.New()

	switch strings.ToLower(cfg.Format) {
	case "", "pattern":
		l.SetFormatter(&formatter{pattern: cfg.Pattern, time: cfg.Time})
	case "prefixed":
		l.SetFormatter(&prefixed.TextFormatter{
			TimestampFormat: cfg.Time,
			FullTimestamp:   true,
		})
	default:
		l.SetFormatter(&formatter{pattern: cfg.Pattern, time: cfg.Time})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	// The logrus core passes everything; filtering happens per adapter so
	// component overrides can raise verbosity selectively.
	l.SetLevel(logrus.TraceLevel)

	componentLevels = make(map[string]logrus.Level)
	for name, lvl := range cfg.Components {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			continue
		}
		componentLevels[name] = parsed
	}

	mw := NewMultiWriter().Add(os.Stdout)
	if cfg.File != nil && cfg.File.Filename != "" {
		mw.AddFileAppender(*cfg.File)
	}
	l.SetOutput(mw)

	logger = &logrusAdapter{
		entry: logrus.NewEntry(l),
		level: level,
	}
	return nil
}

func componentLevel(name string, fallback logrus.Level) logrus.Level {
	if lvl, ok := componentLevels[name]; ok {
		return lvl
	}
	return fallback
}

func (l *logrusAdapter) enabled(lvl logrus.Level) bool { return l.level >= lvl }

func (l *logrusAdapter) Trace(args ...interface{}) {
	if l.enabled(logrus.TraceLevel) {
		l.entry.Trace(args...)
	}
}

func (l *logrusAdapter) Tracef(format string, args ...interface{}) {
	if l.enabled(logrus.TraceLevel) {
		l.entry.Tracef(format, args...)
	}
}

func (l *logrusAdapter) Debug(args ...interface{}) {
	if l.enabled(logrus.DebugLevel) {
		l.entry.Debug(args...)
	}
}

func (l *logrusAdapter) Debugf(format string, args ...interface{}) {
	if l.enabled(logrus.DebugLevel) {
		l.entry.Debugf(format, args...)
	}
}

func (l *logrusAdapter) Info(args ...interface{}) {
	if l.enabled(logrus.InfoLevel) {
		l.entry.Info(args...)
	}
}

func (l *logrusAdapter) Infof(format string, args ...interface{}) {
	if l.enabled(logrus.InfoLevel) {
		l.entry.Infof(format, args...)
	}
}

func (l *logrusAdapter) Warn(args ...interface{}) {
	if l.enabled(logrus.WarnLevel) {
		l.entry.Warn(args...)
	}
}

func (l *logrusAdapter) Warnf(format string, args ...interface{}) {
	if l.enabled(logrus.WarnLevel) {
		l.entry.Warnf(format, args...)
	}
}

func (l *logrusAdapter) Error(args ...interface{}) {
	if l.enabled(logrus.ErrorLevel) {
		l.entry.Error(args...)
	}
}

func (l *logrusAdapter) Errorf(format string, args ...interface{}) {
	if l.enabled(logrus.ErrorLevel) {
		l.entry.Errorf(format, args...)
	}
}

func (l *logrusAdapter) Fatal(args ...interface{})                 { l.entry.Fatal(args...) }
func (l *logrusAdapter) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusAdapter) WithField(field string, value interface{}) Logger {
	child := &logrusAdapter{entry: l.entry.WithField(field, value), level: l.level}
	if field == "component" {
		if name, ok := value.(string); ok {
			child.level = componentLevel(name, l.level)
		}
	}
	return child
}

func (l *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(fields), level: l.level}
}

func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: l.entry.WithError(err), level: l.level}
}

func (l *logrusAdapter) IsTraceEnabled() bool { return l.enabled(logrus.TraceLevel) }
func (l *logrusAdapter) IsDebugEnabled() bool { return l.enabled(logrus.DebugLevel) }
