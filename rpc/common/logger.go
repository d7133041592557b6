package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Line logger (logger.ILogger)
// --------------------------------------------------------------------------

// output is shared by all loggers of the factory
var output atomic.Pointer[log.Logger]

func init() {
	SetLogOutput(os.Stdout)
}

// SetLogOutput redirects all loggers created by CreateLogger to w
func SetLogOutput(w io.Writer) {
	output.Store(log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds))
}

var levelNames = map[logger.LogLevel]string{
	logger.CRITICAL: "CRIT",
	logger.ERROR:    "ERROR",
	logger.WARNING:  "WARN",
	logger.INFO:     "INFO",
	logger.DEBUG:    "DEBUG",
}

// lineLogger writes one "LEVEL | pkg | msg" line per message. The level can
// change while executors log, so it is atomic.
type lineLogger struct {
	pkg   string
	level atomic.Int32
}

func (l *lineLogger) SetLevel(level logger.LogLevel) { l.level.Store(int32(level)) }

func (l *lineLogger) Debugf(format string, args ...interface{}) {
	l.logf(logger.DEBUG, format, args...)
}

func (l *lineLogger) Infof(format string, args ...interface{}) {
	l.logf(logger.INFO, format, args...)
}

func (l *lineLogger) Warningf(format string, args ...interface{}) {
	l.logf(logger.WARNING, format, args...)
}

func (l *lineLogger) Errorf(format string, args ...interface{}) {
	l.logf(logger.ERROR, format, args...)
}

// Panicf logs the message and panics with it, whatever the level
func (l *lineLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.write(logger.CRITICAL, msg)
	panic(msg)
}

func (l *lineLogger) logf(level logger.LogLevel, format string, args ...interface{}) {
	if logger.LogLevel(l.level.Load()) < level {
		return
	}
	l.write(level, fmt.Sprintf(format, args...))
}

func (l *lineLogger) write(level logger.LogLevel, msg string) {
	output.Load().Printf("%-5s | %-15s | %s", levelNames[level], l.pkg, msg)
}

// CreateLogger is the logger.Factory installed by InitLoggers. New loggers
// start at INFO.
func CreateLogger(pkgName string) logger.ILogger {
	l := &lineLogger{pkg: pkgName}
	l.SetLevel(logger.INFO)
	return l
}

// --------------------------------------------------------------------------
// Levels
// --------------------------------------------------------------------------

// ParseLogLevel converts a level name (debug, info, warn, error) to a
// logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// LoggerNames lists the loggers of all dNIO packages
var LoggerNames = []string{
	"nio/buffer",
	"nio/channel",
	"nio/executor",
	"transport/nio",
	"cmd",
}

// InitLoggers installs CreateLogger as dragonboat logger factory and sets
// the level of every dNIO logger. Call it before the first message is logged.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	logger.SetLoggerFactory(CreateLogger)
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
