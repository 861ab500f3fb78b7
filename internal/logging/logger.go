// Package logging provides the shard's logging setup. It reuses
// dragonboat's ILogger interface and named-logger registry rather than
// inventing a parallel one, the way the teacher repo does for its own
// rpc/common package — logging stays on the same framework whether the
// call originates in dragonboat-derived code or in shard code.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// shardLogger implements logger.ILogger with the same fixed-width,
// level-prefixed format the teacher's dKVLogger uses.
type shardLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *shardLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *shardLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *shardLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *shardLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *shardLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *shardLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *shardLogger) log(levelStr, format string, args ...interface{}) {
	l.logger.Printf("%-5s | %-18s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// Factory implements dragonboat's logger.Factory signature.
func Factory(pkgName string) logger.ILogger {
	return &shardLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// ParseLevel converts a CLI/config string into a dragonboat LogLevel.
func ParseLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s (want debug, info, warn, error)", level)
	}
}

// packages that obtain a named logger at init; SetLevel propagates the
// configured level to all of them plus dragonboat's own internal loggers.
var shardPackages = []string{
	"shard", "session", "lockregistry", "poolmgr", "ado", "ado/ipc",
	"index", "twostage", "eventloop", "transport", "backend",
}

// Init installs Factory as the global logger factory and applies level to
// every shard package logger plus dragonboat's internal ones, mirroring
// InitLoggers in the teacher's rpc/common/logger.go.
func Init(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(Factory)

	for _, name := range []string{"raft", "rsm", "transport", "dragonboat", "logdb", "utils"} {
		logger.GetLogger(name).SetLevel(lvl)
	}
	for _, name := range shardPackages {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
