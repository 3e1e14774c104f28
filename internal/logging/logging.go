package logging

import (
	"os"

	"github.com/phuslu/log"
)

var logger = log.Logger{
	Level:      log.InfoLevel,
	TimeField:  "time",
	TimeFormat: log.TimeFormatUnixMs,
	Writer:     &log.IOWriter{Writer: os.Stdout},
}

// Setup adjusts the global log level; accepts debug/info/warn/error.
func Setup(level string) {
	if level == "" {
		return
	}
	logger.Level = log.ParseLevel(level)
}

func Debug() *log.Entry { return logger.Debug() }
func Info() *log.Entry  { return logger.Info() }
func Warn() *log.Entry  { return logger.Warn() }
func Error() *log.Entry { return logger.Error() }
