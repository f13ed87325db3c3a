package reqscope

import (
	"log"

	"github.com/hupe1980/golog"
)

func defaultLogger() golog.Logger {
	return golog.NewGoLogger(golog.INFO, log.Default())
}

type logger struct {
	golog.Logger
}

func (l *logger) logDebugf(format string, args ...interface{}) {
	l.Printf(golog.DEBUG, format, args...)
}

func (l *logger) logInfof(format string, args ...interface{}) {
	l.Printf(golog.INFO, format, args...)
}

func (l *logger) logErrorf(format string, args ...interface{}) {
	l.Printf(golog.ERROR, format, args...)
}
