package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Init configures the package logger from LOG_LEVEL and LOG_FORMAT.
func Init() {
	log = New(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// New builds a logrus logger writing to w. Unknown levels fall back to info,
// and any format other than "text" produces JSON.
func New(w io.Writer, level, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(parseLevel(level))
	if strings.EqualFold(format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}

// Logger exposes the underlying logger for components that want an entry.
func Logger() *logrus.Logger {
	return log
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// fields turns alternating key/value arguments into logrus fields.
func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			f["!BADKEY"] = kv[i]
			break
		}
		f[key] = kv[i+1]
	}
	return f
}

func Info(msg string, kv ...interface{}) {
	log.WithFields(fields(kv)).Info(msg)
}

func Infof(format string, v ...interface{}) {
	log.Infof(format, v...)
}

func Warn(msg string, kv ...interface{}) {
	log.WithFields(fields(kv)).Warn(msg)
}

func Warnf(format string, v ...interface{}) {
	log.Warnf(format, v...)
}

func Error(msg string, kv ...interface{}) {
	log.WithFields(fields(kv)).Error(msg)
}

func Errorf(format string, v ...interface{}) {
	log.Errorf(format, v...)
}

func Debug(msg string, kv ...interface{}) {
	log.WithFields(fields(kv)).Debug(msg)
}

func Debugf(format string, v ...interface{}) {
	log.Debugf(format, v...)
}

func Fatal(msg string, kv ...interface{}) {
	log.WithFields(fields(kv)).Fatal(msg)
}

func Fatalf(format string, v ...interface{}) {
	log.Fatalf(format, v...)
}
