package common

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

func ParseLevel(level string) (log.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info", "":
		return log.InfoLevel, nil
	case "warn":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	}
	return log.InfoLevel, fmt.Errorf("unsupported log level %s", level)
}

func InitLogger(level, appName string) (*log.Logger, error) {
	lv, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := log.New()
	logger.SetLevel(lv)
	logger.SetFormatter(&LogFormatter{AppName: appName})
	return logger, nil
}

// MustInitLogger falls back to info level when the configured level is invalid.
func MustInitLogger(level, appName string) *log.Logger {
	logger, err := InitLogger(level, appName)
	if err != nil {
		logger, _ = InitLogger("info", appName)
		logger.Warnf("%v, using info", err)
	}
	return logger
}

type LogFormatter struct {
	AppName string
}

func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	year, month, day := entry.Time.Date()
	hour, minute, second := entry.Time.Clock()
	str := fmt.Sprintf("%d/%02d/%02d %02d:%02d:%02d %s [%s] %s\n", year, month, day, hour, minute, second,
		strings.ToUpper(entry.Level.String()), f.AppName, entry.Message)
	return []byte(str), nil
}
