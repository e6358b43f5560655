package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string
	Format     string
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a logger writing to stdout or a rotated file.
func New(cfg Config) *logrus.Logger {
	log := logrus.New()

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	var writer io.Writer
	if cfg.Output != "" && cfg.Output != "stdout" {
		writer = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
	} else {
		writer = os.Stdout
	}
	log.SetOutput(writer)
	return log
}

// Nop returns a logger that discards everything.
func Nop() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func WithComponent(log logrus.FieldLogger, component string) logrus.FieldLogger {
	if log == nil {
		log = Nop()
	}
	return log.WithField("component", component)
}
