package logging

import (
	"io"
	"os"
	"strings"

	"github.com/bcdannyboy/dpricer/xerrors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the level, format and destination of the run's logs.
type Config struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAge     int    `mapstructure:"max_age" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// New builds a logger writing to stderr, or to a rotated file when File is
// set. Text is the default format on a terminal, JSON in a file.
func New(cfg Config) (*logrus.Logger, error) {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, xerrors.Configuration("logging", "log.level", "unknown level %q", cfg.Level)
		}
		level = lvl
	}

	var out io.Writer = os.Stderr
	format := strings.ToLower(cfg.Format)
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		if format == "" {
			format = "json"
		}
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, xerrors.Configuration("logging", "log.format", "unknown format %q", cfg.Format)
	}
	return log, nil
}

// ForRun tags every entry with the run id, rank and component.
func ForRun(log *logrus.Logger, runID string, rank int, component string) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"run_id":    runID,
		"rank":      rank,
		"component": component,
	})
}
