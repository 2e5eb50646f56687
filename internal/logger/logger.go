package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components derive child loggers
// from it via With.
var Logger zerolog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config controls logging output.
type Config struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Init configures the global logger.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// With returns a child logger tagged with a component name. The pointer keeps
// the chained level methods usable directly on the return value.
func With(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}
