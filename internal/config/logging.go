package config

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the global logger and returns the parsed level.
func SetupLogger(c LogConfig) zerolog.Level {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Pretty {
		w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
		log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	if err != nil {
		log.Warn().Str("level", c.Level).Msg("Unknown log level, using info")
	}
	return level
}
