package internal

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger returns a JSON logger in prod and a console logger otherwise.
func NewLogger(w io.Writer, env string, level string) zerolog.Logger {
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		log.Warn().Str("value", level).Msg("invalid log level, using default level: info")
		l = zerolog.InfoLevel
	}

	switch env {
	case "prod":
		zerolog.TimeFieldFormat = time.RFC3339Nano
	default:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(w).Level(l).With().Timestamp().Str("service", "trestle").Logger()
}
