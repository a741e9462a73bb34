// Package logging builds the relay's zerolog logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/echorelay/internal/config"
)

// Setup creates a logger writing to stdout according to cfg.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, error) {
	return New(os.Stdout, cfg)
}

// New creates a logger writing to out. Format "text" selects the console
// writer; anything else writes JSON.
func New(out io.Writer, cfg config.LoggingConfig) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	if strings.EqualFold(cfg.Format, "text") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).With().Timestamp().Logger().Level(level), nil
}
