package logging

import (
	"os"

	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

func Logger() *zerolog.Logger {
	return &log
}

func SetJSONOutput() {
	log = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// SetLevel parses a zerolog level name ("debug", "info", ...) and applies it globally.
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}
