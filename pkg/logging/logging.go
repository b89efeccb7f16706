// Package logging builds the zerolog loggers shared by every binary.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps LOG_LEVEL values onto zerolog levels; unknown values mean info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// New returns a JSON logger on stderr tagged with the service name.
func New(level, service string) zerolog.Logger {
	return NewWithWriter(os.Stderr, level, service)
}

func NewWithWriter(w io.Writer, level, service string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp()
	if service = strings.TrimSpace(service); service != "" {
		logger = logger.Str("service", service)
	}
	return logger.Logger()
}
