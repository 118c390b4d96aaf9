package core

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger: human-readable console output by
// default, one JSON object per line when format is "json". A nil w writes
// to stdout. Every tee receives the raw JSON event regardless of format.
func NewLogger(cfg LoggingConfig, w io.Writer, tees ...io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}

	out := w
	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	if len(tees) > 0 {
		out = zerolog.MultiLevelWriter(append([]io.Writer{out}, tees...)...)
	}
	logger := zerolog.New(out).With().Timestamp().Logger()

	switch strings.ToLower(cfg.Level) {
	case "debug":
		return logger.Level(zerolog.DebugLevel)
	case "warn":
		return logger.Level(zerolog.WarnLevel)
	case "error":
		return logger.Level(zerolog.ErrorLevel)
	default:
		return logger.Level(zerolog.InfoLevel)
	}
}
