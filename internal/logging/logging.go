// Package logging builds the service logger and its output sinks.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the root zerolog logger. The file path selects the sink: "-"
// keeps stderr only, anything else writes JSON lines to a daily rotating
// file. Development environments get the human-readable console writer.
func New(environment, level, file string, maxBytes int64) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	var closer io.Closer
	if file != "" && file != "-" {
		w, err := NewRotatingWriter(file, maxBytes)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		out = w
		closer = w
	} else if environment == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	logger := zerolog.New(out).With().Timestamp().Logger().Level(lvl)
	return logger, closer, nil
}
