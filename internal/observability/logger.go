package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// AccessLogger returns the zerolog logger for admin access lines. A nil out
// writes to stderr.
func AccessLogger(out io.Writer, node string, noColor bool) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	w := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: noColor}
	return zerolog.New(w).With().Timestamp().Str("node", node).Str("surface", "admin").Logger()
}
