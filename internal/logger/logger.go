// Package logger configures the process-wide zerolog output for the
// exam agent. Components derive their own scoped loggers from the root
// returned here.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the root logger and sets the global level. Logs go to
// stderr so stdout stays free for the agent's own output. format
// "pretty" renders console lines for development; anything else emits
// JSON.
func Setup(level, format string) zerolog.Logger {
	return New(os.Stderr, level, format)
}

// New is Setup against an explicit writer, split out so tests can
// capture output. An unknown or empty level falls back to info; a
// kiosk machine with a typo in its env file still needs to log.
func New(out io.Writer, level, format string) zerolog.Logger {
	if strings.EqualFold(format, "pretty") {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(out).With().Timestamp().Logger()
}
