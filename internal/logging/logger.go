package logging

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	current.Store(&l)
}

func setLogger(l zerolog.Logger) {
	current.Store(&l)
}

// SetLevel changes the level of the active logger, used by CLI --loglevel.
func SetLevel(lvl zerolog.Level) {
	l := current.Load().Level(lvl)
	setLogger(l)
}

// Logger returns the process logger for structured call sites.
func Logger() zerolog.Logger {
	return *current.Load()
}

func Tracef(format string, args ...any) { current.Load().Trace().Msgf(format, args...) }
func Debugf(format string, args ...any) { current.Load().Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { current.Load().Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { current.Load().Warn().Msgf(format, args...) }
func Errorf(format string, args ...any) { current.Load().Error().Msgf(format, args...) }

// Logf logs regardless of level; tests use it to narrate checked paths.
func Logf(format string, args ...any) { current.Load().Log().Msgf(format, args...) }
