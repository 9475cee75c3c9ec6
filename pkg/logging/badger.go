package logging

import (
	"strings"

	"github.com/rs/zerolog"
)

// BadgerLogger routes badger's internal logging into zerolog.
// It satisfies badger.Logger.
type BadgerLogger struct {
	logger zerolog.Logger
}

// NewBadgerLogger returns a badger logger that writes through l with a
// "badger" component field.
func NewBadgerLogger(l zerolog.Logger) *BadgerLogger {
	return &BadgerLogger{logger: l.With().Str("component", "badger").Logger()}
}

func (b *BadgerLogger) Errorf(format string, args ...any) {
	b.logger.Error().Msgf(trim(format), args...)
}

func (b *BadgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn().Msgf(trim(format), args...)
}

func (b *BadgerLogger) Infof(format string, args ...any) {
	b.logger.Debug().Msgf(trim(format), args...)
}

func (b *BadgerLogger) Debugf(format string, args ...any) {
	b.logger.Trace().Msgf(trim(format), args...)
}

// badger terminates most messages with a newline
func trim(format string) string {
	return strings.TrimRight(format, "\n")
}
