// Package zerolog adapts a zerolog.Logger to capital.Logger.
package zerolog

import (
	"github.com/rs/zerolog"
	"github.com/unkn0wn-root/capital"
)

var _ capital.Logger = Logger{}

type Logger struct{ L zerolog.Logger }

func New(l zerolog.Logger) Logger {
	return Logger{L: l.With().Str("component", "capital").Logger()}
}

func (z Logger) Debug(msg string, f capital.Fields) { emit(z.L.Debug(), msg, f) }
func (z Logger) Info(msg string, f capital.Fields)  { emit(z.L.Info(), msg, f) }
func (z Logger) Warn(msg string, f capital.Fields)  { emit(z.L.Warn(), msg, f) }
func (z Logger) Error(msg string, f capital.Fields) { emit(z.L.Error(), msg, f) }

// emit is a no-op for disabled levels, where e is nil.
func emit(e *zerolog.Event, msg string, f capital.Fields) {
	if e == nil {
		return
	}
	for k, v := range f {
		if err, ok := v.(error); ok {
			e = e.AnErr(k, err)
			continue
		}
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}
