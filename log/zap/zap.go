// Package zap adapts a *zap.Logger to capital.Logger.
package zap

import (
	"sort"

	"github.com/unkn0wn-root/capital"
	"go.uber.org/zap"
)

var _ capital.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New names the logger "capital". A nil l gives zap.NewNop.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.Named("capital")}
}

func (z Logger) Debug(msg string, f capital.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f capital.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f capital.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f capital.Fields) { z.L.Error(msg, fields(f)...) }

// fields sorts by key so output is stable; errors go through zap.NamedError.
func fields(f capital.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
