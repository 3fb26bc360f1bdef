// Package logrus adapts a logrus entry to capital.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/capital"
)

var _ capital.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New tags every line with component=capital.
func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "capital")}
}

func (l Logger) Debug(msg string, f capital.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f capital.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f capital.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f capital.Fields) { l.with(f).Error(msg) }

// with moves an "err" field into logrus' own error key.
func (l Logger) with(f capital.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			out[logrus.ErrorKey] = err
			continue
		}
		out[k] = v
	}
	return l.E.WithFields(out)
}
