// Package logzero bridges github.com/joeycumines/logiface, backed by
// github.com/rs/zerolog, into the loopguard.Logger contract. It is the
// logger loopguard's "production" mode preset is meant to be paired with:
// structured, leveled, allocation-conscious JSON logging instead of the
// plain-text DefaultLogger.
package logzero

import (
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"

	"github.com/joeycumines/loopguard"
)

// Logger adapts a *logiface.Logger[*izerolog.Event] (backed by a
// zerolog.Logger) to loopguard.Logger.
type Logger struct {
	inner *logiface.Logger[*izerolog.Event]
}

// New builds a Logger writing through zl via logiface's zerolog backend.
func New(zl zerolog.Logger) *Logger {
	return &Logger{inner: logiface.New[*izerolog.Event](izerolog.WithZerolog(zl))}
}

// IsEnabled reports whether level would produce output, without building
// a message — mirrors loopguard.DefaultLogger's lazy-evaluation contract.
func (l *Logger) IsEnabled(level loopguard.LogLevel) bool {
	b := l.inner.Build(toLogifaceLevel(level))
	defer b.Release()
	return b.Enabled()
}

// Log writes entry through the underlying logiface/zerolog pipeline.
func (l *Logger) Log(entry loopguard.LogEntry) {
	b := l.inner.Build(toLogifaceLevel(entry.Level))
	if !b.Enabled() {
		b.Release()
		return
	}
	b.Str("component", entry.Component)
	if entry.Err != nil {
		b.Err(entry.Err)
	}
	for k, v := range entry.Fields {
		b.Any(k, v)
	}
	b.Log(entry.Message)
}

func toLogifaceLevel(level loopguard.LogLevel) logiface.Level {
	switch level {
	case loopguard.LevelDebug:
		return logiface.LevelDebug
	case loopguard.LevelInfo:
		return logiface.LevelInformational
	case loopguard.LevelWarn:
		return logiface.LevelWarning
	case loopguard.LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
