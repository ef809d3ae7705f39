package logger

import (
	"github.com/jobgate/evalpulse/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The symbol is attached as a structured field, not baked into the message,
// so logs stay queryable by symbol.

// WithPulseSymbol returns a child logger that tags every entry with the Pulse symbol (꩜)
func WithPulseSymbol(log *zap.SugaredLogger) *zap.SugaredLogger {
	return log.With(FieldSymbol, sym.Pulse)
}

// PulseOpenInfow logs an info message with the PulseOpen symbol (✿)
func PulseOpenInfow(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	fields := append([]interface{}{FieldSymbol, sym.PulseOpen}, keysAndValues...)
	log.Infow(msg, fields...)
}

// PulseCloseInfow logs an info message with the PulseClose symbol (❀)
func PulseCloseInfow(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	fields := append([]interface{}{FieldSymbol, sym.PulseClose}, keysAndValues...)
	log.Infow(msg, fields...)
}
