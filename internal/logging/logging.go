// Package logging wires the structured, leveled logger every datamgr
// component receives via constructor injection — never a process-global.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger returned by New.
type Options struct {
	// Level is the minimum enabled level ("debug", "info", "warn", "error").
	Level string
	// Development enables human-friendly, colorized console output instead
	// of JSON; use for local tooling, never for a long-running process.
	Development bool
}

// New builds a *zap.Logger honoring Options. An empty Level defaults to info.
func New(opts Options) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, err
		}
	}
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      opts.Development,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if opts.Development {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Nop returns a logger that discards everything, for tests and for callers
// that don't care to wire one up.
func Nop() *zap.Logger { return zap.NewNop() }

// WithComponent returns a child logger tagged with the owning component
// name, matching the field-scoping convention used throughout the teacher's
// own accessor-style wrapper types.
func WithComponent(l *zap.Logger, component string) *zap.Logger {
	return l.With(zap.String("component", component))
}
