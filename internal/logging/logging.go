// Package logging builds the zap loggers the membrane emits its
// structured call records through.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs a production JSON (or console) logger at the given
// level. Unknown levels fail rather than silently defaulting. Outputs
// default to stderr; pass paths (or "stdout") to redirect.
func New(level, format string, outputs ...string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if level == "" {
		level = "info"
	}
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("logging: bad level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil
	if format == "console" {
		cfg.Encoding = "console"
	}
	if len(outputs) > 0 {
		cfg.OutputPaths = outputs
	}

	return cfg.Build()
}

// Nop returns a discard-everything logger for tests and embedders that
// sink records elsewhere.
func Nop() *zap.Logger { return zap.NewNop() }
