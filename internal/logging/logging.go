// Package logging constructs the zap loggers used throughout the engine.
// Every component takes a *zap.Logger explicitly; nothing here reaches for
// a package-global logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment selects the base zap configuration.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// New builds a *zap.Logger for the given environment and level. Development
// produces human-readable console output; production produces JSON.
func New(env Environment, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == Production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
