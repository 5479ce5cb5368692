// Package logging builds the process-wide zap logger. Adapted from
// server/cmd/server/main.go:buildLogger in the teacher repo — production
// JSON config by default, development console config for "debug".
package logging

import "go.uber.org/zap"

// Build returns a *zap.Logger configured for the given level string
// ("debug", "info", "warn", "error"). Unknown levels fall back to "info".
func Build(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
