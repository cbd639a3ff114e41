// Package logging builds the logr.Logger every component in this module
// logs through, backed by go.uber.org/zap via github.com/go-logr/zapr.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logr.Logger. debug switches between a human-readable console
// encoder at debug level and a JSON encoder at info level, matching the
// --debug flag both the server and client CLIs expose.
func New(debug bool) logr.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zl, err := cfg.Build()
	if err != nil {
		// Build only fails on an invalid static config; fall back to a
		// minimal logger rather than leaving callers without one.
		zl = zap.NewNop()
	}
	return zapr.NewLogger(zl)
}
