// Package logging builds the process logger: zap underneath, exposed to the
// rest of kiln as a logr.Logger.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jbweber/kiln/internal/config"
)

// New builds a logger from the log section of the configuration.
// The returned sync function flushes buffered entries and should be
// deferred by the caller.
func New(cfg config.LogConfig) (logr.Logger, func(), error) {
	zapConfig := zap.NewProductionConfig()

	if strings.EqualFold(cfg.Format, "console") {
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		zapConfig.Encoding = "json"
		zapConfig.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	// CLI output goes to stdout; logs stay on stderr.
	zapConfig.OutputPaths = []string{"stderr"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	zapConfig.Sampling = nil
	zapConfig.DisableStacktrace = true

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("failed to build logger: %w", err)
	}

	sync := func() { _ = zapLogger.Sync() }
	return zapr.NewLogger(zapLogger), sync, nil
}

// parseLevel maps a level name to a zap level. "debug" also enables
// logr V(1) output, "trace" enables V(2).
func parseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return zap.InfoLevel, nil
	case "debug":
		return zap.DebugLevel, nil
	case "trace":
		return zapcore.Level(-2), nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}
