package util

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// InitLogger builds the process logger and installs it as zap's global.
// Production writes JSON at info, anything else colored console output at debug.
// A non-empty level overrides the default for either.
func InitLogger(env, level string) error {
	var config zap.Config
	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := config.Build(zap.Fields(
		zap.String("service", ServiceName),
		zap.String("env", env),
	))
	if err != nil {
		return err
	}

	logger = l
	zap.ReplaceGlobals(logger)
	return nil
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// SetLogger replaces the global logger, used by tests to capture output
func SetLogger(l *zap.Logger) {
	logger = l
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// OrderLogger scopes base to one order; paymentRef is attached once known
func OrderLogger(base *zap.Logger, orderID, paymentRef string) *zap.Logger {
	if paymentRef == "" {
		return base.With(zap.String("order_id", orderID))
	}
	return base.With(zap.String("order_id", orderID), zap.String("payment_ref", paymentRef))
}

// Anomaly returns the field every reconciliation anomaly is tagged with
func Anomaly(kind string) zap.Field {
	return zap.String("anomaly", kind)
}
