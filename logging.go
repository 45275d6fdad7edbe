package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// defaultLogEncoding picks console output on a terminal and JSON otherwise
func defaultLogEncoding() string {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return "console"
	}
	return "json"
}

// getEnvOr returns environment variable value or default if not set
func getEnvOr(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBoolOr returns environment variable as bool or default if not set
func getEnvBoolOr(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if value == "true" || value == "1" {
			return true
		}
		if value == "false" || value == "0" {
			return false
		}
	}
	return defaultValue
}

func convertStringToZapLevel(levelStr string) (zapcore.Level, error) {
	var l zapcore.Level
	err := l.UnmarshalText([]byte(levelStr))
	if err != nil {
		return 0, fmt.Errorf("invalid log level: %s", levelStr)
	}
	return l, nil
}

func initLogger(level, encoding string, caller bool) (*zap.Logger, error) {
	l, err := convertStringToZapLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.DisableCaller = !caller
	cfg.Level = zap.NewAtomicLevelAt(l)
	cfg.Encoding = encoding
	cfg.EncoderConfig.MessageKey = "message"

	if strings.EqualFold(encoding, "console") {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("couldn't create a logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}

func syncLogger(logger *zap.Logger) {
	// EINVAL: https://github.com/uber-go/zap/issues/772
	if err := logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		fmt.Fprintf(os.Stderr, "syncing logger: %v\n", err)
	}
}
