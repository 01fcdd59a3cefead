// Package logger builds the process-wide zap logger from configuration.
package logger

import (
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/danobi/btrfs-fuzz/config"
)

type LoggerParams struct {
	fx.In
	AppConfig *config.AppConfig
}

// NewLogger builds the process logger. At info and below the development
// encoder is used, since those levels exist for a human watching the run;
// warn and error get production JSON.
func NewLogger(p LoggerParams) *zap.Logger {
	level := zapcore.InfoLevel
	switch strings.ToLower(p.AppConfig.LogLevel) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	var cfg zap.Config
	if level > zapcore.InfoLevel {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	lg, err := cfg.Build()
	if err != nil {
		// log failed to build, return a default one
		return zap.NewExample()
	}
	return lg
}
