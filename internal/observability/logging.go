// Package observability builds the daemon's structured logger.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects logger behavior.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string

	// Format is "json" for machine consumption or "console" for
	// operators. Default: json.
	Format string
}

// NewLogger constructs the process-wide zap logger. Components receive it
// by reference and attach their own fields; there is no ambient global.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if l := strings.TrimSpace(cfg.Level); l != "" {
		if err := level.Set(l); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var zapCfg zap.Config
	switch strings.TrimSpace(cfg.Format) {
	case "", "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
