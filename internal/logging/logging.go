// Package logging builds the structured logger injected into every component.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field keys.
const (
	KeyTask     = "task_id"
	KeySession  = "session_id"
	KeyWorkflow = "workflow"
	KeyStep     = "step"
	KeyResource = "resource"
)

// Config contains configuration for the logger.
type Config struct {
	// Debug enables debug level logging.
	Debug bool `mapstructure:"debug"`
	// Format is "json" or "human".
	Format string `mapstructure:"format"`
	// File is an optional log file appended to stderr output.
	File string `mapstructure:"file"`
}

// Default returns a human readable, info level configuration.
func Default() Config {
	return Config{Format: "human"}
}

// New builds a SugaredLogger from cfg.
func New(cfg Config) (*zap.SugaredLogger, error) {
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	outputs := []string{"stderr"}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		outputs = append(outputs, cfg.File)
	}
	zc.OutputPaths = outputs

	if cfg.Debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l.Sugar(), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return Nop()
	}
	return l
}
