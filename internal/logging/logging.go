// Package logging builds the shared zap logger and hands out named
// component loggers (web, simulator, bot, worker, store, cache).
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names used across the binary. Keeping them here makes log
// filtering predictable.
const (
	ComponentWeb        = "web"
	ComponentStore      = "store"
	ComponentCache      = "cache"
	ComponentSimulator  = "simulator"
	ComponentNotify     = "notify"
	ComponentBot        = "bot"
	ComponentWorker     = "worker"
	ComponentSupervisor = "supervisor"
)

var (
	mu   sync.RWMutex
	root *zap.Logger = zap.NewNop()
)

// Setup builds the process-wide logger. format is "json" or "console";
// level is one of debug/info/warn/error.
func Setup(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "", "info":
		lvl = zapcore.InfoLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	mu.Lock()
	root = logger
	mu.Unlock()
	return logger, nil
}

// Named returns a component logger derived from the shared root.
// Before Setup it returns a nop logger, which keeps tests quiet.
func Named(component string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(component)
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
