// Package logging builds the structured logger used across the daemon,
// grounded on the *zap.Logger / zap.Error / zap.Int field-constructor idiom
// in other_examples/77ec9d47_arejula27-p2pool-go__internal-work-generator.go.go.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module targets named in SPEC_FULL.md section 7.
const (
	ModuleRPC           = "rpc"
	ModuleProcessing    = "processing"
	ModuleUTXOSetScan   = "utxo_set_scan"
	ModuleReidPools     = "re-id_unknown_pools"
	ModuleSanctionUpdate = "sanctionupdate"
	ModuleDBPool        = "dbpool"
	ModuleStartup       = "startup"
	ModuleStats         = "stats"
	ModuleRetagTx       = "retagtx"
)

// New builds a production zap.Logger at the given level ("error", "warn",
// "info", "debug", "trace" — "trace" maps to zap's DebugLevel since zap has
// no finer level).
func New(level string) (*zap.Logger, error) {
	var zl zapcore.Level
	switch level {
	case "", "info":
		zl = zapcore.InfoLevel
	case "error":
		zl = zapcore.ErrorLevel
	case "warn":
		zl = zapcore.WarnLevel
	case "debug", "trace":
		zl = zapcore.DebugLevel
	default:
		return nil, fmt.Errorf("logging: unknown log_level %q", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	return cfg.Build()
}

// Module returns a sub-logger tagged with the given module target.
func Module(base *zap.Logger, module string) *zap.Logger {
	return base.Named(module)
}
