// Package logger builds the zap logger every component receives. Verbosity
// comes from configuration; components attach their own Named scopes.
package logger

import (
	"go.uber.org/zap"
)

// New returns a production logger at the given verbosity ("debug", "info",
// "warn", "error"). An empty verbosity means info.
func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}
