//go:build !cuda

package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/offloadrt/device-plugin/internal/config"
	"github.com/offloadrt/device-plugin/internal/driver"
	"github.com/offloadrt/device-plugin/internal/driver/sim"
)

// newDriver selects the driver backend. This build has no CUDA support, so
// auto resolves to the simulator.
func newDriver(cfg *config.Config, log *zap.Logger) (driver.Driver, error) {
	switch cfg.Driver.Backend {
	case config.BackendCUDA:
		return nil, fmt.Errorf("binary built without CUDA support, rebuild with -tags cuda")
	case config.BackendAuto, config.BackendSim:
		return sim.New(log, cfg.Driver.SimDevices), nil
	default:
		return nil, fmt.Errorf("unknown driver backend %q", cfg.Driver.Backend)
	}
}
