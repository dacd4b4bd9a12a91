//go:build cuda

package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/offloadrt/device-plugin/internal/config"
	"github.com/offloadrt/device-plugin/internal/driver"
	"github.com/offloadrt/device-plugin/internal/driver/cuda"
	"github.com/offloadrt/device-plugin/internal/driver/sim"
)

// newDriver selects the driver backend. With auto, CUDA is probed first and
// the simulator is the fallback when no usable driver is present.
func newDriver(cfg *config.Config, log *zap.Logger) (driver.Driver, error) {
	switch cfg.Driver.Backend {
	case config.BackendCUDA:
		return cuda.New(log), nil
	case config.BackendSim:
		return sim.New(log, cfg.Driver.SimDevices), nil
	case config.BackendAuto:
		c := cuda.New(log)
		if err := c.Init(); err != nil {
			log.Warn("CUDA driver unavailable, falling back to simulator", zap.Error(err))
			return sim.New(log, cfg.Driver.SimDevices), nil
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown driver backend %q", cfg.Driver.Backend)
	}
}
