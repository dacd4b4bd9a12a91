package config

import (
	"os"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Backend names accepted in the driver section.
const (
	BackendAuto = "auto"
	BackendCUDA = "cuda"
	BackendSim  = "sim"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Driver struct {
		// Backend selects the driver implementation: auto, cuda, or sim.
		Backend string `yaml:"backend"`
		// SimDevices is the number of devices the simulator exposes.
		SimDevices int `yaml:"simDevices"`
	} `yaml:"driver"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var config Config
	config.Logger.Verbosity = "info"
	config.Driver.Backend = BackendAuto
	config.Driver.SimDevices = 1
	return &config
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// Environment variables read once at device-init time, same names the
// OpenMP runtime uses.
const (
	envTeamLimit = "OMP_TEAM_LIMIT"
	envNumTeams  = "OMP_NUM_TEAMS"
)

// Env carries the environment-sourced launch configuration. Negative values
// mean "not set".
type Env struct {
	// TeamLimit caps the per-device team count.
	TeamLimit int32
	// NumTeams overrides the default team count.
	NumTeams int32
}

// DefaultEnv is the no-overrides state.
func DefaultEnv() Env {
	return Env{TeamLimit: -1, NumTeams: -1}
}

// EnvFromOS reads the launch configuration from the process environment.
// Values that do not parse as integers are logged and ignored.
func EnvFromOS(log *zap.Logger) Env {
	e := DefaultEnv()
	if v, ok := lookupInt(log, envTeamLimit); ok {
		e.TeamLimit = v
	}
	if v, ok := lookupInt(log, envNumTeams); ok {
		e.NumTeams = v
	}
	return e
}

func lookupInt(log *zap.Logger, key string) (int32, bool) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		log.Warn("ignoring non-numeric environment variable",
			zap.String("name", key),
			zap.String("value", s))
		return 0, false
	}
	log.Debug("parsed environment variable",
		zap.String("name", key),
		zap.Int64("value", v))
	return int32(v), true
}
