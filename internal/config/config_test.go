package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logger:\n  verbosity: debug\ndriver:\n  backend: sim\n  simDevices: 4\n"), 0o644))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, BackendSim, config.Driver.Backend)
		assert.Equal(t, 4, config.Driver.SimDevices)
	})

	t.Run("partial config keeps defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("driver:\n  backend: cuda\n"), 0o644))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "info", config.Logger.Verbosity)
		assert.Equal(t, BackendCUDA, config.Driver.Backend)
		assert.Equal(t, 1, config.Driver.SimDevices)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("driver: [unclosed"), 0o644))

		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestEnvFromOS(t *testing.T) {
	log := zap.NewNop()

	t.Run("unset means negative", func(t *testing.T) {
		env := EnvFromOS(log)
		assert.Equal(t, int32(-1), env.TeamLimit)
		assert.Equal(t, int32(-1), env.NumTeams)
	})

	t.Run("both set", func(t *testing.T) {
		t.Setenv(envTeamLimit, "4096")
		t.Setenv(envNumTeams, "256")
		env := EnvFromOS(log)
		assert.Equal(t, int32(4096), env.TeamLimit)
		assert.Equal(t, int32(256), env.NumTeams)
	})

	t.Run("zero is a value, not unset", func(t *testing.T) {
		t.Setenv(envNumTeams, "0")
		env := EnvFromOS(log)
		assert.Equal(t, int32(0), env.NumTeams)
	})

	t.Run("non-numeric ignored", func(t *testing.T) {
		t.Setenv(envTeamLimit, "lots")
		env := EnvFromOS(log)
		assert.Equal(t, int32(-1), env.TeamLimit)
	})
}
