// File: internal/config/config_test.go
package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "taskpilot", cfg.Logger.ServiceName)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 5*time.Second, cfg.Session.HandshakeTimeout)
	assert.Equal(t, 5, cfg.Session.MaxReconnectAttempts)
	assert.Equal(t, 20, cfg.Task.MaxIterations)
	assert.Equal(t, 3, cfg.Task.FailureThreshold)
	assert.Equal(t, 3, cfg.Task.MaxNoActionTurns)
	assert.Equal(t, 2500*time.Millisecond, cfg.Task.NavigationWait)
	assert.InDelta(t, 0.6, cfg.Resolver.FuzzyThreshold, 1e-9)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, ":8088", cfg.Server.Addr)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Defaults are valid", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Handshake timeout bounds", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Session.HandshakeTimeout = 200 * time.Millisecond
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handshake_timeout")

		cfg.Session.HandshakeTimeout = time.Minute
		assert.Error(t, cfg.Validate())
	})

	t.Run("Iteration cap must be positive", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Task.MaxIterations = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_iterations")
	})

	t.Run("Typing delays ordered", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Task.TypingMinDelay = 200 * time.Millisecond
		cfg.Task.TypingMaxDelay = 100 * time.Millisecond
		assert.Error(t, cfg.Validate())
	})

	t.Run("Redis backend requires an address", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Cache.Backend = "redis"
		cfg.Cache.RedisAddr = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("Postgres backend requires a url", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Store.Backend = "postgres"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.url")
	})

	t.Run("Unknown backends rejected", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Cache.Backend = "memcached"
		assert.Error(t, cfg.Validate())
	})
}

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
session:
  handshake_timeout: 3s
  max_reconnect_attempts: 2
task:
  max_iterations: 12
  failure_threshold: 4
resolver:
  fuzzy_threshold: 0.75
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, cfg.Session.HandshakeTimeout)
		assert.Equal(t, 2, cfg.Session.MaxReconnectAttempts)
		assert.Equal(t, 12, cfg.Task.MaxIterations)
		assert.Equal(t, 4, cfg.Task.FailureThreshold)
		assert.InDelta(t, 0.75, cfg.Resolver.FuzzyThreshold, 1e-9)
		// Untouched values keep their defaults.
		assert.Equal(t, 3, cfg.Task.MaxNoActionTurns)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("task.max_no_action_turns", 0)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		t.Setenv(CredentialEnvVar, "key-from-env")
		t.Setenv("TASKPILOT_STORE_URL", "postgres://u:p@localhost/taskpilot")

		v := viper.New()
		SetDefaults(v)
		v.Set("store.backend", "postgres")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "key-from-env", cfg.APIKey)
		assert.Equal(t, "postgres://u:p@localhost/taskpilot", cfg.Store.URL)
	})

	t.Run("Home directory expansion", func(t *testing.T) {
		home, err := homedir.Dir()
		require.NoError(t, err)

		v := viper.New()
		SetDefaults(v)
		v.Set("browser.user_data_dir", "~/profiles/pilot")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "profiles", "pilot"), cfg.Browser.UserDataDir)
		assert.Equal(t, filepath.Join(home, ".taskpilot", "taskpilot.log"), cfg.Logger.LogFile)
	})
}
