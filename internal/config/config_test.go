package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DRIPRELAY_DATABASE__URL", "postgres://localhost:5432/driprelay")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.MetricsPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Queue.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Queue.StallTimeout)
	assert.Equal(t, 4, cfg.Queue.DispatchWorkers)
	assert.True(t, cfg.Twilio.ValidateSignature)
}

func TestLoad_File(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: "9000"
database:
  url: postgres://db:5432/driprelay
twilio:
  accountsid: AC123
  fromnumber: "+15550100000"
queue:
  maxretries: 5
  stalltimeout: 30m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "postgres://db:5432/driprelay", cfg.Database.URL)
	assert.Equal(t, "AC123", cfg.Twilio.AccountSID)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.Queue.StallTimeout)

	// untouched keys keep defaults
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
database:
  url: postgres://db:5432/driprelay
log:
  level: info
`)

	t.Setenv("DRIPRELAY_LOG__LEVEL", "debug")
	t.Setenv("DRIPRELAY_TWILIO__AUTHTOKEN", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "secret", cfg.Twilio.AuthToken)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
