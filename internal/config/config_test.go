package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 8081, cfg.RPCPort)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.ReadTimeout)
	assert.Equal(t, int64(65536), cfg.MaxMessageSize)
	assert.Equal(t, 10*time.Minute, cfg.ApprovalTimeout)
	assert.Equal(t, time.Duration(0), cfg.QuestionTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("API_KEY", "secret")
	t.Setenv("APPROVAL_TIMEOUT_MS", "1500")

	cfg, err := LoadFrom(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, 1500*time.Millisecond, cfg.ApprovalTimeout)
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hero.yaml")
	require.NoError(t, os.WriteFile(path, []byte("RPC_PORT: 7001\nDATABASE_URL: \":memory:\"\nQUESTION_TIMEOUT_MS: 2000\n"), 0o600))
	t.Setenv("RPC_PORT", "7002")

	cfg, err := LoadFrom(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 7002, cfg.RPCPort)
	assert.Equal(t, ":memory:", cfg.DatabaseURL)
	assert.Equal(t, 2*time.Second, cfg.QuestionTimeout)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("WS_READ_TIMEOUT_MS", "1000")
	_, err := LoadFrom(viper.New(), "")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFrom(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
