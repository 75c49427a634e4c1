// Package config provides configuration for the hero server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileEnv names an optional config file (yaml, toml or json).
const ConfigFileEnv = "HERO_CONFIG"

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int // Public HTTP API and websocket endpoint
	RPCPort  int // Internal JSON-RPC port for agent runners

	// Database
	DatabaseURL string

	// Auth settings
	APIKey string // Optional static key required on websocket upgrades

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Workflows
	ApprovalTimeout   time.Duration
	QuestionTimeout   time.Duration
	ResolvedRetention time.Duration
	PolicyFile        string
}

var defaults = map[string]interface{}{
	"HTTP_PORT":             8080,
	"RPC_PORT":              8081,
	"DATABASE_URL":          "file:hero.db?cache=shared&mode=rwc",
	"API_KEY":               "",
	"WS_PING_INTERVAL_MS":   30000,
	"WS_WRITE_TIMEOUT_MS":   10000,
	"WS_READ_TIMEOUT_MS":    60000,
	"WS_MAX_MESSAGE_SIZE":   65536,
	"APPROVAL_TIMEOUT_MS":   600000,
	"QUESTION_TIMEOUT_MS":   0,
	"RESOLVED_RETENTION_MS": 600000,
	"APPROVAL_POLICY_FILE":  "",
}

// Load reads configuration from the environment and, when HERO_CONFIG is
// set, from that file. Environment variables win over the file.
func Load() (*Config, error) {
	return LoadFrom(viper.New(), os.Getenv(ConfigFileEnv))
}

// LoadFrom reads configuration through v, using file when non-empty.
func LoadFrom(v *viper.Viper, file string) (*Config, error) {
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		HTTPPort:          v.GetInt("HTTP_PORT"),
		RPCPort:           v.GetInt("RPC_PORT"),
		DatabaseURL:       v.GetString("DATABASE_URL"),
		APIKey:            v.GetString("API_KEY"),
		PingInterval:      millis(v, "WS_PING_INTERVAL_MS"),
		WriteTimeout:      millis(v, "WS_WRITE_TIMEOUT_MS"),
		ReadTimeout:       millis(v, "WS_READ_TIMEOUT_MS"),
		MaxMessageSize:    v.GetInt64("WS_MAX_MESSAGE_SIZE"),
		ApprovalTimeout:   millis(v, "APPROVAL_TIMEOUT_MS"),
		QuestionTimeout:   millis(v, "QUESTION_TIMEOUT_MS"),
		ResolvedRetention: millis(v, "RESOLVED_RETENTION_MS"),
		PolicyFile:        v.GetString("APPROVAL_POLICY_FILE"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.RPCPort <= 0 {
		return fmt.Errorf("ports must be positive (http=%d rpc=%d)", c.HTTPPort, c.RPCPort)
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is empty")
	}
	if c.ReadTimeout <= c.PingInterval {
		return fmt.Errorf("WS_READ_TIMEOUT_MS must exceed WS_PING_INTERVAL_MS")
	}
	return nil
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}
