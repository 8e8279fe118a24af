package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "LOOM"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "loom.db"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 720
	defaultKeepAliveSeconds  = 30
	defaultAwarenessTTLSecs  = 60
	defaultSnapshotFlushSecs = 15
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	SigningSecret    string
	DatabasePath     string
	LogLevel         string
	TokenTTL         time.Duration
	KeepAliveEvery   time.Duration
	AwarenessTTL     time.Duration
	SnapshotFlushAge time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("collab.keepalive_seconds", defaultKeepAliveSeconds)
	configViper.SetDefault("collab.awareness_ttl_seconds", defaultAwarenessTTLSecs)
	configViper.SetDefault("collab.snapshot_flush_seconds", defaultSnapshotFlushSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		KeepAliveEvery:   time.Duration(configViper.GetInt("collab.keepalive_seconds")) * time.Second,
		AwarenessTTL:     time.Duration(configViper.GetInt("collab.awareness_ttl_seconds")) * time.Second,
		SnapshotFlushAge: time.Duration(configViper.GetInt("collab.snapshot_flush_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.KeepAliveEvery <= 0 {
		return fmt.Errorf("collab.keepalive_seconds must be positive")
	}
	if c.AwarenessTTL < c.KeepAliveEvery {
		return fmt.Errorf("collab.awareness_ttl_seconds must cover at least one keep-alive interval")
	}
	return nil
}
