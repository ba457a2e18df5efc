package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "VIGIA"

	defaultAPIBaseURL   = "http://127.0.0.1:8080"
	defaultSessionPath  = "vigia-session.db"
	defaultLogLevel     = "info"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "vigia.db"
	// Election-day tokens stay valid through the whole operation.
	defaultTokenTTLMinutes = 16 * 60
)

// AppConfig captures runtime configuration shared by the CLI and the server.
type AppConfig struct {
	APIBaseURL    string
	SessionPath   string
	LogLevel      string
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	TokenTTL      time.Duration
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

	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("session.path", defaultSessionPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("server.address", defaultHTTPAddress)
	configViper.SetDefault("server.database_path", defaultDatabasePath)
	configViper.SetDefault("server.token_ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		APIBaseURL:    strings.TrimRight(configViper.GetString("api.base_url"), "/"),
		SessionPath:   configViper.GetString("session.path"),
		LogLevel:      configViper.GetString("log.level"),
		HTTPAddress:   configViper.GetString("server.address"),
		DatabasePath:  configViper.GetString("server.database_path"),
		SigningSecret: configViper.GetString("server.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("server.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(c.SessionPath) == "" {
		return fmt.Errorf("session.path is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("server.database_path is required")
	}
	return nil
}

// ValidateServer checks the additional settings required to run the backend.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("server.signing_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("server.token_ttl_minutes must be positive")
	}
	return nil
}
