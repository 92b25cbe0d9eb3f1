package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/AlexMercedCoder/mylocalnotes/internal/vault"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "MYLOCALNOTES"
	defaultHTTPAddress     = "127.0.0.1:7070"
	defaultDatabasePath    = "mylocalnotes.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultTokenTTLMinutes = 720
)

// AppConfig captures runtime configuration for the local notes server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	LogFormat      string
	KDFIterations  int
	SigningSecret  string
	TokenTTL       time.Duration
	AllowedOrigins []string
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("kdf.iterations", vault.MinIterations)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		KDFIterations:  configViper.GetInt("kdf.iterations"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
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
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.KDFIterations < vault.MinIterations {
		return fmt.Errorf("kdf.iterations must be at least %d", vault.MinIterations)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	return nil
}
