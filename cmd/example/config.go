package main

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the example client's configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	ServerURI   string `env:"SPACETIMEDB_URI" envDefault:"http://localhost:3000"`
	Database    string `env:"SPACETIMEDB_DATABASE" envDefault:"quickstart-chat"`
	Token       string `env:"SPACETIMEDB_TOKEN"`
	Compression string `env:"SPACETIMEDB_COMPRESSION" envDefault:"gzip"`
	LightMode   bool   `env:"SPACETIMEDB_LIGHT_MODE" envDefault:"false"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"pretty"`
}

// LoadConfig reads configuration from a .env file, if present, and the
// environment. Priority: ENV vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.ServerURI == "" {
		return fmt.Errorf("SPACETIMEDB_URI is required")
	}
	if c.Database == "" {
		return fmt.Errorf("SPACETIMEDB_DATABASE is required")
	}
	switch c.Compression {
	case "none", "gzip":
	default:
		return fmt.Errorf("SPACETIMEDB_COMPRESSION must be one of: none, gzip (got: %s)", c.Compression)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Print logs the configuration in a human-readable form at startup.
func (c *Config) Print() {
	fmt.Println("=== Client Configuration ===")
	fmt.Printf("Server URI:  %s\n", c.ServerURI)
	fmt.Printf("Database:    %s\n", c.Database)
	fmt.Printf("Compression: %s\n", c.Compression)
	fmt.Printf("Light mode:  %v\n", c.LightMode)
	fmt.Printf("Metrics:     %s\n", c.MetricsAddr)
	fmt.Printf("Log level:   %s\n", c.LogLevel)
	fmt.Println("============================")
}

// LogConfig logs the configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("server_uri", c.ServerURI).
		Str("database", c.Database).
		Str("compression", c.Compression).
		Bool("light_mode", c.LightMode).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("client configuration loaded")
}
