// Package config loads accountd configuration from an optional YAML file
// and the environment. Environment variables win over the file, which
// wins over built-in defaults.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/accountd/internal/database"
)

// DefaultConfigFile is read when CONFIG_FILE is not set. Missing is fine;
// everything can come from the environment.
const DefaultConfigFile = "accountd.yaml"

// Config holds all configuration for accountd.
type Config struct {
	// Component toggles. At least one must be true.
	EnableAccount    bool `env:"ENABLE_ACCOUNT" yaml:"enable_account"`
	EnableCalculator bool `env:"ENABLE_CALCULATOR" yaml:"enable_calculator"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `env:"LISTEN_ADDR" yaml:"listen_addr"`

	// DatabaseDir is where the database file lives.
	DatabaseDir string `env:"DATABASE_DIR" yaml:"database_dir"`

	// ConcurrentWriteLimit bounds the concurrent command runner. Zero
	// uses the built-in default.
	ConcurrentWriteLimit int64 `env:"CONCURRENT_WRITE_LIMIT" yaml:"concurrent_write_limit"`

	// GoogleClientID is the OAuth client id sign-in-with-Google tokens
	// must be issued to. Required only when that route is used.
	GoogleClientID string `env:"GOOGLE_CLIENT_ID" yaml:"google_client_id"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" yaml:"environment"`
}

func defaults() *Config {
	return &Config{
		EnableAccount:    true,
		EnableCalculator: true,
		ListenAddr:       ":8080",
		DatabaseDir:      "./data",
		Environment:      "development",
	}
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration. It attempts a .env file first, then the YAML
// config file, then the environment. The env tags carry no defaults on
// purpose: env.Parse must only touch fields whose variable is actually
// set, or it would clobber file values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := defaults()

	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file, environment only.
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.EnableAccount && !c.EnableCalculator {
		return fmt.Errorf("at least one of ENABLE_ACCOUNT or ENABLE_CALCULATOR must be true")
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}

	if c.DatabaseDir == "" {
		return fmt.Errorf("DATABASE_DIR must not be empty")
	}

	if c.ConcurrentWriteLimit < 0 {
		return fmt.Errorf("CONCURRENT_WRITE_LIMIT must not be negative")
	}

	return nil
}

// Components maps the toggles onto the database layer's feature set.
func (c *Config) Components() database.Components {
	return database.Components{
		Account:    c.EnableAccount,
		Calculator: c.EnableCalculator,
	}
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
