package config

import (
	"os"
	"path/filepath"
	"strings"

	serverconf "gpulimit/config"
	devconf "gpulimit/config/environments/development"
	prodconf "gpulimit/config/environments/production"

	"github.com/goccy/go-yaml"
)

const configFileName = ".gpulimit/config.yml"

// Config holds the gpulimit client configuration
type Config struct {
	Server string `yaml:"server"`
}

// Load reads ~/.gpulimit/config.yml. A missing file is not an error.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadFromFile(cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return cfg, nil
}

// GetServer returns the control socket address with priority:
// env var > config file > the server's default for APP_ENV.
func (c *Config) GetServer() string {
	if addr := strings.TrimSpace(os.Getenv(serverconf.EnvListen)); addr != "" {
		return addr
	}

	if c.Server != "" {
		return c.Server
	}

	if os.Getenv("APP_ENV") == "development" {
		return devconf.New().GetListen()
	}
	return prodconf.New().GetListen()
}

func loadFromFile(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Join(homeDir, configFileName))
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}
