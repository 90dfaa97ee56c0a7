// Package appconf resolves the server settings: per-environment defaults,
// an optional YAML file, then GPULIMIT_* variables.
package appconf

import (
	"fmt"
	"os"
	"time"

	"gpulimit/config"
	devconf "gpulimit/config/environments/development"
	prodconf "gpulimit/config/environments/production"
	"gpulimit/internal/taskqueue"
	"gpulimit/internal/wire"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

type Settings struct {
	Env         string             `validate:"oneof=development production"`
	Listen      string             `validate:"required"`
	LogDir      string             `validate:"required"`
	HTTPAddr    string             `validate:"omitempty,hostname_port"`
	HistoryDB   string             // empty disables run history
	NvidiaSMI   string             `validate:"required"`
	KillGrace   time.Duration      `validate:"gte=0"`
	CleanLogDir bool
	LogLevel    string             `validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Params      map[string]float64 // applied through scheduling.Params.SetValue
}

// fileSettings mirrors the YAML layout. Pointers tell "absent" from "zero".
type fileSettings struct {
	Listen      *string            `yaml:"listen"`
	LogDir      *string            `yaml:"log_dir"`
	HTTPAddr    *string            `yaml:"http_addr"`
	HistoryDB   *string            `yaml:"history_db"`
	NvidiaSMI   *string            `yaml:"nvidia_smi"`
	KillGrace   *string            `yaml:"kill_grace"`
	CleanLogDir *bool              `yaml:"clean_log_dir"`
	LogLevel    *string            `yaml:"log_level"`
	Params      map[string]float64 `yaml:"params"`
}

var validate = validator.New()

// Load reads APP_ENV and GPULIMIT_CONFIG from the environment.
func Load() (*Settings, error) {
	return LoadFrom(os.Getenv("APP_ENV"), os.Getenv(config.EnvConfig))
}

// LoadFrom builds settings for env, overlaying the YAML file at path when it
// is not empty. Variables that are set win over the file.
func LoadFrom(env, path string) (*Settings, error) {
	var conf config.AppConfiger
	switch env {
	case "production":
		conf = prodconf.New()
	case "development", "":
		env = "development"
		conf = devconf.New()
	default:
		return nil, fmt.Errorf("unknown APP_ENV %q", env)
	}

	s := &Settings{
		Env:         env,
		Listen:      conf.GetListen(),
		LogDir:      conf.GetLogDir(),
		HTTPAddr:    conf.GetHTTPAddr(),
		HistoryDB:   conf.GetHistoryDB(),
		NvidiaSMI:   conf.GetNvidiaSMI(),
		KillGrace:   taskqueue.DefaultKillGrace,
		CleanLogDir: true,
		LogLevel:    os.Getenv("GPULIMIT_LOG_LEVEL"),
	}

	if path != "" {
		if err := s.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if _, err := wire.ParseAddress(s.Listen); err != nil {
		return fmt.Errorf("invalid settings: listen: %w", err)
	}
	return nil
}

// Address is the parsed control socket address.
func (s *Settings) Address() (wire.Address, error) {
	return wire.ParseAddress(s.Listen)
}

func (s *Settings) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}

	var f fileSettings
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}

	overlay(&s.Listen, f.Listen, config.EnvListen)
	overlay(&s.LogDir, f.LogDir, config.EnvLogDir)
	overlay(&s.HTTPAddr, f.HTTPAddr, config.EnvHTTPAddr)
	overlay(&s.HistoryDB, f.HistoryDB, config.EnvHistoryDB)
	overlay(&s.NvidiaSMI, f.NvidiaSMI, config.EnvNvidiaSMI)
	overlay(&s.LogLevel, f.LogLevel, "GPULIMIT_LOG_LEVEL")

	if f.KillGrace != nil {
		d, err := time.ParseDuration(*f.KillGrace)
		if err != nil {
			return fmt.Errorf("parse settings file %s: kill_grace: %w", path, err)
		}
		s.KillGrace = d
	}
	if f.CleanLogDir != nil {
		s.CleanLogDir = *f.CleanLogDir
	}
	if len(f.Params) > 0 {
		s.Params = f.Params
	}
	return nil
}

func overlay(dst *string, v *string, envName string) {
	if v == nil {
		return
	}
	if _, set := os.LookupEnv(envName); set {
		return
	}
	*dst = *v
}
