package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models chronotrial.yml.
type Config struct {
	Timing struct {
		// StaleWindowDays bounds both the stale-trial sweep and the
		// running-trial lookup on startup.
		StaleWindowDays int `yaml:"stale_window_days"`
	} `yaml:"timing"`
	Report struct {
		OutputDir string `yaml:"output_dir"`
	} `yaml:"report"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// JWTSecret enables bearer auth on the API when set. The
		// CHRONOTRIAL_JWT_SECRET environment variable takes precedence.
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ct init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if secret := os.Getenv("CHRONOTRIAL_JWT_SECRET"); secret != "" {
				cfg.Server.JWTSecret = secret
			}
			return cfg, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Timing.StaleWindowDays <= 0 {
		return fmt.Errorf("config.timing.stale_window_days must be positive")
	}
	if c.Report.OutputDir == "" {
		return fmt.Errorf("config.report.output_dir is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "chronotrial.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// WriteDefault writes the default config file unless one already exists.
// It reports whether a file was created.
func WriteDefault(workspace string) (bool, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if secret := os.Getenv("CHRONOTRIAL_JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `timing:
  # Trials whose scheduled date is older than this window and were never
  # closed get force-finished by 'ct trial sweep'.
  stale_window_days: 2

report:
  output_dir: reports

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  # jwt_secret: ""   # set to require bearer auth on 'ct serve'
`
