// Package config loads the daemon configuration document.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	defaultHistoryLimit = 512
	defaultMaxWorkspace = 10
	defaultReconcileSec = 60
)

// Config is the top-level daemon configuration document. The rule and app
// registries live in their own files so the launcher tooling can rewrite
// them without touching daemon settings.
type Config struct {
	RulesPath        string `yaml:"rules"`
	AppsPath         string `yaml:"apps"`
	RegistryDB       string `yaml:"registryDb"`
	HistoryLimit     int    `yaml:"historyLimit"`
	MaxWorkspace     int    `yaml:"maxWorkspace"`
	ReconcileSeconds int    `yaml:"reconcileSeconds"`
	LogLevel         string `yaml:"logLevel"`
}

// UnmarshalYAML handles deprecated field names while decoding.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		RulesPath        string `yaml:"rules"`
		LegacyRulesPath  string `yaml:"rulesFile"`
		AppsPath         string `yaml:"apps"`
		RegistryDB       string `yaml:"registryDb"`
		HistoryLimit     *int   `yaml:"historyLimit"`
		MaxWorkspace     *int   `yaml:"maxWorkspace"`
		LegacyMaxWS      *int   `yaml:"workspaceLimit"`
		ReconcileSeconds *int   `yaml:"reconcileSeconds"`
		LogLevel         string `yaml:"logLevel"`
	}

	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.RulesPath = raw.RulesPath
	if c.RulesPath == "" {
		c.RulesPath = raw.LegacyRulesPath
	}
	c.AppsPath = raw.AppsPath
	c.RegistryDB = raw.RegistryDB
	c.LogLevel = raw.LogLevel
	if raw.HistoryLimit != nil {
		c.HistoryLimit = *raw.HistoryLimit
	}
	switch {
	case raw.MaxWorkspace != nil:
		c.MaxWorkspace = *raw.MaxWorkspace
	case raw.LegacyMaxWS != nil:
		c.MaxWorkspace = *raw.LegacyMaxWS
	}
	if raw.ReconcileSeconds != nil {
		c.ReconcileSeconds = *raw.ReconcileSeconds
	}
	return nil
}

// Load reads and validates a configuration file. Relative registry paths are
// resolved against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HistoryLimit == 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.MaxWorkspace == 0 {
		c.MaxWorkspace = defaultMaxWorkspace
	}
	if c.ReconcileSeconds == 0 {
		c.ReconcileSeconds = defaultReconcileSec
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RegistryDB == "" {
		c.RegistryDB = defaultRegistryDB()
	}
}

func defaultRegistryDB() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "windows.db"
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "swayspace", "windows.db")
}

func (c *Config) resolvePaths(dir string) {
	if c.RulesPath != "" && !filepath.IsAbs(c.RulesPath) {
		c.RulesPath = filepath.Join(dir, c.RulesPath)
	}
	if c.AppsPath != "" && !filepath.IsAbs(c.AppsPath) {
		c.AppsPath = filepath.Join(dir, c.AppsPath)
	}
}

// Validate performs basic sanity checks.
func (c *Config) Validate() error {
	if c.RulesPath == "" {
		return fmt.Errorf("config must name a rules file")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("historyLimit cannot be negative")
	}
	if c.MaxWorkspace <= 0 {
		return fmt.Errorf("maxWorkspace must be positive")
	}
	if c.ReconcileSeconds <= 0 {
		return fmt.Errorf("reconcileSeconds must be positive")
	}
	return nil
}
