// Package config loads the daemon's YAML configuration file, in the
// same read-then-unmarshal shape admin/internal/config uses for the
// yqhp services this manager's ambient stack is modeled on.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskloom/poolmgr/workerpool"
)

// ServerConfig configures the HTTP front-end.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig configures internal/logging.New.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"filePath"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Config is the daemon's full YAML configuration schema.
type Config struct {
	Server              ServerConfig            `yaml:"server"`
	Logging             LoggingConfig           `yaml:"logging"`
	Pools               []workerpool.PoolConfig `yaml:"pools"`
	StatsIntervalMS     int                     `yaml:"statsIntervalMS"`
	ShutdownGracePeriod time.Duration           `yaml:"shutdownGracePeriod"`
}

// StatsInterval returns StatsIntervalMS as a time.Duration, defaulting
// to 1000ms per the distilled spec's stats-loop cadence when unset.
func (c Config) StatsInterval() time.Duration {
	if c.StatsIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.StatsIntervalMS) * time.Millisecond
}

// Load reads and parses the YAML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.ShutdownGracePeriod == 0 {
		cfg.ShutdownGracePeriod = 10 * time.Second
	}
	return cfg, nil
}
