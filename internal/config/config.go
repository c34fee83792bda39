// Package config loads runtime settings from an optional YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lox/cityweather/internal/forecast"
)

type Config struct {
	Data     DataConfig     `yaml:"data"`
	Forecast ForecastConfig `yaml:"forecast"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
}

type DataConfig struct {
	Path        string `yaml:"path"`
	Sheet       string `yaml:"sheet"`
	DefaultCity string `yaml:"default_city"`
}

type ForecastConfig struct {
	Horizon  int                     `yaml:"horizon"`
	Workers  int                     `yaml:"workers"`
	Additive forecast.AdditiveConfig `yaml:"additive"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	// Path of the SQLite database. Empty keeps it in memory for the life
	// of the process.
	Path string `yaml:"path"`
	// KeepPayloads is how many archived dataset versions survive a reload.
	KeepPayloads int `yaml:"keep_payloads"`
}

type CacheConfig struct {
	ForecastEntries int           `yaml:"forecast_entries"`
	TTL             time.Duration `yaml:"ttl"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Data: DataConfig{Path: "data/weather.csv"},
		Forecast: ForecastConfig{
			Horizon:  forecast.DefaultHorizon,
			Workers:  4,
			Additive: forecast.DefaultAdditiveConfig(),
		},
		Server: ServerConfig{Addr: ":8080"},
		Store:  StoreConfig{KeepPayloads: 5},
		Cache:  CacheConfig{ForecastEntries: 256},
	}
}

// Load reads path, or CITYWEATHER_CONFIG when path is empty. A missing
// config file is not an error unless it was named explicitly.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("CITYWEATHER_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = "cityweather.yaml"
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CITYWEATHER_DATA"); v != "" {
		c.Data.Path = v
	}
	if v := os.Getenv("CITYWEATHER_DEFAULT_CITY"); v != "" {
		c.Data.DefaultCity = v
	}
	if v := os.Getenv("CITYWEATHER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CITYWEATHER_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("CITYWEATHER_HORIZON"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CITYWEATHER_HORIZON: %w", err)
		}
		c.Forecast.Horizon = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.Data.Path == "" {
		return fmt.Errorf("data path is required (set CITYWEATHER_DATA or data.path)")
	}
	if c.Forecast.Horizon < 1 || c.Forecast.Horizon > forecast.MaxHorizon {
		return fmt.Errorf("forecast horizon %d out of range 1..%d", c.Forecast.Horizon, forecast.MaxHorizon)
	}
	if c.Forecast.Workers < 1 {
		return fmt.Errorf("forecast workers must be at least 1")
	}
	if w := c.Forecast.Additive.IntervalWidth; w <= 0 || w >= 1 {
		return fmt.Errorf("forecast interval width %v must be in (0, 1)", w)
	}
	if c.Forecast.Additive.Changepoints < 0 {
		return fmt.Errorf("forecast changepoints must not be negative")
	}
	if c.Store.KeepPayloads < 1 {
		return fmt.Errorf("store keep_payloads must be at least 1")
	}
	if c.Cache.ForecastEntries < 1 {
		return fmt.Errorf("cache forecast_entries must be at least 1")
	}
	return nil
}
