// Package config loads the YAML process configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath string `yaml:"db_path"`

	HTTP struct {
		Addr  string `yaml:"addr"`
		Debug bool   `yaml:"debug"`
	} `yaml:"http"`

	Log struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"log"`

	Expense struct {
		BaseURL  string        `yaml:"base_url"`
		Timeout  time.Duration `yaml:"timeout"`
		Timezone string        `yaml:"timezone"`
	} `yaml:"expense"`

	Scheduler struct {
		MaxRetries   int           `yaml:"max_retries"`
		Retention    time.Duration `yaml:"retention"`
		StartupGrace time.Duration `yaml:"startup_grace"`
		HistoryLimit int           `yaml:"history_limit"`
		Tick         time.Duration `yaml:"tick"`
	} `yaml:"scheduler"`

	Auth struct {
		TTL            time.Duration `yaml:"ttl"`
		TokenPrefix    string        `yaml:"token_prefix"`
		TokenMinLength int           `yaml:"token_min_length"`
	} `yaml:"auth"`

	Notify struct {
		WebhookURL   string        `yaml:"webhook_url"`
		RatePerSec   float64       `yaml:"rate_per_sec"`
		HistoryLimit int           `yaml:"history_limit"`
		Retention    time.Duration `yaml:"retention"`
	} `yaml:"notify"`
}

func Default() Config {
	var c Config
	c.DBPath = "recurflow.db"
	c.HTTP.Addr = ":8080"
	c.Log.Level = "info"
	c.Log.Console = true
	c.Expense.Timeout = 30 * time.Second
	c.Scheduler.MaxRetries = 3
	c.Scheduler.Retention = 24 * time.Hour
	c.Scheduler.StartupGrace = 5 * time.Minute
	c.Scheduler.HistoryLimit = 50
	c.Scheduler.Tick = time.Minute
	c.Auth.TTL = 5 * time.Minute
	c.Auth.TokenMinLength = 20
	c.Notify.RatePerSec = 1
	c.Notify.HistoryLimit = 50
	c.Notify.Retention = 7 * 24 * time.Hour
	return c
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Scheduler.MaxRetries <= 0 {
		errs = append(errs, errors.New("scheduler.max_retries must be positive"))
	}
	if c.Scheduler.Tick < time.Minute {
		errs = append(errs, fmt.Errorf("scheduler.tick must be at least 1m, got %s", c.Scheduler.Tick))
	}
	if c.Scheduler.Retention <= 0 {
		errs = append(errs, errors.New("scheduler.retention must be positive"))
	}
	if c.Scheduler.StartupGrace < 0 {
		errs = append(errs, errors.New("scheduler.startup_grace must be >= 0"))
	}
	if c.Scheduler.HistoryLimit <= 0 {
		errs = append(errs, errors.New("scheduler.history_limit must be positive"))
	}
	if c.Auth.TTL <= 0 {
		errs = append(errs, errors.New("auth.ttl must be positive"))
	}
	if c.Expense.Timeout <= 0 {
		errs = append(errs, errors.New("expense.timeout must be positive"))
	}
	if c.Expense.Timezone != "" {
		if _, err := time.LoadLocation(c.Expense.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("expense.timezone: %w", err))
		}
	}
	if c.Notify.RatePerSec < 0 {
		errs = append(errs, errors.New("notify.rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}
