package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin          string      `yaml:"origin"`
	Port            int         `yaml:"port"`
	MetricsPort     int         `yaml:"metricsPort"`
	Generation      string      `yaml:"generation"`
	MaxEntries      int         `yaml:"maxEntries"`
	Manifest        []string    `yaml:"manifest"`
	ImageExtensions []string    `yaml:"imageExtensions"`
	Provider        string      `yaml:"provider"`
	DB              string      `yaml:"db"`
	Redis           ConfigRedis `yaml:"redis"`
}

type ConfigRedis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// applyDefaults fills in what neither the config file nor the flags set.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Provider == "" {
		c.Provider = "sqlite"
	}
	if c.DB == "" {
		c.DB = "cache.db"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "cachefirst:"
	}
}

func (c Config) validate() error {
	if c.Origin == "" {
		return fmt.Errorf("Please specify origin")
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("maxEntries must not be negative: %d", c.MaxEntries)
	}
	switch c.Provider {
	case "sqlite", "memory", "redis":
	default:
		return fmt.Errorf("Unsupported cache provider: %s", c.Provider)
	}
	return nil
}
