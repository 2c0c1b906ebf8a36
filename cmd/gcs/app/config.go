package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main application configuration. It is constructed
// once at startup and passed by reference into each component constructor.
type Config struct {
	Settings Settings        `yaml:"settings"`
	Mavlink  MavlinkConfig   `yaml:"mavlink"`
	Map      MapConfig       `yaml:"map"`
	Network  NetworkConfig   `yaml:"network"`
	Storage  StorageConfig   `yaml:"storage"`
	Vehicles []VehicleConfig `yaml:"vehicles"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// MavlinkConfig represents vehicle link settings. Timeouts are in seconds.
type MavlinkConfig struct {
	DefaultBaud       int     `yaml:"defaultBaud"`
	HeartbeatTimeout  float64 `yaml:"heartbeatTimeout"`
	ConnectionTimeout float64 `yaml:"connectionTimeout"`
	AckTimeout        float64 `yaml:"ackTimeout"`
	MaxVehicles       int     `yaml:"maxVehicles"`
}

// MapConfig represents map and in-memory tile cache settings.
type MapConfig struct {
	DefaultProvider       string `yaml:"defaultProvider"`
	DefaultZoom           int    `yaml:"defaultZoom"`
	MaxCacheTiles         int    `yaml:"maxCacheTiles"`
	CacheCleanupThreshold int    `yaml:"cacheCleanupThreshold"`
}

// NetworkConfig represents tile download settings. Durations are in seconds.
type NetworkConfig struct {
	MaxConcurrentDownloads int     `yaml:"maxConcurrentDownloads"`
	DownloadTimeout        float64 `yaml:"downloadTimeout"`
	RetryAttempts          int     `yaml:"retryAttempts"`
	RetryDelay             float64 `yaml:"retryDelay"`
	UserAgent              string  `yaml:"userAgent"`
}

// StorageConfig represents persistent tile cache settings.
type StorageConfig struct {
	CacheDirectory string `yaml:"cacheDirectory"`
	MaxAgeDays     int    `yaml:"maxAgeDays"`
	MaxSizeMB      int    `yaml:"maxSizeMB"`
}

// VehicleConfig represents one vehicle to register at startup.
type VehicleConfig struct {
	Name        string `yaml:"name"`
	Endpoint    string `yaml:"endpoint"`
	Baud        int    `yaml:"baud"`
	AutoConnect bool   `yaml:"autoConnect"`
}

// LoadConfig reads, parses, and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	config.applyDefaults()
	if err = config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Settings.LogLevel == "" {
		c.Settings.LogLevel = "info"
	}
	if c.Mavlink.DefaultBaud == 0 {
		c.Mavlink.DefaultBaud = 57600
	}
	if c.Mavlink.HeartbeatTimeout == 0 {
		c.Mavlink.HeartbeatTimeout = 3.0
	}
	if c.Mavlink.ConnectionTimeout == 0 {
		c.Mavlink.ConnectionTimeout = 10.0
	}
	if c.Mavlink.AckTimeout == 0 {
		c.Mavlink.AckTimeout = 3.0
	}
	if c.Mavlink.MaxVehicles == 0 {
		c.Mavlink.MaxVehicles = 2
	}
	if c.Map.DefaultProvider == "" {
		c.Map.DefaultProvider = "OpenStreetMap"
	}
	if c.Map.DefaultZoom == 0 {
		c.Map.DefaultZoom = 12
	}
	if c.Map.MaxCacheTiles == 0 {
		c.Map.MaxCacheTiles = 400
	}
	if c.Map.CacheCleanupThreshold == 0 {
		c.Map.CacheCleanupThreshold = 450
	}
	if c.Network.MaxConcurrentDownloads == 0 {
		c.Network.MaxConcurrentDownloads = 4
	}
	if c.Network.DownloadTimeout == 0 {
		c.Network.DownloadTimeout = 5.0
	}
	if c.Network.RetryAttempts == 0 {
		c.Network.RetryAttempts = 3
	}
	if c.Network.RetryDelay == 0 {
		c.Network.RetryDelay = 0.1
	}
	if c.Network.UserAgent == "" {
		c.Network.UserAgent = "ASRA-GCS/2.0"
	}
	if c.Storage.CacheDirectory == "" {
		c.Storage.CacheDirectory = "cache"
	}
	if c.Storage.MaxAgeDays == 0 {
		c.Storage.MaxAgeDays = 30
	}
	if c.Storage.MaxSizeMB == 0 {
		c.Storage.MaxSizeMB = 500
	}

	for i := range c.Vehicles {
		if c.Vehicles[i].Baud == 0 {
			c.Vehicles[i].Baud = c.Mavlink.DefaultBaud
		}
	}
}

func (c *Config) validate() error {
	if c.Map.MaxCacheTiles < 50 || c.Map.MaxCacheTiles > 2000 {
		return fmt.Errorf("map.maxCacheTiles must be between 50 and 2000, got %d", c.Map.MaxCacheTiles)
	}
	if c.Map.CacheCleanupThreshold < c.Map.MaxCacheTiles {
		return fmt.Errorf("map.cacheCleanupThreshold must be at least map.maxCacheTiles")
	}
	if c.Mavlink.MaxVehicles < 1 {
		return fmt.Errorf("mavlink.maxVehicles must be at least 1, got %d", c.Mavlink.MaxVehicles)
	}
	if c.Network.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("network.maxConcurrentDownloads must be at least 1, got %d", c.Network.MaxConcurrentDownloads)
	}
	return nil
}

// Level parses the configured log level, defaulting to info.
func (s Settings) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
