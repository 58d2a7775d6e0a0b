// Package config holds the configuration of the halcyon command-line
// tool: cache location and budgets, expirations, download concurrency,
// and logging.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	yaml "gopkg.in/yaml.v3"
)

// Config holds the top-level configuration for the halcyon tool.
type Config struct {
	Dir                    string        `yaml:"dir"`
	MaxDiskSize            string        `yaml:"max_disk_size"`
	MaxMemoryCost          string        `yaml:"max_memory_cost"`
	DiskExpiration         time.Duration `yaml:"disk_expiration"`
	MemoryExpiration       time.Duration `yaml:"memory_expiration"`
	CleanInterval          time.Duration `yaml:"clean_interval"`
	DownloadTimeout        time.Duration `yaml:"download_timeout"`
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads"`
	MetricsAddress         string        `yaml:"metrics_address"`
	AccessLogLevel         string        `yaml:"access_log_level"`
	LogFile                string        `yaml:"log_file"`
	LogFileMaxSizeMB       int           `yaml:"log_file_max_size_mb"`
	LogFileMaxBackups      int           `yaml:"log_file_max_backups"`

	// Fields derived from the flags above.
	MaxDiskSizeBytes   int64       `yaml:"-"`
	MaxMemoryCostBytes int64       `yaml:"-"`
	AccessLogger       *log.Logger `yaml:"-"`
	ErrorLogger        *log.Logger `yaml:"-"`
}

func defaultConfig() *Config {
	return &Config{
		MaxDiskSize:            "2GB",
		MaxMemoryCost:          "256MB",
		DiskExpiration:         7 * 24 * time.Hour,
		MemoryExpiration:       5 * time.Minute,
		CleanInterval:          2 * time.Minute,
		DownloadTimeout:        15 * time.Second,
		MaxConcurrentDownloads: 5,
		AccessLogLevel:         "all",
		LogFileMaxSizeMB:       100,
		LogFileMaxBackups:      3,
	}
}

func newFromYamlFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	return newFromYaml(data)
}

func newFromYaml(data []byte) (*Config, error) {
	c := defaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return c, nil
}

func validateConfig(c *Config) error {
	if c.Dir == "" {
		return fmt.Errorf("the 'dir' flag/field is required")
	}

	if c.AccessLogLevel != "none" && c.AccessLogLevel != "all" {
		return fmt.Errorf("invalid 'access_log_level' value %q, must be \"none\" or \"all\"", c.AccessLogLevel)
	}

	diskSize, err := humanize.ParseBytes(c.MaxDiskSize)
	if err != nil {
		return fmt.Errorf("invalid 'max_disk_size' value %q: %w", c.MaxDiskSize, err)
	}
	c.MaxDiskSizeBytes = int64(diskSize)

	memCost, err := humanize.ParseBytes(c.MaxMemoryCost)
	if err != nil {
		return fmt.Errorf("invalid 'max_memory_cost' value %q: %w", c.MaxMemoryCost, err)
	}
	c.MaxMemoryCostBytes = int64(memCost)

	if c.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("'max_concurrent_downloads' must be positive")
	}

	return nil
}

// Get returns the configuration from the config file (if specified)
// overridden by the commandline flags that were set.
func Get(ctx *cli.Context) (*Config, error) {
	c, err := get(ctx)
	if err != nil {
		return nil, err
	}

	if err := validateConfig(c); err != nil {
		return nil, err
	}

	if err := c.setLogger(); err != nil {
		return nil, err
	}

	return c, nil
}

func get(ctx *cli.Context) (*Config, error) {
	c := defaultConfig()

	configFile := ctx.String("config_file")
	if configFile != "" {
		var err error
		c, err = newFromYamlFile(configFile)
		if err != nil {
			return nil, err
		}
	}

	if ctx.IsSet("dir") || c.Dir == "" {
		c.Dir = ctx.String("dir")
	}
	if ctx.IsSet("max_disk_size") {
		c.MaxDiskSize = ctx.String("max_disk_size")
	}
	if ctx.IsSet("max_memory_cost") {
		c.MaxMemoryCost = ctx.String("max_memory_cost")
	}
	if ctx.IsSet("disk_expiration") {
		c.DiskExpiration = ctx.Duration("disk_expiration")
	}
	if ctx.IsSet("memory_expiration") {
		c.MemoryExpiration = ctx.Duration("memory_expiration")
	}
	if ctx.IsSet("clean_interval") {
		c.CleanInterval = ctx.Duration("clean_interval")
	}
	if ctx.IsSet("download_timeout") {
		c.DownloadTimeout = ctx.Duration("download_timeout")
	}
	if ctx.IsSet("max_concurrent_downloads") {
		c.MaxConcurrentDownloads = ctx.Int("max_concurrent_downloads")
	}
	if ctx.IsSet("metrics_address") {
		c.MetricsAddress = ctx.String("metrics_address")
	}
	if ctx.IsSet("access_log_level") {
		c.AccessLogLevel = ctx.String("access_log_level")
	}
	if ctx.IsSet("log_file") {
		c.LogFile = ctx.String("log_file")
	}

	return c, nil
}
