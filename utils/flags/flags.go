// Package flags defines the command-line flag surface of the halcyon
// tool.
package flags

import (
	"github.com/urfave/cli/v2"
)

// GetCliFlags returns the flags shared by every halcyon subcommand.
func GetCliFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config_file",
			Usage:   "Path to a YAML configuration file. If this flag is specified then all other flags are optional overrides.",
			EnvVars: []string{"HALCYON_CONFIG_FILE"},
		},
		&cli.StringFlag{
			Name:    "dir",
			Usage:   "Directory path where to store the disk cache contents. This flag is required.",
			EnvVars: []string{"HALCYON_DIR"},
		},
		&cli.StringFlag{
			Name:    "max_disk_size",
			Usage:   "The maximum size of the disk cache, e.g. \"2GB\".",
			EnvVars: []string{"HALCYON_MAX_DISK_SIZE"},
		},
		&cli.StringFlag{
			Name:    "max_memory_cost",
			Usage:   "The maximum cost of decoded images kept in memory, e.g. \"256MB\".",
			EnvVars: []string{"HALCYON_MAX_MEMORY_COST"},
		},
		&cli.DurationFlag{
			Name:    "disk_expiration",
			Usage:   "How long disk entries live without access.",
			EnvVars: []string{"HALCYON_DISK_EXPIRATION"},
		},
		&cli.DurationFlag{
			Name:    "memory_expiration",
			Usage:   "How long memory entries live without access.",
			EnvVars: []string{"HALCYON_MEMORY_EXPIRATION"},
		},
		&cli.DurationFlag{
			Name:    "clean_interval",
			Usage:   "How often the memory tier sweeps expired entries.",
			EnvVars: []string{"HALCYON_CLEAN_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "download_timeout",
			Usage:   "Timeout for a single download.",
			EnvVars: []string{"HALCYON_DOWNLOAD_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "max_concurrent_downloads",
			Usage:   "How many downloads may run at once during a prefetch.",
			Value:   5,
			EnvVars: []string{"HALCYON_MAX_CONCURRENT_DOWNLOADS"},
		},
		&cli.StringFlag{
			Name:    "metrics_address",
			Usage:   "Address to serve Prometheus metrics on while running, e.g. \"127.0.0.1:9090\". Disabled when empty.",
			EnvVars: []string{"HALCYON_METRICS_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    "access_log_level",
			Usage:   "The access logging level: \"none\" or \"all\".",
			Value:   "all",
			EnvVars: []string{"HALCYON_ACCESS_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log_file",
			Usage:   "Log to this size-rotated file instead of stdout/stderr.",
			EnvVars: []string{"HALCYON_LOG_FILE"},
		},
	}
}
