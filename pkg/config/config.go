// Package config provides configuration management for the simulation driver.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	apperrors "github.com/we-ensemble/pkg/errors"
)

// DefaultConfigFile is the runtime-config filename looked up when no path is
// given on the command line.
const DefaultConfigFile = "wemd.yaml"

// Default ports for the two master channels.
const (
	DefaultAnnPort  = 23811
	DefaultTaskPort = 23812
)

// Config holds all configuration for the application.
type Config struct {
	Data        DataConfig        `mapstructure:"data"`
	System      SystemConfig      `mapstructure:"system"`
	WorkManager WorkManagerConfig `mapstructure:"work_manager"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Log         LogConfig         `mapstructure:"log"`
}

// DataConfig holds archive configuration.
type DataConfig struct {
	ArchivePath string `mapstructure:"archive_path"`
	IterPrec    int    `mapstructure:"iter_prec"`
}

// SystemConfig describes the simulated system: the progress-coordinate shape
// and the fixed bin boundaries, one boundary list per pcoord dimension.
type SystemConfig struct {
	PcoordNDim  int         `mapstructure:"pcoord_ndim"`
	PcoordLen   int         `mapstructure:"pcoord_len"`
	PcoordDType string      `mapstructure:"pcoord_dtype"`
	BinBounds   [][]float64 `mapstructure:"bin_bounds"`
}

// WorkManagerConfig holds master/worker channel configuration.
type WorkManagerConfig struct {
	Mode             string  `mapstructure:"mode"` // master or worker
	MasterHost       string  `mapstructure:"master_host"`
	AnnPort          int     `mapstructure:"ann_port"`
	TaskPort         int     `mapstructure:"task_port"`
	NWorkers         int     `mapstructure:"n_workers"`
	Blocksize        int     `mapstructure:"blocksize"`
	CheckInterval    float64 `mapstructure:"check_interval"`    // seconds
	AnnounceInterval float64 `mapstructure:"announce_interval"` // seconds
	AbortInterval    float64 `mapstructure:"abort_interval"`    // seconds
}

// DatabaseConfig holds run-log database configuration.
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Type     string `mapstructure:"type"` // postgres, mysql, or sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MaxConns int    `mapstructure:"max_conns"`
}

// StorageConfig holds archive-shipping object storage configuration.
type StorageConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Type        string `mapstructure:"type"` // cos or local
	Bucket      string `mapstructure:"bucket"`
	Region      string `mapstructure:"region"`
	SecretID    string `mapstructure:"secret_id"`
	SecretKey   string `mapstructure:"secret_key"`
	Domain      string `mapstructure:"domain"`
	Scheme      string `mapstructure:"scheme"`
	LocalPath   string `mapstructure:"local_path"`
	Compression string `mapstructure:"compression"` // none, gzip, or zstd
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
}

// Load reads configuration from the specified file path.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultConfigFile, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wemd")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, run on defaults.
		} else if os.IsNotExist(err) {
			// Explicit path that does not exist, run on defaults.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("WEMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadFromReader loads configuration from raw content (useful for testing).
func LoadFromReader(configType string, content []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Archive defaults
	v.SetDefault("data.archive_path", "./wemd.db")
	v.SetDefault("data.iter_prec", 8)

	// System defaults
	v.SetDefault("system.pcoord_ndim", 1)
	v.SetDefault("system.pcoord_len", 2)
	v.SetDefault("system.pcoord_dtype", "float64")
	v.SetDefault("system.bin_bounds", [][]float64{{0.0, 1.0}})

	// Work manager defaults
	v.SetDefault("work_manager.mode", "master")
	v.SetDefault("work_manager.master_host", "127.0.0.1")
	v.SetDefault("work_manager.ann_port", DefaultAnnPort)
	v.SetDefault("work_manager.task_port", DefaultTaskPort)
	v.SetDefault("work_manager.n_workers", 1)
	v.SetDefault("work_manager.blocksize", 1)
	v.SetDefault("work_manager.check_interval", 0.1)
	v.SetDefault("work_manager.announce_interval", 10.0)
	v.SetDefault("work_manager.abort_interval", 600.0)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "wemd_runs")
	v.SetDefault("database.max_conns", 10)

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "./archive-store")
	v.SetDefault("storage.compression", "zstd")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output_path", "")
}

// Validate validates the configuration. Every failure carries
// CONFIG_ERROR so callers branching on error codes see a boot-time
// misconfiguration, not an internal fault.
func (c *Config) Validate() error {
	if c.Data.ArchivePath == "" {
		return apperrors.New(apperrors.CodeConfigError, "data.archive_path is required")
	}
	if c.Data.IterPrec < 1 || c.Data.IterPrec > 18 {
		return apperrors.New(apperrors.CodeConfigError, "data.iter_prec must be between 1 and 18")
	}

	if c.System.PcoordNDim < 1 {
		return apperrors.New(apperrors.CodeConfigError, "system.pcoord_ndim must be at least 1")
	}
	if c.System.PcoordLen < 2 {
		return apperrors.New(apperrors.CodeConfigError, "system.pcoord_len must be at least 2")
	}

	switch c.WorkManager.Mode {
	case "master", "worker":
	default:
		return apperrors.Newf(apperrors.CodeConfigError, "unsupported work_manager mode: %s", c.WorkManager.Mode)
	}
	if c.WorkManager.NWorkers < 0 {
		return apperrors.New(apperrors.CodeConfigError, "work_manager.n_workers must not be negative")
	}
	if c.WorkManager.Blocksize < 1 {
		return apperrors.New(apperrors.CodeConfigError, "work_manager.blocksize must be at least 1")
	}

	if c.Database.Enabled {
		switch c.Database.Type {
		case "postgres", "mysql", "sqlite":
		default:
			return apperrors.Newf(apperrors.CodeConfigError, "unsupported database type: %s", c.Database.Type)
		}
		if c.Database.Type != "sqlite" && c.Database.Host == "" {
			return apperrors.New(apperrors.CodeConfigError, "database host is required")
		}
	}

	if c.Storage.Enabled {
		switch c.Storage.Compression {
		case "", "none", "gzip", "zstd":
		default:
			return apperrors.Newf(apperrors.CodeConfigError, "unsupported storage compression: %s", c.Storage.Compression)
		}
	}

	return nil
}

// AnnEndpoint builds the announcement channel URI for the given host.
func (c *WorkManagerConfig) AnnEndpoint(host string) string {
	return fmt.Sprintf("tcp://%s:%d", host, c.AnnPort)
}

// TaskEndpoint builds the task channel URI for the given host.
func (c *WorkManagerConfig) TaskEndpoint(host string) string {
	return fmt.Sprintf("tcp://%s:%d", host, c.TaskPort)
}
