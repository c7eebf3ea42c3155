package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"argus/notify"
	"github.com/spf13/viper"
)

// DataPaths holds data directory and file path configuration. The paths
// can be overridden via environment variables.
type DataPaths struct {
	// DataDir is the base data directory (ARGUS_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (ARGUS_SQLITE_PATH, default: ${DataDir}/argus.db)
	SQLitePath string `mapstructure:"sqlite_path"`
	// SeedDir holds YAML seed files for health checks and breach rules
	// (ARGUS_SEED_DIR, default: ${DataDir}/seeds)
	SeedDir string `mapstructure:"seed_dir"`
}

// Config holds all configuration for the Argus engine
type Config struct {
	// DataPaths holds data directory configuration
	DataPaths DataPaths `mapstructure:"data_paths"`

	// Ops is the operational HTTP endpoint (/metrics, /healthz)
	Ops struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"ops"`

	// Alerting controls the sustained alert sweep
	Alerting struct {
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"alerting"`

	// Anomaly controls the detection sweep
	Anomaly struct {
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"anomaly"`

	// Notify configures the delivery channels
	Notify notify.Config `mapstructure:"notify"`

	// Seeds controls loading of YAML-defined health checks and breach
	// rules at startup
	Seeds struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"seeds"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // empty = derive from data_dir
	viper.SetDefault("data_paths.seed_dir", "")    // empty = derive from data_dir

	viper.SetDefault("ops.host", "0.0.0.0")
	viper.SetDefault("ops.port", 9090)

	viper.SetDefault("alerting.sweep_interval", 5*time.Minute)
	viper.SetDefault("anomaly.sweep_interval", time.Hour)

	viper.SetDefault("notify.email.enabled", false)
	viper.SetDefault("notify.email.port", 587)
	viper.SetDefault("notify.webhook.enabled", false)
	viper.SetDefault("notify.webhook.method", "POST")
	viper.SetDefault("notify.webhook.rate_per_minute", 60)

	viper.SetDefault("seeds.enabled", true)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("ARGUS")
	viper.AutomaticEnv()

	_ = viper.BindEnv("data_paths.data_dir", "ARGUS_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "ARGUS_SQLITE_PATH")
	_ = viper.BindEnv("data_paths.seed_dir", "ARGUS_SEED_DIR")
	_ = viper.BindEnv("ops.port", "ARGUS_OPS_PORT")
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// a missing config file is fine, defaults and env vars apply;
		// an unreadable or malformed one is not
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("unable to read config: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := validate(&config); err != nil {
		return nil, err
	}
	config.ResolveDataPaths()
	return &config, nil
}

func validate(c *Config) error {
	if c.Ops.Port < 1 || c.Ops.Port > 65535 {
		return fmt.Errorf("ops.port %d out of range", c.Ops.Port)
	}
	if c.Alerting.SweepInterval <= 0 {
		return fmt.Errorf("alerting.sweep_interval must be positive")
	}
	if c.Anomaly.SweepInterval <= 0 {
		return fmt.Errorf("anomaly.sweep_interval must be positive")
	}
	if c.Notify.Email.Enabled && c.Notify.Email.Host == "" {
		return fmt.Errorf("notify.email.host required when email is enabled")
	}
	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		return fmt.Errorf("notify.webhook.url required when webhook is enabled")
	}
	return nil
}

// ResolveDataPaths resolves data paths, deriving from DataDir when not
// explicitly set
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "argus.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
	if c.DataPaths.SeedDir == "" {
		c.DataPaths.SeedDir = filepath.Join(dataDir, "seeds")
	} else if !filepath.IsAbs(c.DataPaths.SeedDir) {
		c.DataPaths.SeedDir = filepath.Clean(c.DataPaths.SeedDir)
	}
	c.DataPaths.DataDir = dataDir
}
