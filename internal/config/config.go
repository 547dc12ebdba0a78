// Package config loads the process configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Schedule carries the periodic job intervals, in seconds.
type Schedule struct {
	PushSlaveS    int `mapstructure:"push_slave_s" validate:"gt=0"`
	BulkUpdateS   int `mapstructure:"bulk_update_s" validate:"gt=0"`
	StuckUpdateS  int `mapstructure:"stuck_update_s" validate:"gt=0"`
	TimeoutCheckS int `mapstructure:"timeout_check_s" validate:"gt=0"`
}

// Updater carries the reconciliation caps.
type Updater struct {
	OrderTimeoutS            int `mapstructure:"order_timeout_s" validate:"gt=0"`
	MaxToCheckStuckPerClient int `mapstructure:"max_to_check_stuck_per_client" validate:"gt=0"`
}

// Config is the full process configuration.
type Config struct {
	DatabaseDSN    string   `mapstructure:"database_dsn" validate:"required"`
	GatewayURL     string   `mapstructure:"gateway_url" validate:"required,url"`
	FeedURL        string   `mapstructure:"feed_url" validate:"required,url"`
	MetricsAddr    string   `mapstructure:"metrics_addr" validate:"required"`
	Workers        int      `mapstructure:"workers" validate:"gt=0"`
	ConfigRefreshS int      `mapstructure:"config_refresh_s" validate:"gt=0"`
	Schedule       Schedule `mapstructure:"schedule"`
	Updater        Updater  `mapstructure:"updater"`
}

// ConfigRefresh returns the config cache refresh interval.
func (c *Config) ConfigRefresh() time.Duration {
	return time.Duration(c.ConfigRefreshS) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("metrics_addr", ":9105")
	v.SetDefault("workers", 8)
	v.SetDefault("config_refresh_s", 60)
	v.SetDefault("schedule.push_slave_s", 10)
	v.SetDefault("schedule.bulk_update_s", 30)
	v.SetDefault("schedule.stuck_update_s", 60)
	v.SetDefault("schedule.timeout_check_s", 15)
	v.SetDefault("updater.order_timeout_s", 300)
	v.SetDefault("updater.max_to_check_stuck_per_client", 5)
}

// Load reads the configuration at path (or from the default search paths
// when path is empty), applies defaults and validates the result.
func Load(path string, logger *zap.Logger) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TRADER")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("trader")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/xo-trader")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logger.Warn("configuration file not found, using defaults and environment")
		} else {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
	} else {
		logger.Info("configuration loaded", zap.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
