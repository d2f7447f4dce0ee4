// Package config provides a reusable loader for chainstore configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"chainstore/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a chainstore node. It mirrors the
// structure of the YAML files under config/.
type Config struct {
	Storage struct {
		RootDir        string `mapstructure:"root_dir" json:"root_dir"`
		TxCacheEntries int    `mapstructure:"tx_cache_entries" json:"tx_cache_entries"`
		MetricsEnabled bool   `mapstructure:"metrics_enabled" json:"metrics_enabled"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. A .env file in the working directory, if present, is loaded
// first so its values are visible to viper's AutomaticEnv binding.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	viper.SetDefault("storage.root_dir", "./data")
	viper.SetDefault("storage.tx_cache_entries", 4096)
	viper.SetDefault("storage.metrics_enabled", true)
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CHAINSTORE_ENV environment
// variable to select an overlay file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CHAINSTORE_ENV", ""))
}
