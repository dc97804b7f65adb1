package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix every environment-variable override is read
// under, e.g. STEPMETRICS_STEP=30s.
const EnvPrefix = "STEPMETRICS"

// configFileBaseName is the config file viper searches for, without
// extension, e.g. ".stepmetrics.yaml".
const configFileBaseName = ".stepmetrics"

// Load reads configuration from (in ascending priority) built-in
// defaults, a config file, and STEPMETRICS_-prefixed environment
// variables, then validates the result. configPath, if non-empty, names
// an explicit config file and skips the search path; otherwise Load
// looks for configFileBaseName in the current directory and $HOME.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	cfg := &Config{}
	applyDefaults(cfg)
	bindDefaults(v, cfg)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configFileBaseName)
		v.AddConfigPath(".")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindDefaults seeds viper with cfg's zero-value-filled defaults so an
// unset key in both the config file and the environment still resolves
// to a sensible value after Unmarshal.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("step", cfg.Step)
	v.SetDefault("lwcStep", cfg.LwcStep)
	v.SetDefault("meterTTL", cfg.MeterTTL)
	v.SetDefault("uri", cfg.Uri)
	v.SetDefault("evalUri", cfg.EvalUri)
	v.SetDefault("configUri", cfg.ConfigUri)
	v.SetDefault("configRefreshFrequency", cfg.ConfigRefreshFrequency)
	v.SetDefault("configTTL", cfg.ConfigTTL)
	v.SetDefault("connectTimeout", cfg.ConnectTimeout)
	v.SetDefault("readTimeout", cfg.ReadTimeout)
	v.SetDefault("batchSize", cfg.BatchSize)
	v.SetDefault("numThreads", cfg.NumThreads)
	v.SetDefault("commonTags", cfg.CommonTags)
	v.SetDefault("validTagCharacters", cfg.ValidTagCharacters)
	v.SetDefault("enabled", DefaultEnabled)
	v.SetDefault("lwcEnabled", DefaultLwcEnabled)
	v.SetDefault("autoStart", DefaultAutoStart)
}
