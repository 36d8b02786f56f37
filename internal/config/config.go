// Package config handles configuration loading and validation for the block unlocker.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// MinInterval is the shortest accepted unlocker interval
const MinInterval = time.Second

// Config holds all configuration for the unlocker
type Config struct {
	Coin      string           `mapstructure:"coin"`
	Unlocker  UnlockerConfig   `mapstructure:"unlocker"`
	Donations []DonationConfig `mapstructure:"donations"`
	Daemon    DaemonConfig     `mapstructure:"daemon"`
	Redis     RedisConfig      `mapstructure:"redis"`
	API       APIConfig        `mapstructure:"api"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	NewRelic  NewRelicConfig   `mapstructure:"newrelic"`
	Profiling ProfilingConfig  `mapstructure:"profiling"`
	Log       LogConfig        `mapstructure:"log"`
}

// UnlockerConfig defines block unlocking settings
type UnlockerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Depth    uint64        `mapstructure:"depth"`
	PoolFee  float64       `mapstructure:"pool_fee"`
	Interval time.Duration `mapstructure:"interval"`
}

// DonationConfig is one entry of the donation table. A list is used instead
// of a map because viper lower-cases map keys and wallet addresses are case
// sensitive.
type DonationConfig struct {
	Address string  `mapstructure:"address"`
	Percent float64 `mapstructure:"percent"`
}

// DaemonConfig defines chain daemon connection settings
type DaemonConfig struct {
	URL                 string           `mapstructure:"url"`
	Timeout             time.Duration    `mapstructure:"timeout"`
	Upstreams           []UpstreamConfig `mapstructure:"upstreams"`
	HealthCheckInterval time.Duration    `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration    `mapstructure:"health_check_timeout"`
	MaxFailures         int              `mapstructure:"max_failures"`
	RecoveryThreshold   int              `mapstructure:"recovery_threshold"`
}

// UpstreamConfig defines one daemon in a failover set
type UpstreamConfig struct {
	Name    string        `mapstructure:"name"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Weight  int           `mapstructure:"weight"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIConfig defines status API settings
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	PoolName     string `mapstructure:"pool_name"`
	PoolURL      string `mapstructure:"pool_url"`
}

// NewRelicConfig defines New Relic APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/block-unlocker")
	}

	v.SetEnvPrefix("BLOCK_UNLOCKER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// secondsToDurationHook reads bare numbers given for a duration as seconds,
// so "interval: 30" means 30s rather than 30ns.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		var secs float64
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			secs = float64(reflect.ValueOf(data).Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			secs = float64(reflect.ValueOf(data).Uint())
		case reflect.Float32, reflect.Float64:
			secs = reflect.ValueOf(data).Float()
		case reflect.String:
			n, err := strconv.ParseFloat(data.(string), 64)
			if err != nil {
				return data, nil
			}
			secs = n
		default:
			return data, nil
		}

		return time.Duration(secs * float64(time.Second)), nil
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Unlocker defaults
	v.SetDefault("unlocker.enabled", true)
	v.SetDefault("unlocker.depth", 60)
	v.SetDefault("unlocker.pool_fee", 1.0)
	v.SetDefault("unlocker.interval", "30s")

	// Daemon defaults
	v.SetDefault("daemon.url", "http://127.0.0.1:18081/json_rpc")
	v.SetDefault("daemon.timeout", "10s")
	v.SetDefault("daemon.health_check_interval", "5s")
	v.SetDefault("daemon.health_check_timeout", "3s")
	v.SetDefault("daemon.max_failures", 3)
	v.SetDefault("daemon.recovery_threshold", 2)

	// Redis defaults
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8117")

	// Profiling defaults
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// NewRelic defaults
	v.SetDefault("newrelic.app_name", "Block Unlocker")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Coin == "" {
		return fmt.Errorf("coin is required")
	}

	if c.Unlocker.Depth == 0 {
		return fmt.Errorf("unlocker.depth must be > 0")
	}

	if c.Unlocker.PoolFee < 0 || c.Unlocker.PoolFee > 100 {
		return fmt.Errorf("unlocker.pool_fee must be between 0 and 100")
	}

	if c.Unlocker.Interval < MinInterval {
		return fmt.Errorf("unlocker.interval must be at least %v", MinInterval)
	}

	for i, d := range c.Donations {
		if d.Address == "" {
			return fmt.Errorf("donations[%d].address is required", i)
		}
		if d.Percent < 0 || d.Percent > 100 {
			return fmt.Errorf("donations[%d].percent must be between 0 and 100", i)
		}
	}

	if c.EffectiveFee() > 100 {
		return fmt.Errorf("unlocker.pool_fee plus donations must not exceed 100")
	}

	if c.Daemon.URL == "" && len(c.Daemon.Upstreams) == 0 {
		return fmt.Errorf("daemon.url or daemon.upstreams is required")
	}

	for i, u := range c.Daemon.Upstreams {
		if u.URL == "" {
			return fmt.Errorf("daemon.upstreams[%d].url is required", i)
		}
	}

	return nil
}

// EffectiveFee returns the pool fee plus every donation percent
func (c *Config) EffectiveFee() float64 {
	fee := c.Unlocker.PoolFee
	for _, d := range c.Donations {
		fee += d.Percent
	}
	return fee
}
