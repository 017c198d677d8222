// Package config loads ferrule's static configuration: pool capacities,
// resolution tunables, VRF count, and the ambient logging/metrics/control
// API settings. Grounded on pkg/config/config.go's viper+mapstructure+
// validator+yaml stack, narrowed to this module's scope (no database,
// share, or adapter sections).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ferrule/ferrule/internal/bytesize"
	"github.com/ferrule/ferrule/internal/control"
	"github.com/ferrule/ferrule/internal/nexthop"
)

// Config is ferrule's complete static configuration.
//
// Precedence (highest to lowest): environment variables (FERRULE_*), which
// override only keys the configuration file sets; the configuration file;
// defaults. When no file is found, Load returns Default() without consulting
// the environment. No CLI flag is bound into the configuration.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Router      RouterConfig      `mapstructure:"router" yaml:"router"`
	Resolution  ResolutionConfig  `mapstructure:"resolution" yaml:"resolution"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	ControlAPI  ControlAPIConfig  `mapstructure:"control_api" yaml:"control_api"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// PersistenceConfig controls the STATIC-nexthop warm-start snapshot
// (spec.md §4.G). Disabled by default: a restart simply re-learns
// dynamic neighbor state and drops operator-added statics.
type PersistenceConfig struct {
	Enabled bool              `mapstructure:"enabled" yaml:"enabled"`
	Path    string            `mapstructure:"path" validate:"required_if=Enabled true" yaml:"path"`
	MaxSize bytesize.ByteSize `mapstructure:"max_size" yaml:"max_size"`
}

// LoggingConfig controls logger output (internal/logger).
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// RouterConfig bounds the per-family nexthop pools and VRF space.
type RouterConfig struct {
	MaxVRFs      uint16        `mapstructure:"max_vrfs" validate:"required,gt=0" yaml:"max_vrfs"`
	V4Capacity   int           `mapstructure:"v4_capacity" validate:"required,gt=0" yaml:"v4_capacity"`
	V6Capacity   int           `mapstructure:"v6_capacity" validate:"required,gt=0" yaml:"v6_capacity"`
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"required,gt=0" yaml:"tick_interval"`
}

// ResolutionConfig exposes nexthop.Tunables for override (spec.md §9's
// open-question resolution: every bound is config-overridable).
type ResolutionConfig struct {
	MaxHeldPkts  int           `mapstructure:"max_held_pkts" validate:"required,gt=0" yaml:"max_held_pkts"`
	MaxProbes    uint32        `mapstructure:"max_probes" validate:"required,gt=0" yaml:"max_probes"`
	UcastProbes  uint32        `mapstructure:"ucast_probes" yaml:"ucast_probes"`
	ReachableTTL time.Duration `mapstructure:"reachable_ttl" validate:"required,gt=0" yaml:"reachable_ttl"`
	RetransInterval time.Duration `mapstructure:"retrans_interval" validate:"required,gt=0" yaml:"retrans_interval"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ControlAPIConfig configures the chi-based HTTP control API.
type ControlAPIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true" yaml:"addr"`
}

// ToLoopConfig converts the resolution/router sections to control.Config,
// translating the tick-relative Tunables fields from wall-clock durations
// using TickInterval as the tick unit.
func (c *Config) ToLoopConfig() control.Config {
	ticksPerSecond := float64(time.Second) / float64(c.Router.TickInterval)
	toTicks := func(d time.Duration) uint64 {
		return uint64(d.Seconds() * ticksPerSecond)
	}
	return control.Config{
		MaxVRFs:    c.Router.MaxVRFs,
		V4Capacity: c.Router.V4Capacity,
		V6Capacity: c.Router.V6Capacity,
		Tunables: nexthop.Tunables{
			MaxHeldPkts:  c.Resolution.MaxHeldPkts,
			MaxProbes:    c.Resolution.MaxProbes,
			UcastProbes:  c.Resolution.UcastProbes,
			ReachableTTL: toTicks(c.Resolution.ReachableTTL),
			RetransTicks: toTicks(c.Resolution.RetransInterval),
		},
		TickInterval: c.Router.TickInterval,
	}
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := Default()
		return cfg, Validate(cfg)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the out-of-the-box configuration (no file present).
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with sensible defaults, mirroring
// pkg/config/defaults.go's "zero values get replaced" strategy.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Router.MaxVRFs == 0 {
		cfg.Router.MaxVRFs = 256
	}
	if cfg.Router.V4Capacity == 0 {
		cfg.Router.V4Capacity = 1 << 16
	}
	if cfg.Router.V6Capacity == 0 {
		cfg.Router.V6Capacity = 1 << 16
	}
	if cfg.Router.TickInterval == 0 {
		cfg.Router.TickInterval = time.Second
	}

	def := nexthop.DefaultTunables()
	if cfg.Resolution.MaxHeldPkts == 0 {
		cfg.Resolution.MaxHeldPkts = def.MaxHeldPkts
	}
	if cfg.Resolution.MaxProbes == 0 {
		cfg.Resolution.MaxProbes = def.MaxProbes
	}
	if cfg.Resolution.UcastProbes == 0 {
		cfg.Resolution.UcastProbes = def.UcastProbes
	}
	if cfg.Resolution.ReachableTTL == 0 {
		cfg.Resolution.ReachableTTL = 30 * time.Second
	}
	if cfg.Resolution.RetransInterval == 0 {
		cfg.Resolution.RetransInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.ControlAPI.Addr == "" {
		cfg.ControlAPI.Addr = "127.0.0.1:8080"
	}
	if cfg.Persistence.Enabled && cfg.Persistence.Path == "" {
		cfg.Persistence.Path = filepath.Join(configDir(), "static_nexthops.db")
	}
	if cfg.Persistence.Enabled && cfg.Persistence.MaxSize == 0 {
		cfg.Persistence.MaxSize = 64 * bytesize.MiB
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
}

var validate = validator.New()

// Validate runs struct-tag validation over cfg (go-playground/validator).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

// Save writes cfg to path in YAML, mirroring pkg/config's SaveConfig.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("FERRULE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(configDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// durationDecodeHook lets config files use human-readable durations like
// "30s" or "5m" for time.Duration fields.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ferrule")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "ferrule")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}
