package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srg/bleapp/pkg/bleapp"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "BLEAPP"

// Backends lists the accepted values of Config.Backend.
var Backends = []string{"goble", "tinygo", "sim"}

// ErrBothServiceIDs is returned by Validate when both service id forms are set.
var ErrBothServiceIDs = errors.New("service_id_short and service_id_long are mutually exclusive")

// Config holds application configuration
type Config struct {
	Backend  string `mapstructure:"backend" json:"backend" default:"goble"`
	LogLevel string `mapstructure:"log_level" json:"log_level" default:"info"`
	Verbose  bool   `mapstructure:"verbose" json:"verbose"`

	AdvertisingName     string        `mapstructure:"advertising_name" json:"advertising_name"`
	TargetName          string        `mapstructure:"target_name" json:"target_name"`
	ServiceIDShort      string        `mapstructure:"service_id_short" json:"service_id_short"`
	ServiceIDLong       string        `mapstructure:"service_id_long" json:"service_id_long"`
	AdvertisingInterval time.Duration `mapstructure:"advertising_interval" json:"advertising_interval" default:"40ms"`
	AdvertisingDuration time.Duration `mapstructure:"advertising_duration" json:"advertising_duration" default:"10s"`
	ScanDuration        time.Duration `mapstructure:"scan_duration" json:"scan_duration" default:"10s"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout" json:"connect_timeout" default:"30s"`

	Script      string `mapstructure:"script" json:"script"`
	Listen      string `mapstructure:"listen" json:"listen"`
	HistorySize int    `mapstructure:"history_size" json:"history_size" default:"256"`
	LogTailSize int    `mapstructure:"log_tail_size" json:"log_tail_size" default:"65536"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"backend":         "backend",
	"log-level":       "log_level",
	"verbose":         "verbose",
	"name":            "advertising_name",
	"target":          "target_name",
	"service16":       "service_id_short",
	"service128":      "service_id_long",
	"adv-interval":    "advertising_interval",
	"adv-duration":    "advertising_duration",
	"scan-duration":   "scan_duration",
	"connect-timeout": "connect_timeout",
	"script":          "script",
	"listen":          "listen",
	"history-size":    "history_size",
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load layers, lowest first: struct defaults, the file named by --config,
// BLEAPP_* environment variables and the flags set on cmd.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	if cmd != nil {
		if f := cmd.Flags().Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range flagKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if cmd != nil {
		if err := bindFlags(cmd, v); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// bindFlags binds only the flags given on the command line; unset flags
// would otherwise shadow the struct defaults with their zero values.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Validate checks the backend, the log level, the service ids and the durations.
func (c *Config) Validate() error {
	if !isBackend(c.Backend) {
		return fmt.Errorf("invalid backend: %s (must be %s)", c.Backend, strings.Join(Backends, ", "))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	if c.ServiceIDShort != "" && c.ServiceIDLong != "" {
		return ErrBothServiceIDs
	}
	if c.ServiceIDShort != "" {
		if _, err := ParseShortServiceID(c.ServiceIDShort); err != nil {
			return err
		}
	}
	if c.ServiceIDLong != "" {
		if _, err := uuid.Parse(c.ServiceIDLong); err != nil {
			return fmt.Errorf("invalid service_id_long %q: %w", c.ServiceIDLong, err)
		}
	}
	if c.AdvertisingInterval <= 0 {
		return fmt.Errorf("invalid advertising interval: %s", c.AdvertisingInterval)
	}
	if c.AdvertisingDuration < 0 || c.ScanDuration < 0 || c.ConnectTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.HistorySize < 0 || c.LogTailSize < 0 {
		return errors.New("buffer sizes must not be negative")
	}
	return nil
}

func isBackend(name string) bool {
	for _, b := range Backends {
		if b == name {
			return true
		}
	}
	return false
}

// ParseShortServiceID parses a 16-bit service id in hex, with or without 0x.
func ParseShortServiceID(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid service_id_short %q: %w", s, err)
	}
	return uint16(v), nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if c.Verbose && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// ActivityOptions translates the configuration into application options.
func (c *Config) ActivityOptions(logger *logrus.Logger) []bleapp.Option {
	return []bleapp.Option{
		bleapp.WithLogger(logger),
		bleapp.WithAdvertisingInterval(c.AdvertisingInterval),
		bleapp.WithAdvertisingDuration(c.AdvertisingDuration),
		bleapp.WithScanDuration(c.ScanDuration),
	}
}

// Apply hands the configured names and service id to a started app.
func (c *Config) Apply(app *bleapp.App) error {
	if c.ServiceIDShort != "" {
		id, err := ParseShortServiceID(c.ServiceIDShort)
		if err != nil {
			return err
		}
		if !app.SetServiceIDShort(id) {
			return fmt.Errorf("service id %s rejected", c.ServiceIDShort)
		}
	}
	if c.ServiceIDLong != "" && !app.SetServiceIDLong(c.ServiceIDLong) {
		return fmt.Errorf("service id %s rejected", c.ServiceIDLong)
	}
	if c.AdvertisingName != "" {
		app.SetAdvertisingName(c.AdvertisingName)
	}
	if c.TargetName != "" {
		app.SetTargetName(c.TargetName)
	}
	return nil
}
