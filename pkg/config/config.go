// Package config loads the service configuration shared by every worker
// process.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (NLDS_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Each stage reads its own section (index_q, catalog_q, ...); the general
// section carries the retry discipline shared by all of them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/nearlinedata/nlds/internal/bytesize"
	"github.com/nearlinedata/nlds/internal/db"
	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/api"
	"github.com/nearlinedata/nlds/pkg/archive"
	"github.com/nearlinedata/nlds/pkg/catalog"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/index"
	"github.com/nearlinedata/nlds/pkg/logq"
	"github.com/nearlinedata/nlds/pkg/monitor"
	"github.com/nearlinedata/nlds/pkg/router"
	"github.com/nearlinedata/nlds/pkg/transfer"
	"github.com/nearlinedata/nlds/pkg/worker"
)

// Config is the complete service configuration.
type Config struct {
	Logging logger.Config `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	API     api.Config    `mapstructure:"api"`

	// General carries the retry discipline shared by every stage.
	General GeneralConfig `mapstructure:"general"`
	// RPC configures the synchronous query channel.
	RPC fabric.RPCConfig `mapstructure:"rpc_publisher"`

	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	Tape        TapeConfig        `mapstructure:"tape"`

	Router      router.Config      `mapstructure:"nlds_q"`
	Index       index.Config       `mapstructure:"index_q"`
	Catalog     CatalogQueueConfig `mapstructure:"catalog_q"`
	Monitor     MonitorQueueConfig `mapstructure:"monitor_q"`
	TransferPut transfer.Config    `mapstructure:"transfer_put_q"`
	TransferGet transfer.Config    `mapstructure:"transfer_get_q"`
	ArchivePut  archive.Config     `mapstructure:"archive_put_q"`
	ArchiveGet  archive.Config     `mapstructure:"archive_get_q"`
	Logq        logq.Config        `mapstructure:"logging_q"`
}

// MetricsConfig configures the Prometheus endpoint served by the API.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// GeneralConfig is the stage-wide retry discipline.
type GeneralConfig struct {
	// RetryDelays is the back-off table indexed by the per-file retry
	// counter. Bare numbers in the file are read as seconds.
	RetryDelays []time.Duration `mapstructure:"retry_delays"`
	MaxRetries  int             `mapstructure:"max_retries" validate:"omitempty,min=1"`
}

// Retry converts the section into the runtime retry configuration.
func (c GeneralConfig) Retry() worker.RetryConfig {
	r := worker.RetryConfig{
		Delays:     append([]time.Duration(nil), c.RetryDelays...),
		MaxRetries: c.MaxRetries,
	}
	if len(r.Delays) == 0 {
		r.Delays = append([]time.Duration(nil), worker.DefaultRetryDelays...)
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = worker.DefaultMaxRetries
	}
	return r
}

// ObjectStoreConfig describes the warm tier endpoint.
type ObjectStoreConfig struct {
	Tenancy       string `mapstructure:"tenancy"`
	RequireSecure bool   `mapstructure:"require_secure_fl"`
	Region        string `mapstructure:"region"`
}

// TapeConfig describes the cold tier endpoint. URL uses the xrootd-style
// scheme://netloc/rootdir form; PosixDir switches on the local emulation
// used for development deployments.
type TapeConfig struct {
	URL        string        `mapstructure:"tape_url"`
	PosixDir   string        `mapstructure:"posix_dir"`
	StageDelay time.Duration `mapstructure:"stage_delay"`
}

// CatalogQueueConfig is the catalog stage plus its database.
type CatalogQueueConfig struct {
	catalog.Config `mapstructure:",squash"`
	Database       db.Config `mapstructure:",squash"`
}

// MonitorQueueConfig is the monitor stage plus its database.
type MonitorQueueConfig struct {
	monitor.Config `mapstructure:",squash"`
	Database       db.Config `mapstructure:",squash"`
}

// Load reads the configuration from path (or the default location when path
// is empty), applies environment overrides and defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// MustLoad is Load with operator-friendly errors when the file is missing.
func MustLoad(path string) (*Config, error) {
	if path == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at %s\n\n"+
				"Initialise one first:\n  nlds init\n\n"+
				"Or point at an existing file:\n  nlds <command> --config /path/to/config.yaml",
				DefaultConfigPath())
		}
		path = DefaultConfigPath()
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", path)
	}
	return Load(path)
}

func setupViper(v *viper.Viper, path string) {
	// NLDS_CATALOG_Q_DEFAULT_TENANCY overrides catalog_q.default_tenancy.
	v.SetEnvPrefix("NLDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(configDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
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

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		sizeDecodeHook(),
	)
}

// durationDecodeHook parses duration fields. Strings use Go syntax ("30s",
// "1h"); bare numbers are seconds, matching the retry_delays table.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// sizeDecodeHook parses byte size fields given as human-readable strings
// ("500GB", "5Gi"). Every int64 in the configuration is a byte count, so
// the hook applies to all of them.
func sizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to.Kind() != reflect.Int64 || from.Kind() != reflect.String {
			return data, nil
		}
		if to == reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		size, err := bytesize.Parse(data.(string))
		if err != nil {
			return nil, err
		}
		return size, nil
	}
}

// configDir is $XDG_CONFIG_HOME/nlds, falling back to ~/.config/nlds.
func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nlds")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "nlds")
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(DefaultConfigPath())
	return err == nil
}

// ConfigDir exposes the configuration directory for the init command.
func ConfigDir() string { return configDir() }
