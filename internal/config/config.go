// Package config loads multifetch settings from defaults, an optional TOML
// file and MULTIFETCH_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ryabkov82/multifetch/internal/acquire"
	"github.com/ryabkov82/multifetch/internal/fdsn"
	"github.com/ryabkov82/multifetch/internal/logger"
	"github.com/ryabkov82/multifetch/internal/timesync"
	"github.com/ryabkov82/multifetch/internal/waveserver"
)

// ErrInvalid marks configuration validation failures
var ErrInvalid = errors.New("invalid configuration")

const (
	EnvPrefix = "MULTIFETCH"
	// FileName is looked up in the working directory when no file is given
	FileName = "multifetch.toml"

	SourceWaveServer = "waveserver"
	SourceFDSN       = "fdsn"
)

// Config is the full application configuration
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	TimeSync TimeSyncConfig `mapstructure:"timesync"`
}

// SourceConfig selects and tunes the waveform source
type SourceConfig struct {
	Kind       string        `mapstructure:"kind"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"` // fetches per second, 0 = unlimited
	FDSNScheme string        `mapstructure:"fdsn_scheme"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
	BackoffMax time.Duration `mapstructure:"backoff_max"`
	// Optional dataselect basic auth, never defaulted
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type ExecutorConfig struct {
	Workers int `mapstructure:"workers"`
}

// ServerConfig configures `multifetch serve`
type ServerConfig struct {
	Addr         string `mapstructure:"addr"`
	APIKey       string `mapstructure:"api_key"` // empty disables authentication
	DataRoot     string `mapstructure:"data_root"`
	QueueSize    int    `mapstructure:"queue_size"`
	EventHistory int    `mapstructure:"event_history"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// TimeSyncConfig holds the sensor SSH settings. Host and credentials have
// no defaults.
type TimeSyncConfig struct {
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	User                  string        `mapstructure:"user"`
	Password              string        `mapstructure:"password"`
	KnownHostsFile        string        `mapstructure:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	Timeout               time.Duration `mapstructure:"timeout"`
}

// SetDefaults configures default values for all non-secret options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source.kind", SourceWaveServer)
	v.SetDefault("source.timeout", 30*time.Second)
	v.SetDefault("source.rate_limit", 0.0)
	v.SetDefault("source.fdsn_scheme", "http")
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.backoff", 500*time.Millisecond)
	v.SetDefault("source.backoff_max", 10*time.Second)

	v.SetDefault("executor.workers", 1) // strict sequence order

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.data_root", "data")
	v.SetDefault("server.queue_size", 100)
	v.SetDefault("server.event_history", 200)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("timesync.port", 22)
	v.SetDefault("timesync.known_hosts_file", "")
	v.SetDefault("timesync.insecure_ignore_host_key", false)
	v.SetDefault("timesync.timeout", 10*time.Second)
}

// bindSecretEnv makes keys without defaults visible to Unmarshal when
// they are only set in the environment
func bindSecretEnv(v *viper.Viper) {
	for _, key := range []string{
		"source.user",
		"source.password",
		"server.api_key",
		"timesync.host",
		"timesync.user",
		"timesync.password",
	} {
		_ = v.BindEnv(key)
	}
}

// NewViper returns a viper instance with defaults and environment binding
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindSecretEnv(v)
	SetDefaults(v)
	return v
}

// Load reads configuration. An explicit path must exist; otherwise
// ./multifetch.toml and then ~/.multifetch/config.toml are tried.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := NewViper()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

// ReadFile loads the config file into v, searching the default locations
// when path is empty. Finding no file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	logger.Logger.Debugw("Loaded config file", logger.FieldPath, path)
	return nil
}

// LoadWithViper unmarshals and validates the configuration held by v
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func findConfigFile() string {
	candidates := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".multifetch", "config.toml"))
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Validate checks option ranges. Time sync settings are checked by the
// timesync package when a sync is requested.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceWaveServer, SourceFDSN:
	default:
		return errors.Wrapf(ErrInvalid, "source.kind must be %s or %s, got %q", SourceWaveServer, SourceFDSN, c.Source.Kind)
	}
	if c.Source.Timeout <= 0 {
		return errors.Wrapf(ErrInvalid, "source.timeout must be > 0, got %s", c.Source.Timeout)
	}
	if c.Source.RateLimit < 0 {
		return errors.Wrapf(ErrInvalid, "source.rate_limit must be >= 0, got %g", c.Source.RateLimit)
	}
	if c.Source.FDSNScheme != "http" && c.Source.FDSNScheme != "https" {
		return errors.Wrapf(ErrInvalid, "source.fdsn_scheme must be http or https, got %q", c.Source.FDSNScheme)
	}
	if c.Source.MaxRetries < 0 {
		return errors.Wrapf(ErrInvalid, "source.max_retries must be >= 0, got %d", c.Source.MaxRetries)
	}
	if c.Source.Backoff < 0 || c.Source.BackoffMax < 0 {
		return errors.Wrap(ErrInvalid, "source.backoff and source.backoff_max must be >= 0")
	}
	if (c.Source.User == "") != (c.Source.Password == "") {
		return errors.Wrap(ErrInvalid, "source.user and source.password must be set together")
	}

	if c.Executor.Workers < 1 {
		return errors.Wrapf(ErrInvalid, "executor.workers must be >= 1, got %d", c.Executor.Workers)
	}

	if c.Server.QueueSize < 1 {
		return errors.Wrapf(ErrInvalid, "server.queue_size must be >= 1, got %d", c.Server.QueueSize)
	}
	if c.Server.EventHistory < 1 {
		return errors.Wrapf(ErrInvalid, "server.event_history must be >= 1, got %d", c.Server.EventHistory)
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return errors.Mark(errors.Wrap(err, "log.level"), ErrInvalid)
	}
	return nil
}

// NewSource builds the configured waveform source
func (c *Config) NewSource(log *zap.SugaredLogger) acquire.Source {
	if c.Source.Kind == SourceFDSN {
		return fdsn.NewClient(fdsn.Options{
			Scheme:     c.Source.FDSNScheme,
			Timeout:    c.Source.Timeout,
			MaxRetries: c.Source.MaxRetries,
			Backoff:    c.Source.Backoff,
			BackoffMax: c.Source.BackoffMax,
			User:       c.Source.User,
			Password:   c.Source.Password,
			Logger:     log,
		})
	}
	return waveserver.NewClient(waveserver.Options{
		Timeout: c.Source.Timeout,
		Logger:  log,
	})
}

// ExecutorOptions returns executor settings. The FDSN client retries
// internally, so its fetch timeout covers every attempt.
func (c *Config) ExecutorOptions(log *zap.SugaredLogger, metrics *acquire.Metrics) acquire.Options {
	timeout := c.Source.Timeout
	if c.Source.Kind == SourceFDSN {
		timeout = time.Duration(c.Source.MaxRetries+1)*c.Source.Timeout + time.Duration(c.Source.MaxRetries)*c.Source.BackoffMax
	}
	return acquire.Options{
		Workers:      c.Executor.Workers,
		FetchTimeout: timeout,
		RateLimit:    c.Source.RateLimit,
		Logger:       log,
		Metrics:      metrics,
	}
}

// TimeSyncSettings converts the timesync section
func (c *Config) TimeSyncSettings() timesync.Config {
	return timesync.Config{
		Host:                  c.TimeSync.Host,
		Port:                  c.TimeSync.Port,
		User:                  c.TimeSync.User,
		Password:              c.TimeSync.Password,
		KnownHostsFile:        c.TimeSync.KnownHostsFile,
		InsecureIgnoreHostKey: c.TimeSync.InsecureIgnoreHostKey,
		Timeout:               c.TimeSync.Timeout,
	}
}
