// Package config loads the server configuration: built-in defaults, then an
// optional YAML file, then WORKBENCH_* environment variables and CLI flags.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/workbench/internal/core/locking"
	"github.com/zeusync/workbench/internal/core/observability/log"
	"github.com/zeusync/workbench/internal/core/protocol"
	"github.com/zeusync/workbench/internal/core/storage"
	"github.com/zeusync/workbench/internal/server"
)

const EnvPrefix = "WORKBENCH"

// Override keys understood by Load. Each maps to one nested field.
const (
	KeyListenAddr    = "server.listen_addr"
	KeyLogLevel      = "log.level"
	KeyStorageDriver = "storage.driver"
	KeyStorageDSN    = "storage.dsn"
	KeyLockTTL       = "locking.ttl"
	KeySweepInterval = "locking.sweep_interval"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the complete server configuration.
type Config struct {
	Log      LogConfig       `yaml:"log"`
	Server   server.Config   `yaml:"server"`
	Protocol protocol.Config `yaml:"protocol"`
	Locking  locking.Config  `yaml:"locking"`
	Storage  storage.Config  `yaml:"storage"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Log:      LogConfig{Level: log.LevelInfo.String()},
		Server:   server.DefaultServerConfig(),
		Protocol: protocol.DefaultConfig(),
		Locking:  locking.DefaultConfig(),
		Storage:  storage.DefaultConfig(),
	}
}

// LogLevel parses the configured level.
func (c Config) LogLevel() log.Level {
	return log.ParseLevel(c.Log.Level)
}

// NewViper returns a viper instance bound to WORKBENCH_* variables, so that
// WORKBENCH_SERVER_LISTEN_ADDR overrides server.listen_addr.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if not empty) over the defaults and applies the overrides
// set in v. v may be nil.
func Load(path string, v *viper.Viper) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config file")
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	if v != nil {
		applyOverrides(&cfg, v)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyOverrides(cfg *Config, v *viper.Viper) {
	if v.IsSet(KeyListenAddr) {
		cfg.Server.ListenAddr = v.GetString(KeyListenAddr)
	}
	if v.IsSet(KeyLogLevel) {
		cfg.Log.Level = v.GetString(KeyLogLevel)
	}
	if v.IsSet(KeyStorageDriver) {
		cfg.Storage.Driver = v.GetString(KeyStorageDriver)
	}
	if v.IsSet(KeyStorageDSN) {
		cfg.Storage.DSN = v.GetString(KeyStorageDSN)
	}
	if v.IsSet(KeyLockTTL) {
		cfg.Locking.TTL = v.GetDuration(KeyLockTTL)
	}
	if v.IsSet(KeySweepInterval) {
		cfg.Locking.SweepInterval = v.GetDuration(KeySweepInterval)
	}
}

// Validate checks the values that would otherwise fail late at runtime.
func (c Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case storage.DriverMemory, storage.DriverSQLite:
	default:
		return errors.Wrapf(ErrInvalidConfig, "storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == storage.DriverSQLite && c.Storage.DSN == "" {
		return errors.Wrap(ErrInvalidConfig, "storage.dsn is required for sqlite")
	}
	if c.Locking.TTL <= 0 {
		return errors.Wrap(ErrInvalidConfig, "locking.ttl must be positive")
	}
	if c.Protocol.PingInterval <= 0 || c.Protocol.PingInterval >= c.Protocol.PongWait {
		return errors.Wrap(ErrInvalidConfig, "protocol.ping_interval must be positive and shorter than pong_wait")
	}
	if c.Protocol.BufferSize <= 0 {
		return errors.Wrap(ErrInvalidConfig, "protocol.buffer_size must be positive")
	}
	return nil
}
