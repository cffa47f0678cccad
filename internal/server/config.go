package server

import (
	"time"

	"github.com/pkg/errors"
)

// User maps an API token to a workbench user.
type User struct {
	Token    string `yaml:"token"`
	PK       string `yaml:"pk"`
	Username string `yaml:"username"`
}

// Config holds server configuration
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// MaxClients caps concurrent live update connections.
	MaxClients        int           `yaml:"max_clients"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// Shards is the number of subscription shards in the hub.
	Shards int `yaml:"shards"`
	// RateLimit caps API calls per user and RateWindow. Zero disables it.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
	Users      []User        `yaml:"users"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:8080",
		MaxClients:        10_000,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Shards:            32,
		RateLimit:         600,
		RateWindow:        time.Minute,
	}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.Wrap(ErrInvalidConfig, "listen_addr is empty")
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		return errors.Wrap(ErrInvalidConfig, "rate_window must be positive when rate_limit is set")
	}
	seen := make(map[string]struct{}, len(c.Users))
	for i, u := range c.Users {
		if u.Token == "" || u.PK == "" {
			return errors.Wrapf(ErrInvalidConfig, "users[%d]: token and pk are required", i)
		}
		if _, dup := seen[u.Token]; dup {
			return errors.Wrapf(ErrInvalidConfig, "users[%d]: duplicate token", i)
		}
		seen[u.Token] = struct{}{}
	}
	return nil
}
